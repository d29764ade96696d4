package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Load(ctx, "s1")
	require.ErrorIs(t, err, ErrNoCredentials)

	require.NoError(t, m.Save(ctx, "s1", []byte("blob-1")))
	blob, err := m.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, []byte("blob-1"), blob)

	// the store hands out copies, not aliases
	blob[0] = 'X'
	again, err := m.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, []byte("blob-1"), again)
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, "s1", []byte("blob")))
	require.NoError(t, m.Delete(ctx, "s1"))
	_, err := m.Load(ctx, "s1")
	require.ErrorIs(t, err, ErrNoCredentials)

	// deleting again is a no-op
	require.NoError(t, m.Delete(ctx, "s1"))
}

func TestMemoryRejectsEmptySessionID(t *testing.T) {
	m := NewMemory()
	require.Error(t, m.Save(context.Background(), "", []byte("blob")))
}
