package errs

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrPanic converts a recovered panic value into a CodeError so the router
// boundary can report it like any other handler failure.
func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	err := &CodeError{
		Code:   CodeInternal,
		Msg:    "internal server error",
		Detail: fmt.Sprint(r),
	}
	return pkgerrors.WithStack(err)
}
