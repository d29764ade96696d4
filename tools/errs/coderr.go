package errs

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Wire-facing error codes. These strings travel as-is in the error event's
// `code` field, so they are part of the protocol, not internal detail.
const (
	CodeNoSession           = "NO_SESSION"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeNotFound            = "NOT_FOUND"
	CodeAuthFailure         = "AUTH_FAILURE"
	CodeMessageParse        = "MESSAGE_ERROR"
	CodeNotImplemented      = "NOT_IMPLEMENTED"
	CodeRefresh             = "REFRESH_ERROR"
	CodeMedia               = "MEDIA_ERROR"
	CodeThumbnail           = "THUMBNAIL_ERROR"
	CodeInternal            = "INTERNAL_ERROR"
)

var (
	ErrNoSession           = NewCodeError(CodeNoSession, "no active session for this connection")
	ErrProviderUnavailable = NewCodeError(CodeProviderUnavailable, "provider session is not connected")
	ErrNotFound            = NewCodeError(CodeNotFound, "referenced message or media not found")
	ErrAuthFailure         = NewCodeError(CodeAuthFailure, "provider rejected pairing or credentials")
	ErrMessageParse        = NewCodeError(CodeMessageParse, "malformed inbound message")
	ErrNotImplemented      = NewCodeError(CodeNotImplemented, "feature not implemented")
	ErrRefresh             = NewCodeError(CodeRefresh, "failed to refresh status updates")
	ErrMedia               = NewCodeError(CodeMedia, "failed to fetch media")
	ErrThumbnail           = NewCodeError(CodeThumbnail, "failed to fetch thumbnail")
	ErrInternal            = NewCodeError(CodeInternal, "internal server error")
)

func NewCodeError(code, msg string) CodeError {
	return CodeError{Code: code, Msg: msg}
}

// CodeError is the structured error that crosses the router boundary. The
// client only ever sees Code and Msg; Detail stays in server logs.
type CodeError struct {
	Code   string `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e *CodeError) WithDetail(detail string) CodeError {
	var d string
	if e.Detail == "" {
		d = detail
	} else {
		d = e.Detail + ", " + detail
	}
	return CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

func (e *CodeError) Wrap() error {
	return pkgerrors.WithStack(e.clone())
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail}
}

func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	retErr := e.clone()
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if retErr.Detail == "" {
			retErr.Detail = detail
		} else {
			retErr.Detail += ", " + detail
		}
	}
	return pkgerrors.WithStack(retErr)
}

func (e *CodeError) Is(err error) bool {
	var codeErr *CodeError
	if !errors.As(err, &codeErr) {
		return err == nil && e == nil
	}
	if e == nil {
		return false
	}
	return e.Code == codeErr.Code
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, e.Code, e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// CodeOf extracts the wire code from any error, falling back to the given
// default when the error carries no CodeError.
func CodeOf(err error, fallback string) string {
	var codeErr *CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Code
	}
	return fallback
}

// MsgOf returns the client-safe message for an error. Raw internal detail is
// never exposed here.
func MsgOf(err error, fallback string) string {
	var codeErr *CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Msg
	}
	return fallback
}

func toString(msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if i > 0 || msg != "" {
			sb.WriteString(", ")
		}
		key := fmt.Sprint(kv[i])
		var val any = "missing"
		if i+1 < len(kv) {
			val = kv[i+1]
		}
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(fmt.Sprint(val))
	}
	return sb.String()
}
