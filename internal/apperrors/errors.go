package apperrors

import (
	"encoding/json"
	"errors"
	"net/http"
)

type Kind string

const (
	KindAuth             Kind = "auth"
	KindConnection       Kind = "connection"
	KindMalformedRequest Kind = "malformed_request"
	KindNotFound         Kind = "not_found"
	KindInternal         Kind = "internal"
)

// Sentinels for errors.Is. Any *AppError of the same kind matches.
var (
	ErrAuth             = &AppError{Kind: KindAuth}
	ErrConnection       = &AppError{Kind: KindConnection}
	ErrMalformedRequest = &AppError{Kind: KindMalformedRequest}
	ErrNotFound         = &AppError{Kind: KindNotFound}
)

type AppError struct {
	Kind    Kind           `json:"kind"`
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Fields  map[string]any `json:"-"`
}

func (e *AppError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Message != "":
		return e.Message
	default:
		return string(e.Kind)
	}
}

func (e *AppError) Unwrap() error { return e.Err }

func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NewAppError(kind Kind, code int, message string, err error) *AppError {
	return &AppError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Err:     err,
		Fields:  make(map[string]any),
	}
}

// WithField adds a single additional field to be serialized with the error response.
func (e *AppError) WithField(key string, value any) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func Auth(message string, err error) *AppError {
	return NewAppError(KindAuth, http.StatusBadGateway, message, err)
}

func Connection(message string, err error) *AppError {
	return NewAppError(KindConnection, http.StatusServiceUnavailable, message, err)
}

func MalformedRequest(message string) *AppError {
	return NewAppError(KindMalformedRequest, http.StatusBadRequest, message, nil)
}

func NotFound(message string) *AppError {
	return NewAppError(KindNotFound, http.StatusNotFound, message, nil)
}

func Internal(message string, err error) *AppError {
	return NewAppError(KindInternal, http.StatusInternalServerError, message, err)
}

// From returns err as an *AppError, wrapping unknown errors as internal.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("internal error", err)
}

func WriteError(w http.ResponseWriter, err error) {
	appErr := From(err)
	code := appErr.Code
	if code == 0 {
		code = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := appErr.Message
	if msg == "" {
		msg = appErr.Error()
	}
	payload := map[string]any{
		"error": msg,
		"code":  code,
		"kind":  appErr.Kind,
	}
	for k, v := range appErr.Fields {
		if k == "error" || k == "code" || k == "kind" {
			continue
		}
		payload[k] = v
	}
	_ = json.NewEncoder(w).Encode(payload)
}
