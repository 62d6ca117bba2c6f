package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport covers network failures and non-authorization HTTP errors.
	ErrTransport = errors.New("collector transport error")
	// ErrUnauthorized is a 401-403 from the collector; check the application id.
	ErrUnauthorized = errors.New("collector rejected application id")
)

// StatusError is a non-2xx collector response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector returned status %d", e.Code)
	}
	return fmt.Sprintf("collector returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unauthorized() bool { return e.Code >= 401 && e.Code <= 403 }

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Unauthorized()
	case ErrTransport:
		return !e.Unauthorized()
	}
	return false
}
