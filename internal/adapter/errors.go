package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"aiknowledge/internal/pkg/extract"
)

var (
	ErrNotFound      = errors.New("source item not found")
	ErrUnauthorized  = errors.New("source credentials rejected")
	ErrUnsupported   = errors.New("unsupported source item")
	ErrTransient     = errors.New("transient source failure")
	ErrInvalidConfig = errors.New("invalid source config")
)

// Error kinds persisted under metadata.errors.<step>.kind.
const (
	KindNotFound      = "not_found"
	KindUnauthorized  = "unauthorized"
	KindUnsupported   = "unsupported"
	KindTransient     = "transient"
	KindInvalidConfig = "invalid_config"
	KindRemoteFailure = "remote_failure"
	KindInternal      = "internal"
)

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrUnsupported), errors.Is(err, extract.ErrUnsupportedType):
		return KindUnsupported
	case errors.Is(err, ErrInvalidConfig):
		return KindInvalidConfig
	case IsTransient(err):
		return KindTransient
	}
	return KindInternal
}

// FromHTTPStatus classifies a failed remote call by its status code.
func FromHTTPStatus(status int, err error) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return Transient(err)
	}
	return err
}
