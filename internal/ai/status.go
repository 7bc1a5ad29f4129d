package ai

import (
	"fmt"
	"regexp"
	"strconv"
)

// The OpenAI client only reports a failed response's status inside the
// error text.
var statusPattern = regexp.MustCompile(`status code: (\d{3})`)

// StatusError is a failed embedding call with the HTTP status the endpoint
// answered with.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("embedding endpoint returned %d: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) HTTPStatus() int { return e.Status }

func withStatus(err error) error {
	if err == nil {
		return nil
	}
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return err
	}
	status, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return err
	}
	return &StatusError{Status: status, Err: err}
}
