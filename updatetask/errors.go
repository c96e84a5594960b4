package updatetask

import (
	"context"
	"errors"
	"fmt"

	"github.com/always-cache/localserver/manifest"
	"github.com/always-cache/localserver/sqlstore"
)

var (
	ErrMissingManifestURL = errors.New("Manifest URL is not set")
	// ErrAlreadyRunning is returned when another task updates the same store.
	ErrAlreadyRunning = errors.New("an update task is already running for this store")
	ErrAborted        = errors.New("update task was aborted")
	// ErrStarted is returned when starting a task a second time.
	ErrStarted = errors.New("update task was already started")
	// ErrTooManyRedirects is returned by the fetcher when a redirect chain is too long.
	ErrTooManyRedirects = errors.New("Redirect chain too long")
)

// RedirectError is returned when the manifest redirects to another origin.
type RedirectError struct {
	URL      string
	Location string
}

func (e *RedirectError) Error() string {
	return "Illegal redirect to a different origin"
}

// HTTPError is returned when a fetch fails or answers with an unexpected status.
// Status is 0 if no response was received.
type HTTPError struct {
	URL    string
	Status int
	Err    error
}

func (e *HTTPError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("Download of '%s' returned response code %d", e.URL, e.Status)
	}
	return fmt.Sprintf("Download of '%s' failed", e.URL)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

const (
	manifestErrorPrefix = "Invalid manifest - "
	corruptErrorMessage = "Database is corrupt"
	defaultErrorMessage = "Internal error"
)

// errorMessage returns the message recorded in the store for a failed run.
func errorMessage(err error) string {
	var redirectErr *RedirectError
	var httpErr *HTTPError
	var parseErr *manifest.ParseError
	var dbErr *sqlstore.DatabaseError
	switch {
	case errors.Is(err, ErrTooManyRedirects):
		return ErrTooManyRedirects.Error()
	case errors.Is(err, ErrMissingManifestURL), errors.Is(err, ErrAborted):
		return err.Error()
	case errors.Is(err, manifest.ErrEmpty):
		return manifestErrorPrefix + manifest.ErrEmpty.Error()
	case errors.As(err, &parseErr):
		return manifestErrorPrefix + parseErr.Reason
	case errors.As(err, &redirectErr):
		return redirectErr.Error()
	case errors.As(err, &httpErr):
		return httpErr.Error()
	case errors.Is(err, sqlstore.ErrCorrupt):
		return corruptErrorMessage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrAborted.Error()
	case errors.As(err, &dbErr):
		return fmt.Sprintf("Database %s failed", dbErr.Op)
	}
	return defaultErrorMessage
}
