package loaders

import (
	"errors"
	"fmt"

	"github.com/sotplane/datasync/internal/content"
)

// ParseError reports a file that could not be turned into an artifact.
// Strict errors abort the sync; the others skip the file.
type ParseError struct {
	Kind   content.Kind
	Path   string
	Strict bool
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// RecordNotFoundError reports a file that refers to an inventory record that
// does not exist.
type RecordNotFoundError struct {
	Path string
	Kind string
	Name string
	Err  error
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("%s: no %s named %q", e.Path, e.Kind, e.Name)
}

func (e *RecordNotFoundError) Unwrap() error {
	return e.Err
}

// UnknownContentTypeError reports an export template whose directory does
// not name a known app and model.
type UnknownContentTypeError struct {
	Path        string
	ContentType string
}

func (e *UnknownContentTypeError) Error() string {
	return fmt.Sprintf("%s: unknown content type %q", e.Path, e.ContentType)
}

// Fatal reports whether err must abort the sync.
func Fatal(err error) bool {
	if err == nil {
		return false
	}

	var perr *ParseError
	if errors.As(err, &perr) {
		return perr.Strict
	}

	var uerr *UnknownContentTypeError
	return !errors.As(err, &uerr)
}
