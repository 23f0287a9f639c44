package registration

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrToolNotConfigured means the registration toolkit root is unset or
	// does not point at an installation.
	ErrToolNotConfigured = errors.New("registration toolkit not configured")

	// ErrMissingAsset means a bundled template or face mask is absent.
	ErrMissingAsset = errors.New("missing template asset")
)

// ToolNotFoundError reports a registration binary that cannot be executed.
type ToolNotFoundError struct {
	Tool string
	Path string
	Err  error
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("%s not found at %s: %v", e.Tool, e.Path, e.Err)
}

func (e *ToolNotFoundError) Unwrap() error { return e.Err }

// ExitError reports a registration run that exited with a non-zero status.
type ExitError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// MalformedOutputError reports tool output that is missing or unparsable.
type MalformedOutputError struct {
	Path string
	Err  error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed registration output %s: %v", e.Path, e.Err)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err stems from a missing or broken
// toolkit installation rather than from a registration run.
func IsConfigurationError(err error) bool {
	var nf *ToolNotFoundError
	return errors.Is(err, ErrToolNotConfigured) || errors.As(err, &nf)
}
