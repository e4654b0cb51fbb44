package toolrelay

import "fmt"

// ToolNotAllowedError is returned when a tool is not on the allow-list. The
// relay fails closed: no network request is attempted.
type ToolNotAllowedError struct {
	Tool string
}

func (e *ToolNotAllowedError) Error() string {
	return fmt.Sprintf("tool not allowed: %s", e.Tool)
}

// AuthError is returned when the upstream API rejects the forwarded
// credentials. Not retryable.
type AuthError struct {
	Tool       string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("tool %s rejected credentials (status %d)", e.Tool, e.StatusCode)
}

// ValidationError is returned when arguments fail the tool's parameter schema
// or the upstream API rejects the request body. Not retryable.
type ValidationError struct {
	Tool   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s arguments invalid: %s", e.Tool, e.Detail)
}

// TransientError covers timeouts, connection failures, and upstream 5xx
// responses. Retryable for read-only tools.
type TransientError struct {
	Tool       string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s transient failure: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("tool %s transient failure (status %d)", e.Tool, e.StatusCode)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// errorClass labels an execution error for metrics
func errorClass(err error) string {
	switch err.(type) {
	case *ToolNotAllowedError:
		return "not_allowed"
	case *AuthError:
		return "auth"
	case *ValidationError:
		return "validation"
	case *TransientError:
		return "transient"
	default:
		return "internal"
	}
}
