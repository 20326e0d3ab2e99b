package flowapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/phrazzld/flowbatch/internal/redact"
)

// maxErrorBody bounds the response body kept on an APIError.
const maxErrorBody = 512

// APIError is returned for every non-2xx response of the flow service.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	// Body is the redacted, truncated response body
	Body string
}

func newAPIError(method, path string, status int, body []byte) *APIError {
	text := string(body)
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody] + "..."
	}
	return &APIError{
		Method:     method,
		Path:       path,
		StatusCode: status,
		Body:       redact.String(text),
	}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether err is an APIError with status 401 or 403.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}
