// Package llm talks to the OpenAI-compatible text and speech endpoints.
package llm

import (
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// StatusError is a non-2xx response from an upstream endpoint.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d - (no body)", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d - %s", e.Op, e.StatusCode, e.Body)
}

// HTTPStatus extracts an upstream HTTP status code from err, if it carries one.
func HTTPStatus(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}
