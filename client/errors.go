package client

import (
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// Unwrap maps the status onto the domain taxonomy so callers can use
// errors.Is(err, domain.ErrNotFound). Conflicts arrive as 400 and read as
// invalid input.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case e.Status == http.StatusNotFound:
		return domain.ErrNotFound
	case e.Status >= http.StatusInternalServerError:
		return domain.ErrInternal
	default:
		return domain.ErrInvalidInput
	}
}

const maxErrorBody = 4 << 10

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Error string `json:"error"`
	}
	msg := http.StatusText(resp.StatusCode)
	if err := sonic.Unmarshal(data, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
