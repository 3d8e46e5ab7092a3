package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx backend response, carrying the error envelope's
// message(s) when the body had one.
type APIError struct {
	Status   int
	Messages []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("api error: status %d: %s", e.Status, strings.Join(e.Messages, "; "))
}

// AuthRejected reports whether the server rejected the caller's credentials
// or token.
func (e *APIError) AuthRejected() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// decodeAPIError parses the backend's error envelope, where message is
// either a string or an array of field messages.
func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status}

	var env struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err != nil || len(env.Message) == 0 {
		return apiErr
	}

	var single string
	if err := json.Unmarshal(env.Message, &single); err == nil {
		apiErr.Messages = []string{single}
		return apiErr
	}
	var many []string
	if err := json.Unmarshal(env.Message, &many); err == nil {
		apiErr.Messages = many
	}
	return apiErr
}
