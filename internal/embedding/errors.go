package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	goopenai "github.com/sashabaranov/go-openai"

	"ragcore/internal/models"
)

// BatchError reports the input positions whose batches could not be embedded.
type BatchError struct {
	Missing []int
	Errs    []error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d texts could not be embedded: %v", len(e.Missing), errors.Join(e.Errs...))
}

func (e *BatchError) Unwrap() []error {
	return e.Errs
}

// langchaingo's openai client reports "API returned unexpected status code: 401"
// and its ollama client the HTTP status line, e.g. "404 Not Found: model ...".
var statusRes = []*regexp.Regexp{
	regexp.MustCompile(`status code:? (\d{3})\b`),
	regexp.MustCompile(`(?:^|: )([1-5]\d{2}) [A-Z][A-Za-z ]*`),
}

// IsTransient reports whether an embedding call failure is worth retrying.
// Rate limits, request timeouts and server errors are; other client errors,
// cancellation and configuration errors are not. Errors carrying no status
// at all, such as dropped connections, are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, models.ErrInvalidConfiguration) ||
		errors.Is(err, models.ErrDimensionMismatch) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return transientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return transientStatus(reqErr.HTTPStatusCode)
	}
	if code, ok := statusFromMessage(err.Error()); ok {
		return transientStatus(code)
	}
	return true
}

func statusFromMessage(msg string) (int, bool) {
	for _, re := range statusRes {
		if m := re.FindStringSubmatch(msg); m != nil {
			code, err := strconv.Atoi(m[1])
			return code, err == nil
		}
	}
	return 0, false
}

func transientStatus(code int) bool {
	switch {
	case code == 0:
		return true
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
