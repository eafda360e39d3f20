package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/acquisitions/internal/pkg/ctxlog"
)

// ErrorMapping translates a sentinel error into a response status and body.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // err.Error() when empty
}

func (m ErrorMapping) message() string {
	if m.Message != "" {
		return m.Message
	}
	return m.Error.Error()
}

// HandleError writes the first mapping matching err (errors.Is).
// Unmapped errors are logged with the request logger and answered with a
// generic 500 so store details never reach the client.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	if m, ok := matchError(err, mappings); ok {
		ctxlog.FromContext(ctx).Debug("request rejected", "status", m.Status, "error", err)
		Error(w, m.Status, m.message())
		return
	}

	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}

func matchError(err error, mappings []ErrorMapping) (ErrorMapping, bool) {
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			return m, true
		}
	}
	return ErrorMapping{}, false
}
