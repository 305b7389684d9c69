package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"github.com/candlefish/paintbox-sync/internal/logging"
	"github.com/go-playground/validator/v10"
)

// ErrorMapping maps an error to an HTTP response. It matches either a
// sentinel error or an application error code.
type ErrorMapping struct {
	Error   error
	Code    apperrors.ErrorCode
	Status  int
	Message string // if empty, uses err.Error()
}

func (m ErrorMapping) matches(err error) bool {
	if m.Error != nil {
		return errors.Is(err, m.Error)
	}
	return m.Code != "" && apperrors.Is(err, m.Code)
}

// HandleError writes the first matching mapping, or logs err and answers 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if m.matches(err) {
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}
			Error(w, m.Status, msg)
			return
		}
	}
	logging.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}

// JSON writes a raw JSON response.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logging.Error("failed to encode response", err)
		}
	}
}

// Success writes a JSON response with a {"data": ...} envelope.
func Success(w http.ResponseWriter, status int, data interface{}) {
	JSON(w, status, map[string]interface{}{"data": data})
}

// Error writes a JSON response with a {"error": {"message": ...}} envelope.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]interface{}{
		"error": map[string]string{"message": message},
	})
}

// ValidationError writes a 400 with per-field details when err comes from
// the validator.
func ValidationError(w http.ResponseWriter, err error) {
	var details interface{} = err.Error()
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) {
		fields := make([]map[string]string, 0, len(fieldErrors))
		for _, e := range fieldErrors {
			fields = append(fields, map[string]string{
				"field":   e.Field(),
				"message": e.Tag(),
			})
		}
		details = fields
	}
	JSON(w, http.StatusBadRequest, map[string]interface{}{
		"error": map[string]interface{}{
			"message": "validation error",
			"details": details,
		},
	})
}
