package trigger

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rendis/conveyor/pkg/schema"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// Handler serves inbound webhook triggers. A POST to a bound path starts a
// run with the JSON object body as payload and answers 202 with the run ID.
// prefix is stripped from the request path before lookup.
func (d *Dispatcher) Handler(prefix string) http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, schema.NewError(schema.ErrCodeValidation, "method not allowed"))
			return
		}

		payload := map[string]any{}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, schema.NewError(schema.ErrCodeValidation, "read body").WithCause(err))
			return
		}
		if len(body) > maxWebhookBody {
			writeError(w, http.StatusRequestEntityTooLarge, schema.NewError(schema.ErrCodeValidation, "payload too large"))
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, schema.NewError(schema.ErrCodeValidation, "payload must be a JSON object").WithCause(err))
				return
			}
		}

		path := strings.TrimPrefix(r.URL.Path, prefix)

		run, err := d.FireWebhook(r.Context(), path, payload)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"runId": run.ID, "status": run.Status})
	})
	return otelhttp.NewHandler(h, "trigger.webhook")
}

func statusFor(err error) int {
	switch schema.CodeOf(err) {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected, schema.ErrCodeSandboxViolation:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, err error) {
	se, ok := schema.AsError(err)
	if !ok {
		se = schema.Wrap(err, schema.ErrCodeExecution)
	}
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": se.Code, "message": se.Message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", slog.String("error", err.Error()))
	}
}
