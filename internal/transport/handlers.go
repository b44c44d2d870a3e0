package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/taxintake/internal/answers"
	"github.com/pitabwire/taxintake/internal/condition"
	"github.com/pitabwire/taxintake/internal/intake"
	"github.com/pitabwire/taxintake/model"
)

// CaseService is the case-facing API served over HTTP.
type CaseService interface {
	GetChecklist(ctx context.Context, caseID string) (intake.ChecklistView, error)
	RefreshChecklist(ctx context.Context, caseID string) (intake.ChecklistView, error)
	UpdateAnswers(ctx context.Context, caseID string, patch answers.Patch, idempotencyKey string) (intake.UpdateResult, error)
}

func handleGetChecklist(svc CaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.GetChecklist(r.Context(), chi.URLParam(r, "caseId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleRefreshChecklist(svc CaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.RefreshChecklist(r.Context(), chi.URLParam(r, "caseId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleUpdateAnswers(svc CaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Answers        answers.Patch `json:"answers"`
			IdempotencyKey string        `json:"idempotency_key"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.Answers == nil {
			WriteError(w, model.NewBadRequestError("answers object is required"))
			return
		}

		// Allow idempotency key from header as fallback.
		if body.IdempotencyKey == "" {
			body.IdempotencyKey = r.Header.Get("X-Idempotency-Key")
		}

		result, err := svc.UpdateAnswers(r.Context(), chi.URLParam(r, "caseId"), body.Answers, body.IdempotencyKey)
		if err != nil {
			WriteError(w, err)
			return
		}
		if result.Replayed {
			w.Header().Set("Idempotent-Replayed", "true")
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

// conditionCheck is the response of the condition validation endpoint.
type conditionCheck struct {
	Valid      bool     `json:"valid"`
	Reason     string   `json:"reason,omitempty"`
	Message    string   `json:"message,omitempty"`
	Keys       []string `json:"keys,omitempty"`
	Depth      int      `json:"depth,omitempty"`
	Normalized string   `json:"normalized,omitempty"`
}

// handleValidateCondition checks a condition as a template author would
// write it. The condition may be sent as a JSON object or as a string
// holding one.
func handleValidateCondition(maxBytes int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Condition json.RawMessage `json:"condition"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		raw := string(bytes.TrimSpace(body.Condition))
		var s string
		if err := json.Unmarshal(body.Condition, &s); err == nil {
			raw = s
		}

		expr, err := condition.Parse(raw, maxBytes)
		if err != nil {
			WriteJSON(w, http.StatusOK, conditionCheck{
				Reason:  condition.RejectionReason(err),
				Message: err.Error(),
			})
			return
		}
		// Blank and null conditions parse to no expression.
		if expr == nil {
			WriteError(w, model.NewBadRequestError("condition is required"))
			return
		}
		normalized, _ := condition.Encode(expr)
		WriteJSON(w, http.StatusOK, conditionCheck{
			Valid:      true,
			Keys:       condition.Keys(expr),
			Depth:      expr.Depth(),
			Normalized: normalized,
		})
	}
}

// decodeJSON decodes a single JSON object from the request body. Numbers
// are kept as json.Number.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewPayloadTooLargeError(tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return model.NewBadRequestError("request body is empty")
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	if dec.More() {
		return model.NewBadRequestError("request body must hold a single JSON object")
	}
	return nil
}
