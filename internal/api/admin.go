package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/api/middleware"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/crm"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/reconcile"
)

const maxEntityIDLength = 64

type (
	// TransitionView is the operator representation of one transition record.
	TransitionView struct {
		ID           int64     `json:"id"`
		StageFrom    *string   `json:"stage_from"`
		StageTo      string    `json:"stage_to"`
		Direction    string    `json:"direction"`
		PriorityFrom int       `json:"priority_from"`
		PriorityTo   int       `json:"priority_to"`
		OccurredAt   time.Time `json:"occurred_at"`
		ReceivedAt   time.Time `json:"received_at"`
		Origin       string    `json:"origin"`
		DedupKey     string    `json:"dedup_key"`
		FirstName    string    `json:"first_name,omitempty"`
		LastName     string    `json:"last_name,omitempty"`
		Source       string    `json:"source,omitempty"`
		Tags         []string  `json:"tags,omitempty"`
	}

	// HistoryResponse lists an entity's transitions oldest first.
	HistoryResponse struct {
		EntityID     string           `json:"entity_id"`
		CurrentStage string           `json:"current_stage"`
		Transitions  []TransitionView `json:"transitions"`
	}

	// RecheckResponse reports the outcome of an operator re-check.
	RecheckResponse struct {
		EntityID   string          `json:"entity_id"`
		Outcome    string          `json:"outcome"`
		LastStage  string          `json:"last_stage,omitempty"`
		Transition *TransitionView `json:"transition,omitempty"`
	}

	// RegisterWebhooksRequest subscribes url to events, or to every recognized kind when
	// events is empty.
	RegisterWebhooksRequest struct {
		URL    string   `json:"url"`
		Events []string `json:"events,omitempty"`
	}

	// WebhooksResponse wraps a list of CRM subscriptions.
	WebhooksResponse struct {
		Webhooks []*crm.Webhook `json:"webhooks"`
	}
)

// handleEntityTransitions returns the recorded history of one person.
// GET /api/v1/admin/entities/{id}/transitions
func (s *Server) handleEntityTransitions(w http.ResponseWriter, r *http.Request) {
	entityID, ok := s.entityID(w, r)
	if !ok {
		return
	}

	history, err := s.deps.Transitions.History(r.Context(), entityID)
	if err != nil {
		s.logger.Error("History query failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("entity_id", entityID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to read transition history"))

		return
	}

	response := HistoryResponse{EntityID: entityID, Transitions: make([]TransitionView, 0, len(history))}

	for _, t := range history {
		response.Transitions = append(response.Transitions, newTransitionView(t))
	}

	if len(history) > 0 {
		response.CurrentStage = history[len(history)-1].StageTo
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

// handleEntityRecheck fetches one person now and runs detection, bypassing deduplication.
// POST /api/v1/admin/entities/{id}/recheck
func (s *Server) handleEntityRecheck(w http.ResponseWriter, r *http.Request) {
	entityID, ok := s.entityID(w, r)
	if !ok {
		return
	}

	result, err := s.deps.Ingestor.Process(r.Context(), ingestion.Notification{
		ID:         uuid.NewString(),
		EntityID:   entityID,
		ReceivedAt: s.now(),
		Origin:     ingestion.OriginManual,
	})
	if err != nil {
		s.logger.Warn("Recheck failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("entity_id", entityID),
			slog.String("error", err.Error()),
		)

		switch {
		case errors.Is(err, crm.ErrPersonNotFound):
			WriteErrorResponse(w, r, s.logger, NotFound("Person "+entityID+" was not found in the CRM"))
		case errors.Is(err, ingestion.ErrFetchFailed):
			WriteErrorResponse(w, r, s.logger, BadGateway("Failed to fetch person from the CRM"))
		default:
			WriteErrorResponse(w, r, s.logger, InternalServerError("Transition detection failed"))
		}

		return
	}

	response := RecheckResponse{
		EntityID:  entityID,
		Outcome:   string(result.Outcome),
		LastStage: result.LastStage,
	}

	if result.Transition != nil {
		view := newTransitionView(result.Transition)
		response.Transition = &view
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

// handleReconcile starts a reconciliation run in the background.
// POST /api/v1/admin/reconcile
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Reconciliation poller is not configured"))

		return
	}

	if err := s.deps.Reconciler.Trigger(); err != nil {
		if errors.Is(err, reconcile.ErrRunInProgress) {
			WriteErrorResponse(w, r, s.logger, Conflict(err.Error()))

			return
		}

		s.logger.Error("Reconciliation trigger failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to start reconciliation"))

		return
	}

	s.writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleListWebhooks lists CRM subscriptions registered by this system.
// GET /api/v1/admin/webhooks
func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if !s.webhooksConfigured(w, r) {
		return
	}

	webhooks, err := s.deps.Webhooks.ListWebhooks(r.Context())
	if err != nil {
		s.crmError(w, r, "list webhooks", err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, WebhooksResponse{Webhooks: webhooks})
}

// handleRegisterWebhooks subscribes a callback URL.
// POST /api/v1/admin/webhooks
func (s *Server) handleRegisterWebhooks(w http.ResponseWriter, r *http.Request) {
	if !s.webhooksConfigured(w, r) {
		return
	}

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	var req RegisterWebhooksRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid JSON: "+err.Error()))

		return
	}

	if strings.TrimSpace(req.URL) == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("url is required"))

		return
	}

	kinds := make([]ingestion.EventKind, 0, len(req.Events))

	for _, event := range req.Events {
		kind := ingestion.EventKind(event)
		if !kind.IsRecognized() {
			WriteErrorResponse(w, r, s.logger, BadRequest("unsupported event kind: "+event))

			return
		}

		kinds = append(kinds, kind)
	}

	var (
		created []*crm.Webhook
		err     error
	)

	if len(kinds) == 0 {
		created, err = s.deps.Webhooks.RegisterAll(r.Context(), req.URL)
	} else {
		for _, kind := range kinds {
			var webhook *crm.Webhook

			webhook, err = s.deps.Webhooks.RegisterWebhook(r.Context(), kind, req.URL)
			if err != nil {
				break
			}

			created = append(created, webhook)
		}
	}

	if err != nil {
		s.crmError(w, r, "register webhooks", err)

		return
	}

	if created == nil {
		created = []*crm.Webhook{}
	}

	s.logger.Info("Webhooks registered",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("url", req.URL),
		slog.Int("created", len(created)),
	)

	s.writeJSON(w, r, http.StatusCreated, WebhooksResponse{Webhooks: created})
}

// handleDeleteWebhook removes a CRM subscription.
// DELETE /api/v1/admin/webhooks/{id}
func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.webhooksConfigured(w, r) {
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("webhook id must be a positive integer"))

		return
	}

	if err := s.deps.Webhooks.DeleteWebhook(r.Context(), id); err != nil {
		s.crmError(w, r, "delete webhook", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) entityID(w http.ResponseWriter, r *http.Request) (string, bool) {
	entityID := strings.TrimSpace(r.PathValue("id"))
	if entityID == "" || len(entityID) > maxEntityIDLength {
		WriteErrorResponse(w, r, s.logger, BadRequest("entity id must be 1-64 characters"))

		return "", false
	}

	return entityID, true
}

func (s *Server) webhooksConfigured(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Webhooks == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("CRM client is not configured"))

		return false
	}

	return true
}

func (s *Server) crmError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	s.logger.Error("CRM request failed",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)

	switch {
	case errors.Is(err, crm.ErrInvalidCallbackURL):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
	case crm.IsNotFound(err):
		WriteErrorResponse(w, r, s.logger, NotFound("Webhook not found in the CRM"))
	default:
		WriteErrorResponse(w, r, s.logger, BadGateway("CRM request failed: "+operation))
	}
}

func newTransitionView(t *ingestion.Transition) TransitionView {
	return TransitionView{
		ID:           t.ID,
		StageFrom:    t.StageFrom,
		StageTo:      t.StageTo,
		Direction:    string(t.Direction()),
		PriorityFrom: t.PriorityFrom,
		PriorityTo:   t.PriorityTo,
		OccurredAt:   t.OccurredAt,
		ReceivedAt:   t.ReceivedAt,
		Origin:       string(t.Origin),
		DedupKey:     t.DedupKey,
		FirstName:    t.FirstName,
		LastName:     t.LastName,
		Source:       t.Source,
		Tags:         t.Tags,
	}
}
