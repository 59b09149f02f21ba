package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/api/middleware"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/pipeline"
)

// Acknowledgment statuses that are not pipeline.SubmitStatus values.
const (
	AckIgnored    = "ignored"
	AckNoEntityID = "no-entity-id"
)

type (
	// WebhookAck is the small JSON body returned to the CRM.
	WebhookAck struct {
		Status        string      `json:"status"`
		Event         string      `json:"event,omitempty"`
		Entities      []EntityAck `json:"entities,omitempty"`
		CorrelationID string      `json:"correlation_id"`
	}

	// EntityAck is the per-person outcome of a notification that referenced several people.
	EntityAck struct {
		EntityID string `json:"entity_id"`
		Status   string `json:"status"`
	}
)

// handleWebhook accepts CRM push notifications.
// POST /api/v1/webhooks/fub
//
// Rejections (no processing attempted):
//   - 415 Unsupported Media Type: Content-Type is not JSON
//   - 413 Payload Too Large: body exceeds MaxRequestSize
//   - 401 Unauthorized: FUB-Signature missing or wrong while a secret is configured
//   - 400 Bad Request: empty or malformed JSON, or no event name
//
// Acknowledgments (200): accepted, duplicate-rejected, ignored, no-entity-id. The only
// processing failure surfaced to the sender is a full work queue (503 + Retry-After).
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	receivedAt := s.now()
	correlationID := middleware.GetCorrelationID(r.Context())

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	body, problem := s.readWebhookBody(w, r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if s.config.WebhookSecret != "" {
		if err := VerifySignature(s.config.WebhookSecret, r.Header.Get(signatureHeader), body); err != nil {
			s.logger.Warn("Webhook signature rejected",
				slog.String("correlation_id", correlationID),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("reason", err.Error()),
			)

			WriteErrorResponse(w, r, s.logger, Unauthorized(err.Error()))

			return
		}
	}

	payload, err := ingestion.ParseWebhook(body)
	if err != nil {
		s.logger.Warn("Malformed webhook rejected",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	ack := WebhookAck{Event: string(payload.Event), CorrelationID: correlationID}

	if !payload.Event.IsRecognized() {
		s.deps.Ingestor.MarkIgnored()

		s.logger.Debug("Webhook event kind ignored",
			slog.String("correlation_id", correlationID),
			slog.String("event", string(payload.Event)),
		)

		ack.Status = AckIgnored
		s.writeJSON(w, r, http.StatusOK, ack)

		return
	}

	entityIDs, err := payload.EntityIDs()
	if err != nil {
		s.deps.Ingestor.MarkIgnored()

		s.logger.Info("Webhook without entity id ignored",
			slog.String("correlation_id", correlationID),
			slog.String("event", string(payload.Event)),
			slog.String("event_id", payload.EventID),
		)

		ack.Status = AckNoEntityID
		s.writeJSON(w, r, http.StatusOK, ack)

		return
	}

	ack.Status, ack.Entities = s.submitAll(payload, entityIDs, receivedAt)

	s.logger.Info("Webhook processed",
		slog.String("correlation_id", correlationID),
		slog.String("event", string(payload.Event)),
		slog.String("event_id", payload.EventID),
		slog.Int("entities", len(entityIDs)),
		slog.String("status", ack.Status),
	)

	if ack.Status == string(pipeline.StatusDropped) {
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(s.config.RetryAfter.Seconds()))))
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("work queue is full, retry later"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, ack)
}

// readWebhookBody reads at most MaxRequestSize bytes.
func (s *Server) readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, *ProblemDetail) {
	if r.ContentLength > s.config.MaxRequestSize {
		return nil, PayloadTooLarge("Request body exceeds " + strconv.FormatInt(s.config.MaxRequestSize, 10) + " bytes")
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, PayloadTooLarge("Request body exceeds " + strconv.FormatInt(maxBytesErr.Limit, 10) + " bytes")
		}

		return nil, BadRequest("Failed to read request body")
	}

	return body, nil
}

// submitAll fans the notification out to one Submit per entity. The overall status is
// dropped when any entity could not be queued, accepted when any was queued and
// duplicate-rejected otherwise.
func (s *Server) submitAll(payload *ingestion.WebhookPayload, entityIDs []string, receivedAt time.Time) (string, []EntityAck) {
	acks := make([]EntityAck, 0, len(entityIDs))
	accepted, dropped := false, false

	for _, entityID := range entityIDs {
		status, err := s.deps.Ingestor.Submit(ingestion.Notification{
			ID:         uuid.NewString(),
			EventID:    payload.EventID,
			Kind:       payload.Event,
			EntityID:   entityID,
			ReceivedAt: receivedAt,
			Origin:     ingestion.WebhookOrigin(payload.Event),
		})

		switch {
		case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrProcessorClosed):
			dropped = true
			status = pipeline.StatusDropped
		case err != nil:
			s.logger.Error("Notification submit failed",
				slog.String("entity_id", entityID),
				slog.String("error", err.Error()),
			)

			continue
		case status == pipeline.StatusAccepted:
			accepted = true
		}

		acks = append(acks, EntityAck{EntityID: entityID, Status: string(status)})
	}

	// A redelivery would count again against the accepted entities' dedup windows, so a
	// partially dropped notification is acknowledged and its dropped entities are left to the
	// reconciliation poller.
	switch {
	case accepted:
		if dropped {
			s.logger.Warn("Notification partially dropped, left to reconciliation",
				slog.String("event_id", payload.EventID),
				slog.Int("entities", len(entityIDs)),
			)
		}

		return string(pipeline.StatusAccepted), acks
	case dropped:
		return string(pipeline.StatusDropped), acks
	default:
		return string(pipeline.StatusDuplicateRejected), acks
	}
}
