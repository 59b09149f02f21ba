// Package ingestion provides the lead stage-change domain model, the CRM notification
// parser and the Transition Detector that decides whether a freshly fetched snapshot
// represents a genuine, newly observed stage change.
package ingestion

import (
	"errors"
	"strings"
	"time"
)

// Event kinds emitted by the CRM webhook mechanism that the tracker acts on.
const (
	EventPeopleCreated      EventKind = "peopleCreated"
	EventPeopleUpdated      EventKind = "peopleUpdated"
	EventPeopleStageUpdated EventKind = "peopleStageUpdated"
	EventPeopleTagsCreated  EventKind = "peopleTagsCreated"
)

// Provenance tags stored on each transition record.
const (
	OriginPoll   Origin = "poll:reconcile"
	OriginManual Origin = "manual:recheck"

	webhookOriginPrefix = "webhook:"
)

// Outcomes reported by the Detector.
const (
	// OutcomeUnchanged means the snapshot stage equals the last recorded stage. Nothing written.
	OutcomeUnchanged Outcome = "unchanged"

	// OutcomeRecorded means a new transition record was committed.
	OutcomeRecorded Outcome = "recorded"

	// OutcomeAlreadyRecorded means the insert hit the dedup_key uniqueness constraint: the
	// transition was already durably recorded by an earlier or concurrent writer.
	OutcomeAlreadyRecorded Outcome = "already_recorded"
)

// Movement directions derived from stage priorities.
const (
	DirectionInitial  Direction = "initial"
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
	DirectionLateral  Direction = "lateral"
)

var (
	// ErrInvalidSnapshot is returned when a snapshot lacks an entity id or a stage.
	ErrInvalidSnapshot = errors.New("invalid snapshot")

	// ErrFetchFailed marks snapshot fetch failures (network, timeout, rate limit, not found).
	// Fetch failures are transient from the tracker's point of view: the unit of work is
	// aborted without writing and the reconciliation poller corrects it later.
	ErrFetchFailed = errors.New("snapshot fetch failed")
)

type (
	// EventKind is the CRM event name carried in a webhook notification.
	EventKind string

	// Origin tags a transition with the path that produced it (push notification kind,
	// reconciliation poll or operator re-check).
	Origin string

	// Outcome is the result of one detection attempt.
	Outcome string

	// Direction classifies a transition by stage priority, for reporting only.
	Direction string

	// Notification is one unit of work handed from the ingestion endpoint to the pipeline.
	// A webhook that references several people fans out into one Notification per entity.
	Notification struct {
		// ID is generated on receipt and used for log correlation only.
		ID string

		// EventID is the CRM's own event identifier. When present it is the idempotency
		// token for the dedup key, so redeliveries of the same event collapse in the store.
		EventID string

		Kind       EventKind
		EntityID   string
		ReceivedAt time.Time
		Origin     Origin
	}

	// Snapshot is the full current attribute set of a person as reported by the CRM.
	Snapshot struct {
		EntityID   string
		Stage      string
		FirstName  string
		LastName   string
		Source     string
		CampaignID string
		Tags       []string
		City       string
		State      string
		PostalCode string

		// Attributes holds custom fields that have no dedicated column.
		Attributes map[string]any

		// UpdatedAt is the CRM's last-modified time, zero when the CRM did not report one.
		UpdatedAt time.Time
		FetchedAt time.Time
	}

	// Transition is an immutable stage transition record. Descriptive person attributes are
	// copied onto every record at capture time so reporting never has to join.
	Transition struct {
		ID           int64
		EntityID     string
		StageFrom    *string // nil on the first-ever observation of the entity
		StageTo      string
		PriorityFrom int
		PriorityTo   int
		OccurredAt   time.Time
		ReceivedAt   time.Time
		Origin       Origin
		DedupKey     string

		FirstName  string
		LastName   string
		Source     string
		CampaignID string
		Tags       []string
		City       string
		State      string
		PostalCode string
		Attributes map[string]any
	}
)

// recognizedKinds lists the event kinds that can signal a stage change.
var recognizedKinds = map[EventKind]bool{ //nolint: gochecknoglobals
	EventPeopleCreated:      true,
	EventPeopleUpdated:      true,
	EventPeopleStageUpdated: true,
	EventPeopleTagsCreated:  true,
}

// RecognizedKinds returns every event kind the tracker subscribes to.
func RecognizedKinds() []EventKind {
	return []EventKind{EventPeopleCreated, EventPeopleUpdated, EventPeopleStageUpdated, EventPeopleTagsCreated}
}

// IsRecognized reports whether notifications of this kind are processed.
func (k EventKind) IsRecognized() bool {
	return recognizedKinds[k]
}

// WebhookOrigin returns the origin tag for a push notification of the given kind.
func WebhookOrigin(kind EventKind) Origin {
	return Origin(webhookOriginPrefix + string(kind))
}

// IsPush reports whether the origin is a push notification.
func (o Origin) IsPush() bool {
	return strings.HasPrefix(string(o), webhookOriginPrefix)
}

// Validate checks the fields the Detector relies on.
func (s *Snapshot) Validate() error {
	if s == nil {
		return ErrInvalidSnapshot
	}

	if strings.TrimSpace(s.EntityID) == "" {
		return errors.Join(ErrInvalidSnapshot, errors.New("entity id is empty"))
	}

	if strings.TrimSpace(s.Stage) == "" {
		return errors.Join(ErrInvalidSnapshot, errors.New("stage is empty"))
	}

	return nil
}

// PreviousStage returns the stage the entity left, or "" for a first observation.
func (t *Transition) PreviousStage() string {
	if t.StageFrom == nil {
		return ""
	}

	return *t.StageFrom
}

// Direction classifies the move by priority. Unknown stages rank lowest, so moving from an
// unknown stage into a known one counts as forward.
func (t *Transition) Direction() Direction {
	switch {
	case t.StageFrom == nil:
		return DirectionInitial
	case t.PriorityTo > t.PriorityFrom:
		return DirectionForward
	case t.PriorityTo < t.PriorityFrom:
		return DirectionBackward
	default:
		return DirectionLateral
	}
}
