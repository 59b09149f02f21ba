package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Sentinel errors for notification parsing.
var (
	// ErrEmptyPayload is returned for an empty request body.
	ErrEmptyPayload = errors.New("notification payload is empty")

	// ErrMalformedPayload is returned when the body is not a JSON object.
	ErrMalformedPayload = errors.New("notification payload is malformed")

	// ErrMissingEventKind is returned when the payload carries no event name.
	ErrMissingEventKind = errors.New("notification event kind is required")

	// ErrNoEntityID is returned when no person id can be extracted from the payload.
	ErrNoEntityID = errors.New("no entity id in notification")
)

// entityIDPattern accepts opaque identifiers of printable ASCII. Characters that would change
// the meaning of the /people/{id} request path are refused.
var entityIDPattern = regexp.MustCompile(`^[^/?#%\\[:^graph:]]{1,64}$`)

type (
	// WebhookPayload is the body of a CRM webhook notification.
	//
	//	{
	//	  "eventId": "e9f1b4a0-...",
	//	  "eventCreated": "2024-05-01T14:03:11+00:00",
	//	  "event": "peopleStageUpdated",
	//	  "resourceIds": [123, 456],
	//	  "uri": "https://api.followupboss.com/v1/people?id=123,456"
	//	}
	WebhookPayload struct {
		EventID      string            `json:"eventId"`
		EventCreated string            `json:"eventCreated,omitempty"`
		Event        EventKind         `json:"event"`
		ResourceIDs  []json.RawMessage `json:"resourceIds,omitempty"`
		URI          string            `json:"uri,omitempty"`
		Data         *webhookData      `json:"data,omitempty"`
	}

	// webhookData covers senders that nest the person reference inside the payload.
	webhookData struct {
		PersonID json.RawMessage `json:"personId,omitempty"`
		ID       json.RawMessage `json:"id,omitempty"`
	}
)

// ParseWebhook decodes a notification body. It validates structure only; entity extraction
// and event kind filtering are separate so the endpoint can classify them as ignorable.
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyPayload
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	payload.Event = EventKind(strings.TrimSpace(string(payload.Event)))
	if payload.Event == "" {
		return nil, ErrMissingEventKind
	}

	return &payload, nil
}

// EntityIDs returns the distinct person ids referenced by the payload, in order of appearance.
//
// Lookup order: resourceIds, then the uri ("/people/123" path segment or "id" query
// parameter, comma separated), then a nested data.personId / data.id.
func (p *WebhookPayload) EntityIDs() ([]string, error) {
	seen := make(map[string]bool)
	ids := make([]string, 0, len(p.ResourceIDs))

	add := func(raw string) {
		id := strings.TrimSpace(raw)
		if id == "" || seen[id] || !entityIDPattern.MatchString(id) {
			return
		}

		seen[id] = true
		ids = append(ids, id)
	}

	for _, raw := range p.ResourceIDs {
		add(rawIdentifier(raw))
	}

	if len(ids) == 0 && p.URI != "" {
		for _, id := range idsFromURI(p.URI) {
			add(id)
		}
	}

	if len(ids) == 0 && p.Data != nil {
		add(rawIdentifier(p.Data.PersonID))
		add(rawIdentifier(p.Data.ID))
	}

	if len(ids) == 0 {
		return nil, ErrNoEntityID
	}

	return ids, nil
}

// rawIdentifier renders a JSON number or string as an identifier.
func rawIdentifier(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var n json.Number

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	if err := dec.Decode(&n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
	}

	return ""
}

func idsFromURI(raw string) []string {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}

	var ids []string

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(segments); i++ {
		if strings.EqualFold(segments[i], "people") {
			ids = append(ids, segments[i+1])
		}
	}

	for _, value := range u.Query()["id"] {
		ids = append(ids, strings.Split(value, ",")...)
	}

	return ids
}
