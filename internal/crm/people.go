package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
)

const customFieldPrefix = "custom"

// ErrPersonNotFound is returned when the CRM has no person with the requested id.
var ErrPersonNotFound = errors.New("person not found")

type (
	// Person is the subset of a CRM person record the tracker uses. Custom fields (keys
	// starting with "custom") are collected into Custom.
	Person struct {
		ID        json.Number    `json:"id"`
		FirstName string         `json:"firstName"`
		LastName  string         `json:"lastName"`
		Stage     string         `json:"stage"`
		Source    string         `json:"source"`
		Tags      []string       `json:"tags"`
		Addresses []Address      `json:"addresses"`
		Updated   string         `json:"updated"`
		Custom    map[string]any `json:"-"`
	}

	// Address is one postal address of a person. The first one is copied onto transitions.
	Address struct {
		Street  string `json:"street"`
		City    string `json:"city"`
		State   string `json:"state"`
		Code    string `json:"code"`
		Country string `json:"country"`
	}

	// pageMetadata is the paging envelope of list endpoints.
	pageMetadata struct {
		Collection string `json:"collection"`
		Offset     int    `json:"offset"`
		Limit      int    `json:"limit"`
		Total      int    `json:"total"`
		Next       string `json:"next"`
		NextLink   string `json:"nextLink"`
	}

	peoplePage struct {
		Metadata pageMetadata `json:"_metadata"`
		People   []*Person    `json:"people"`
	}
)

// UnmarshalJSON decodes the known fields and collects custom fields.
func (p *Person) UnmarshalJSON(data []byte) error {
	type plain Person

	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for key, value := range raw {
		if strings.HasPrefix(key, customFieldPrefix) && len(key) > len(customFieldPrefix) {
			if decoded.Custom == nil {
				decoded.Custom = make(map[string]any)
			}

			decoded.Custom[key] = value
		}
	}

	*p = Person(decoded)

	return nil
}

// UpdatedAt parses the CRM's "updated" timestamp. ok is false when it is missing or invalid.
func (p *Person) UpdatedAt() (time.Time, bool) {
	if p.Updated == "" {
		return time.Time{}, false
	}

	t, err := time.Parse(time.RFC3339, p.Updated)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// GetPerson fetches one person with all fields.
func (c *Client) GetPerson(ctx context.Context, personID string) (*Person, error) {
	personID = strings.TrimSpace(personID)
	if personID == "" {
		return nil, fmt.Errorf("%w: person id is empty", ingestion.ErrFetchFailed)
	}

	endpoint := c.endpoint("people/"+url.PathEscape(personID), url.Values{"fields": {"allFields"}})

	var person Person
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &person); err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %w: %s", ingestion.ErrFetchFailed, ErrPersonNotFound, personID)
		}

		return nil, fmt.Errorf("%w: person %s: %w", ingestion.ErrFetchFailed, personID, err)
	}

	return &person, nil
}

// FetchSnapshot implements ingestion.SnapshotFetcher.
func (c *Client) FetchSnapshot(ctx context.Context, entityID string) (*ingestion.Snapshot, error) {
	person, err := c.GetPerson(ctx, entityID)
	if err != nil {
		return nil, err
	}

	snapshot := c.toSnapshot(person)
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("%w: person %s: %w", ingestion.ErrFetchFailed, entityID, err)
	}

	return snapshot, nil
}

// ListPeopleUpdatedSince returns snapshots of people updated at or after since, oldest first,
// following the CRM's paging cursor. limit <= 0 means no limit, and a limited result is the
// oldest part of the window so callers can resume from its last UpdatedAt. People without a
// stage are skipped.
func (c *Client) ListPeopleUpdatedSince(ctx context.Context, since time.Time, limit int) ([]*ingestion.Snapshot, error) {
	if c == nil {
		return nil, ErrClientNil
	}

	query := url.Values{
		"sort":         {"updated"},
		"limit":        {strconv.Itoa(c.pageSize)},
		"fields":       {"allFields"},
		"updatedAfter": {since.UTC().Format(time.RFC3339)},
	}

	endpoint := c.endpoint("people", query)
	snapshots := make([]*ingestion.Snapshot, 0)

	for endpoint != "" {
		var page peoplePage
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return snapshots, fmt.Errorf("%w: list people: %w", ingestion.ErrFetchFailed, err)
		}

		for _, person := range page.People {
			if updated, ok := person.UpdatedAt(); ok && updated.Before(since) {
				continue
			}

			snapshot := c.toSnapshot(person)
			if snapshot.Validate() != nil {
				continue
			}

			snapshots = append(snapshots, snapshot)

			if limit > 0 && len(snapshots) >= limit {
				return snapshots, nil
			}
		}

		if len(page.People) == 0 {
			break
		}

		endpoint = c.nextPage(page.Metadata, query)
	}

	return snapshots, nil
}

func (c *Client) nextPage(meta pageMetadata, query url.Values) string {
	// Credentials are only ever sent to the configured API host.
	if meta.NextLink != "" && strings.HasPrefix(meta.NextLink, c.baseURL+"/") {
		return meta.NextLink
	}

	if meta.Next == "" {
		return ""
	}

	next := url.Values{}
	for key, values := range query {
		next[key] = values
	}

	next.Set("next", meta.Next)

	return c.endpoint("people", next)
}

func (c *Client) toSnapshot(p *Person) *ingestion.Snapshot {
	snapshot := &ingestion.Snapshot{
		EntityID:   p.ID.String(),
		Stage:      strings.TrimSpace(p.Stage),
		FirstName:  p.FirstName,
		LastName:   p.LastName,
		Source:     p.Source,
		Tags:       append([]string(nil), p.Tags...),
		Attributes: p.Custom,
		FetchedAt:  c.now(),
	}

	if updated, ok := p.UpdatedAt(); ok {
		snapshot.UpdatedAt = updated
	}

	if len(p.Addresses) > 0 {
		snapshot.City = p.Addresses[0].City
		snapshot.State = p.Addresses[0].State
		snapshot.PostalCode = p.Addresses[0].Code
	}

	if value, ok := p.Custom[c.campaignField]; ok && value != nil {
		snapshot.CampaignID = customString(value)
	}

	return snapshot
}

func customString(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}

		return string(encoded)
	}
}
