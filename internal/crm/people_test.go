package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
)

const personJSON = `{
	"id": 123,
	"firstName": "Dana",
	"lastName": "Reyes",
	"stage": " ACQ - Qualified ",
	"source": "Direct Mail",
	"tags": ["motivated", "vacant"],
	"addresses": [
		{"street": "1 Main St", "city": "Tulsa", "state": "OK", "code": "74103"},
		{"city": "Elsewhere"}
	],
	"updated": "2026-03-14T09:00:00Z",
	"customCampaignID": "CMP-42",
	"customLeadScore": 87
}`

func TestPersonUnmarshal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var person Person
	require.NoError(t, json.Unmarshal([]byte(personJSON), &person))

	assert.Equal(t, "123", person.ID.String())
	assert.Equal(t, "Dana", person.FirstName)
	assert.Equal(t, []string{"motivated", "vacant"}, person.Tags)
	assert.Len(t, person.Addresses, 2)
	assert.Equal(t, "CMP-42", person.Custom["customCampaignID"])
	assert.InDelta(t, 87, person.Custom["customLeadScore"], 0.001)
	assert.NotContains(t, person.Custom, "firstName")

	updated, ok := person.UpdatedAt()
	assert.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC), updated)
}

func TestFetchSnapshot(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/people/123", r.URL.Path)
		assert.Equal(t, "allFields", r.URL.Query().Get("fields"))

		_, _ = w.Write([]byte(personJSON))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	snapshot, err := client.FetchSnapshot(context.Background(), "123")
	require.NoError(t, err)

	assert.Equal(t, "123", snapshot.EntityID)
	assert.Equal(t, "ACQ - Qualified", snapshot.Stage)
	assert.Equal(t, "Dana", snapshot.FirstName)
	assert.Equal(t, "Reyes", snapshot.LastName)
	assert.Equal(t, "Direct Mail", snapshot.Source)
	assert.Equal(t, "CMP-42", snapshot.CampaignID)
	assert.Equal(t, "Tulsa", snapshot.City)
	assert.Equal(t, "OK", snapshot.State)
	assert.Equal(t, "74103", snapshot.PostalCode)
	assert.Equal(t, fixedNow, snapshot.FetchedAt)
}

func TestFetchSnapshot_Failures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name        string
		status      int
		body        string
		notFound    bool
		invalidSnap bool
	}{
		{name: "not found", status: http.StatusNotFound, body: `{"errorMessage":"no such person"}`, notFound: true},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{}`},
		{name: "server error", status: http.StatusInternalServerError, body: `{}`},
		{name: "malformed body", status: http.StatusOK, body: `{"id":`},
		{name: "person without stage", status: http.StatusOK, body: `{"id": 5, "stage": ""}`, invalidSnap: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)

			snapshot, err := client.FetchSnapshot(context.Background(), "5")

			require.Error(t, err)
			assert.Nil(t, snapshot)
			assert.True(t, errors.Is(err, ingestion.ErrFetchFailed), "every failure is a fetch failure: %v", err)
			assert.Equal(t, tt.notFound, errors.Is(err, ErrPersonNotFound))
			assert.Equal(t, tt.invalidSnap, errors.Is(err, ingestion.ErrInvalidSnapshot))
		})
	}
}

func TestFetchSnapshot_EmptyID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	client := newTestClient(t, "https://crm.example.test/v1")

	_, err := client.FetchSnapshot(context.Background(), "  ")

	require.ErrorIs(t, err, ingestion.ErrFetchFailed)
}

func TestFetchSnapshot_Timeout(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := newTestClient(t, server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.FetchSnapshot(ctx, "456")

	require.ErrorIs(t, err, ingestion.ErrFetchFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListPeopleUpdatedSince(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	since := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	var serverURL string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/people", r.URL.Path)
		assert.Equal(t, "updated", r.URL.Query().Get("sort"))

		switch r.URL.Query().Get("next") {
		case "":
			assert.Equal(t, since.Format(time.RFC3339), r.URL.Query().Get("updatedAfter"))
			_, _ = fmt.Fprint(w, `{
				"_metadata": {"collection": "people", "next": "page-2"},
				"people": [
					{"id": 5, "stage": "Contacted", "updated": "2026-03-14T07:59:59Z"},
					{"id": 4, "stage": "Needs Offer", "updated": "2026-03-14T08:00:00Z"}
				]
			}`)
		case "page-2":
			_, _ = fmt.Fprintf(w, `{
				"_metadata": {"collection": "people", "nextLink": %q},
				"people": [{"id": 3, "stage": "ACQ - Qualified", "updated": "2026-03-14T08:30:00Z"}]
			}`, serverURL+"/people?sort=updated&next=page-3")
		case "page-3":
			_, _ = fmt.Fprint(w, `{
				"_metadata": {"collection": "people"},
				"people": [
					{"id": 2, "stage": "", "updated": "2026-03-14T09:05:00Z"},
					{"id": 1, "stage": "Contacted", "updated": "2026-03-14T09:10:00Z"}
				]
			}`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("next"))
		}
	}))
	defer server.Close()

	serverURL = server.URL
	client := newTestClient(t, server.URL)

	snapshots, err := client.ListPeopleUpdatedSince(context.Background(), since, 0)
	require.NoError(t, err)

	ids := make([]string, 0, len(snapshots))
	for _, s := range snapshots {
		ids = append(ids, s.EntityID)
	}

	assert.Equal(t, []string{"4", "3", "1"}, ids, "stageless and older people are skipped")
	assert.Equal(t, time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC), snapshots[0].UpdatedAt)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 10, 0, 0, time.UTC), snapshots[2].UpdatedAt)

	limited, err := client.ListPeopleUpdatedSince(context.Background(), since, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "3", limited[1].EntityID, "a limited listing keeps the oldest part of the window")
}

func TestListPeopleUpdatedSince_IgnoresForeignNextLink(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = fmt.Fprint(w, `{
			"_metadata": {"nextLink": "https://attacker.example/people?next=x"},
			"people": [{"id": 1, "stage": "Contacted"}]
		}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	snapshots, err := client.ListPeopleUpdatedSince(context.Background(), fixedNow.Add(-time.Hour), 0)

	require.NoError(t, err)
	assert.Len(t, snapshots, 1)
	assert.Equal(t, int32(1), calls.Load())
}
