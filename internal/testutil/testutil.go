// Package testutil provides common test utilities and helpers for engine and API tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hexamarkco/kifersaude-sub001/internal/automation"
	"github.com/hexamarkco/kifersaude-sub001/internal/config"
	"github.com/hexamarkco/kifersaude-sub001/internal/flow"
	"github.com/hexamarkco/kifersaude-sub001/internal/messaging"
	"github.com/hexamarkco/kifersaude-sub001/internal/models"
	"github.com/hexamarkco/kifersaude-sub001/internal/scheduler"
	"github.com/hexamarkco/kifersaude-sub001/internal/store"
)

// TestingT is the subset of testing.T the assertion helpers need.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// ImmediateWaiter is a flow.Waiter that never blocks.
type ImmediateWaiter struct{}

func (ImmediateWaiter) WaitUntil(ctx context.Context, id string, when time.Time, description string) error {
	return ctx.Err()
}

// BlockingWaiter is a flow.Waiter that blocks until the run is canceled.
type BlockingWaiter struct{}

func (BlockingWaiter) WaitUntil(ctx context.Context, id string, when time.Time, description string) error {
	<-ctx.Done()
	return ctx.Err()
}

// TestEngine bundles an engine with its in-memory collaborators.
type TestEngine struct {
	Engine   *automation.Engine
	Store    *store.InMemoryStore
	Gateway  *messaging.MockGateway
	Registry *prometheus.Registry
}

// NewTestEngine creates an engine over an in-memory store and a mock gateway. The
// engine is shut down when the test ends.
func NewTestEngine(t *testing.T, settings *config.Settings, waiter flow.Waiter) *TestEngine {
	t.Helper()
	te := &TestEngine{
		Store:    store.NewInMemoryStore(),
		Gateway:  messaging.NewMockGateway(),
		Registry: prometheus.NewRegistry(),
	}
	te.Engine = automation.NewEngine(te.Store, te.Gateway, settings,
		automation.WithWaiter(waiter),
		automation.WithMetrics(te.Registry),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := te.Engine.Shutdown(ctx); err != nil {
			t.Errorf("engine shutdown: %v", err)
		}
	})
	return te
}

// PermissiveSettings returns settings whose policy allows sends at any minute of
// any day, in UTC.
func PermissiveSettings(t TestingT, flows ...models.Flow) *config.Settings {
	t.Helper()
	entries := make([]config.FlowEntry, len(flows))
	for i, f := range flows {
		entries[i] = config.FlowEntry{Flow: f}
	}
	s, err := config.File{
		Scheduling: scheduler.PolicySpec{
			Timezone:        "UTC",
			DailyStart:      "00:00",
			DailyEnd:        "23:59",
			AllowedWeekdays: []int{1, 2, 3, 4, 5, 6, 7},
		},
		Flows: entries,
	}.Settings()
	if err != nil {
		t.Fatalf("failed to build settings: %v", err)
	}
	return s
}

// SeedLeads stores leads, defaulting CreatedAt to now.
func SeedLeads(t TestingT, repo store.LeadRepository, leads ...models.Lead) {
	t.Helper()
	for _, l := range leads {
		if l.CreatedAt.IsZero() {
			l.CreatedAt = time.Now()
		}
		if err := repo.UpsertLead(context.Background(), l); err != nil {
			t.Fatalf("failed to seed lead %s: %v", l.ID, err)
		}
	}
}

// AssertLeadStatus checks the stored status of a lead.
func AssertLeadStatus(t TestingT, repo store.LeadRepository, id, expected string) {
	t.Helper()
	lead, err := repo.GetLead(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get lead %s: %v", id, err)
		return
	}
	if lead.Status != expected {
		t.Errorf("lead %s: expected status %q, got %q", id, expected, lead.Status)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TestingT, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TestingT, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
			return nil
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TestingT, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TestingT, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
