package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.StatusPoll("ok")
	m.DiagnosticsRefresh("silent", "ok")
	m.Reload("error")
	m.BuildCommand("completed")
	m.FileEvent()
	m.SetWorkspaces(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil metrics handler should 404, got %d", rec.Code)
	}
}

func TestMetricsAppearOnScrape(t *testing.T) {
	m := New()
	m.StatusPoll("ok")
	m.BuildCommand("completed")
	m.SetWorkspaces(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape failed: %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"buildwatch_status_polls_total",
		"buildwatch_build_commands_total",
		"buildwatch_workspaces",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %s", want)
		}
	}
}
