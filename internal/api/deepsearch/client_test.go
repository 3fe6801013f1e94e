package deepsearch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
	"github.com/tjfontaine/deepsearch-client/internal/testutil"
)

func TestClient_Run(t *testing.T) {
	recorder := testutil.NewVCRRecorder(t, "deepsearch_run")

	c := NewClient(
		WithBaseURL(testutil.BaseURL()),
		WithHTTPClient(testutil.VCRHTTPClient(recorder)),
	)

	result, err := c.Run(context.Background(), NewRunRequest("solid state battery outlook", domain.ResearchOptions{}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !result.Success {
		t.Error("Success = false, want true")
	}
	if !strings.HasPrefix(result.MarkdownReport, "# Solid State Batteries") {
		t.Errorf("MarkdownReport = %q", result.MarkdownReport)
	}
	if len(result.Sources) != 1 || result.Sources[0].Link() != "https://example.com/review" {
		t.Errorf("Sources = %+v", result.Sources)
	}
	if len(result.AllSources) != 2 {
		t.Errorf("len(AllSources) = %d, want 2", len(result.AllSources))
	}
}

func TestClient_OpenStream_Replay(t *testing.T) {
	recorder := testutil.NewVCRRecorder(t, "deepsearch_stream")

	c := NewClient(
		WithBaseURL(testutil.BaseURL()),
		WithHTTPClient(testutil.VCRHTTPClient(recorder)),
	)

	body, err := c.OpenStream(context.Background(), NewRunRequest("solid state battery outlook", domain.ResearchOptions{}))
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if got := strings.Count(string(raw), "data: "); got != 5 {
		t.Errorf("data lines = %d, want 5", got)
	}
}

func TestClient_OpenStream_SendsRequest(t *testing.T) {
	var gotBody map[string]any
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != streamPath {
			t.Errorf("path = %q, want %q", r.URL.Path, streamPath)
		}
		gotHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {}\n")
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL+"/"), WithAPIKey("secret"), WithHTTPClient(srv.Client()))
	body, err := c.OpenStream(context.Background(), NewRunRequest("q", domain.ResearchOptions{
		InitialSearchQueryCount: 3,
		MaxResearchLoops:        2,
		ReasoningModel:          "gemini-2.5-pro",
		ReportFormat:            domain.ReportCasual,
	}))
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	body.Close()

	want := map[string]any{
		"query":                      "q",
		"initial_search_query_count": float64(3),
		"max_research_loops":         float64(2),
		"reasoning_model":            "gemini-2.5-pro",
		"report_format":              "casual",
	}
	for k, v := range want {
		if gotBody[k] != v {
			t.Errorf("body[%q] = %v, want %v", k, gotBody[k], v)
		}
	}
	if got := gotHeaders.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
	if got := gotHeaders.Get("Accept"); got != "text/event-stream" {
		t.Errorf("Accept = %q", got)
	}
}

func TestClient_OpenStream_ConnectionErrors(t *testing.T) {
	t.Run("bad status with detail", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = io.WriteString(w, `{"detail":[{"loc":["body","max_research_loops"],"msg":"ensure this value is less than or equal to 5"}]}`)
		}))
		defer srv.Close()

		c := NewClient(WithBaseURL(srv.URL))
		_, err := c.OpenStream(context.Background(), NewRunRequest("q", domain.ResearchOptions{}))

		var apiErr *domain.APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("OpenStream() error = %v, want *APIError", err)
		}
		if apiErr.Type != domain.ErrorTypeConnection || apiErr.Code != domain.ErrorCodeBadStatus {
			t.Errorf("error = %+v", apiErr)
		}
		if apiErr.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("StatusCode = %d", apiErr.StatusCode)
		}
		if !strings.Contains(apiErr.Message, "max_research_loops: ensure this value") {
			t.Errorf("Message = %q", apiErr.Message)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c := NewClient(WithBaseURL(url))
		_, err := c.OpenStream(context.Background(), NewRunRequest("q", domain.ResearchOptions{}))
		if !domain.IsType(err, domain.ErrorTypeConnection) {
			t.Fatalf("OpenStream() error = %v, want connection error", err)
		}
	})

	t.Run("invalid request is not sent", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		defer srv.Close()

		c := NewClient(WithBaseURL(srv.URL))
		_, err := c.OpenStream(context.Background(), NewRunRequest("", domain.ResearchOptions{}))
		if !domain.IsType(err, domain.ErrorTypeInvalidRequest) {
			t.Fatalf("OpenStream() error = %v, want invalid request", err)
		}
		if called {
			t.Error("server was called for an invalid request")
		}
	})
}

func TestClient_Run_Unsuccessful(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":false,"answer":"","markdown_report":"","message":"quota exhausted"}`)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	_, err := c.Run(context.Background(), NewRunRequest("q", domain.ResearchOptions{}))
	if !domain.IsType(err, domain.ErrorTypeRemoteTask) {
		t.Fatalf("Run() error = %v, want remote task error", err)
	}
}
