// Package deepsearch provides the HTTP client and wire types for the research
// engine's streaming and synchronous endpoints.
package deepsearch

import (
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
)

const (
	streamPath = "/api/v1/deepsearch/run/stream"
	runPath    = "/api/v1/deepsearch/run"
)

// RunRequest is the body shared by the streaming and synchronous endpoints.
type RunRequest struct {
	Query string `json:"query"`
	domain.ResearchOptions
}

// NewRunRequest builds a request, filling in the engine's default report format.
func NewRunRequest(query string, opts domain.ResearchOptions) *RunRequest {
	if opts.ReportFormat == "" {
		opts.ReportFormat = domain.ReportFormal
	}
	return &RunRequest{Query: query, ResearchOptions: opts}
}

// ErrorResponse is the error body returned by the engine.
type ErrorResponse struct {
	// Detail is either a message string or a list of validation issues.
	Detail json.RawMessage `json:"detail"`
}

type validationIssue struct {
	Loc []any  `json:"loc"`
	Msg string `json:"msg"`
}

// Message renders the detail as a single line.
func (e *ErrorResponse) Message() string {
	var s string
	if err := json.Unmarshal(e.Detail, &s); err == nil {
		return s
	}
	var issues []validationIssue
	if err := json.Unmarshal(e.Detail, &issues); err == nil && len(issues) > 0 {
		msg := issues[0].Msg
		if n := len(issues[0].Loc); n > 0 {
			msg = fmt.Sprintf("%v: %s", issues[0].Loc[n-1], msg)
		}
		return msg
	}
	return string(e.Detail)
}

// ParseErrorResponse parses an engine error body.
func ParseErrorResponse(body []byte) (*ErrorResponse, error) {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Detail) == 0 {
		return nil, nil
	}
	return &resp, nil
}
