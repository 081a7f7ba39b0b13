package metacontrolsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal metacontrol HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Report is a single diagnostic. See the API docs for the per-kind fields.
type Report struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Level  int    `json:"level,omitempty"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
}

// ReportResult is the outcome of one applied report.
type ReportResult struct {
	Report  Report `json:"report"`
	Outcome string `json:"outcome"`
}

// DiagnosticsResult summarizes a batch of reports.
type DiagnosticsResult struct {
	Applied   int            `json:"applied"`
	NotFound  int            `json:"target_not_found"`
	NoTargets int            `json:"no_targets"`
	Invalid   int            `json:"invalid"`
	Skipped   int            `json:"skipped"`
	Reports   []ReportResult `json:"reports"`
}

type NFR struct {
	QAType    string  `json:"qa_type"`
	Threshold float64 `json:"threshold"`
}

type Objective struct {
	ID       string `json:"id"`
	Function string `json:"function"`
	Status   string `json:"status"`
	NFRs     []NFR  `json:"nfrs,omitempty"`
}

type QAValue struct {
	QAType string  `json:"qa_type"`
	Value  float64 `json:"value"`
}

type FunctionGrounding struct {
	ID        string    `json:"id"`
	Design    string    `json:"design"`
	Objective string    `json:"objective"`
	Status    string    `json:"status"`
	QAValues  []QAValue `json:"qa_values,omitempty"`
}

type Regrounding struct {
	Objective string `json:"objective"`
	Status    string `json:"status"`
	Previous  string `json:"previous,omitempty"`
	Bound     string `json:"bound,omitempty"`
}

// CycleResult is the outcome of one reasoning cycle.
type CycleResult struct {
	StartedAt  string        `json:"started_at"`
	Aborted    bool          `json:"aborted"`
	Error      string        `json:"error,omitempty"`
	Objectives []Regrounding `json:"objectives,omitempty"`
}

// Status summarizes the knowledge base.
type Status struct {
	Components    map[string]int `json:"components"`
	Realisability map[string]int `json:"realisability"`
	Objectives    map[string]int `json:"objectives"`
	Groundings    int            `json:"groundings"`
	NeedAttention []string       `json:"need_attention,omitempty"`
	LastEventID   int64          `json:"last_event_id"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status returns the knowledge base summary.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// Objectives lists objectives.
func (c *Client) Objectives(ctx context.Context) ([]Objective, error) {
	var resp []Objective
	err := c.do(ctx, http.MethodGet, "objectives", nil, &resp)
	return resp, err
}

// Groundings lists the current function groundings.
func (c *Client) Groundings(ctx context.Context) ([]FunctionGrounding, error) {
	var resp []FunctionGrounding
	err := c.do(ctx, http.MethodGet, "groundings", nil, &resp)
	return resp, err
}

// MarkUpdatable asks the next cycle to re-plan an objective.
func (c *Client) MarkUpdatable(ctx context.Context, objectiveID string) (Objective, error) {
	var resp Objective
	endpoint := fmt.Sprintf("objectives/%s/updatable", url.PathEscape(objectiveID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// PostReports applies typed reports.
func (c *Client) PostReports(ctx context.Context, reports ...Report) (DiagnosticsResult, error) {
	var resp DiagnosticsResult
	err := c.do(ctx, http.MethodPost, "reports", map[string]any{"reports": reports}, &resp)
	return resp, err
}

// PostDiagnostics sends a raw diagnostics payload: a diagnostic array, a
// single report or a list of reports.
func (c *Client) PostDiagnostics(ctx context.Context, payload any) (DiagnosticsResult, error) {
	var resp DiagnosticsResult
	err := c.do(ctx, http.MethodPost, "diagnostics", payload, &resp)
	return resp, err
}

// Cycle runs one reasoning cycle.
func (c *Client) Cycle(ctx context.Context) (CycleResult, error) {
	var resp CycleResult
	err := c.do(ctx, http.MethodPost, "reasoner/cycle", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
