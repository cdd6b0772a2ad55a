package nlrsdk

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

	"github.com/tidwall/gjson"
)

// Client is a minimal NLR Studio HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. Previews wait on the validation
// service, so the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 150 * time.Second,
	}
}

// Session represents the API session model.
type Session struct {
	ID               string   `json:"id"`
	CustomerName     string   `json:"customer_name"`
	InstanceName     string   `json:"instance_name"`
	ComponentName    string   `json:"component_name"`
	AttributeHint    string   `json:"attribute_hint,omitempty"`
	PrimaryAttribute string   `json:"primary_attribute,omitempty"`
	DatasetName      string   `json:"dataset_name,omitempty"`
	Headers          []string `json:"headers"`
	SavedFileName    string   `json:"saved_file_name,omitempty"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
}

// CreateSession holds the optional session parameters.
type CreateSession struct {
	CustomerName  string   `json:"customer_name,omitempty"`
	InstanceName  string   `json:"instance_name,omitempty"`
	ComponentName string   `json:"component_name,omitempty"`
	Attribute     string   `json:"attribute,omitempty"`
	InitialRules  []string `json:"initial_rules,omitempty"`
}

type Upload struct {
	Session  Session  `json:"session"`
	Sheet    string   `json:"sheet,omitempty"`
	Rows     int      `json:"rows"`
	Warnings []string `json:"warnings"`
}

type Rule struct {
	Index   int    `json:"index"`
	Text    string `json:"text"`
	Visible bool   `json:"visible"`
}

type RuleList struct {
	Items   []Rule `json:"items"`
	Focused int    `json:"focused"`
}

type Insertion struct {
	Index  int    `json:"index"`
	Text   string `json:"text"`
	Cursor int    `json:"cursor"`
}

type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

type Summary struct {
	Passed  int `json:"passed"`
	Invalid int `json:"invalid"`
}

type InvalidRow struct {
	RowData       json.RawMessage `json:"row_data"`
	FailureReason string          `json:"failure_reason"`
	RowNumber     int             `json:"row_number"`
}

type Result struct {
	PassedRows    []json.RawMessage `json:"passed_rows"`
	InvalidRows   []InvalidRow      `json:"invalid_rows"`
	GeneratedCode string            `json:"generated_code,omitempty"`
}

type PreviewState struct {
	Phase   string   `json:"phase"`
	Attempt int      `json:"attempt"`
	Summary *Summary `json:"summary,omitempty"`
	Result  *Result  `json:"result,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

type PreviewRun struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
	Passed    int    `json:"passed"`
	Invalid   int    `json:"invalid"`
	CreatedAt string `json:"created_at"`
}

type FetchResult struct {
	Rules    []string `json:"rules"`
	Fallback bool     `json:"fallback"`
	Error    string   `json:"error,omitempty"`
}

type MappingEntry struct {
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

type Mapping struct {
	Entries []MappingEntry `json:"entries"`
	Editing string         `json:"editing,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope.
type APIError struct {
	StatusCode int
	Body       string
	Code       string
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func newAPIError(status int, body []byte) *APIError {
	env := gjson.GetBytes(body, "error")
	return &APIError{
		StatusCode: status,
		Body:       string(body),
		Code:       env.Get("code").String(),
		Message:    env.Get("message").String(),
		Kind:       env.Get("details.kind").String(),
	}
}

func (c *Client) CreateSession(ctx context.Context, in CreateSession) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "sessions", in, &resp)
	return resp, err
}

func (c *Client) Sessions(ctx context.Context, limit int) ([]Session, error) {
	endpoint := "sessions"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Session
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.sessionPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.sessionPath(id, ""), nil, nil)
}

// Upload sends a CSV or Excel file to the session.
func (c *Client) Upload(ctx context.Context, id, fileName string, content []byte) (Upload, error) {
	body := map[string]any{
		"file_name": fileName,
		"content":   content,
	}
	var resp Upload
	err := c.do(ctx, http.MethodPut, c.sessionPath(id, "dataset"), body, &resp)
	return resp, err
}

// SelectPrimary scopes rules to attribute; empty selects generic rules.
func (c *Client) SelectPrimary(ctx context.Context, id, attribute string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPut, c.sessionPath(id, "primary"), map[string]any{"attribute": attribute}, &resp)
	return resp, err
}

func (c *Client) Rules(ctx context.Context, id string) (RuleList, error) {
	var resp RuleList
	err := c.do(ctx, http.MethodGet, c.sessionPath(id, "rules"), nil, &resp)
	return resp, err
}

func (c *Client) AddRule(ctx context.Context, id string) (RuleList, error) {
	var resp RuleList
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "rules"), nil, &resp)
	return resp, err
}

func (c *Client) ReplaceRules(ctx context.Context, id string, rules []string) (RuleList, error) {
	if rules == nil {
		rules = []string{}
	}
	var resp RuleList
	err := c.do(ctx, http.MethodPut, c.sessionPath(id, "rules"), map[string]any{"rules": rules}, &resp)
	return resp, err
}

func (c *Client) UpdateRule(ctx context.Context, id string, index int, text string) (RuleList, error) {
	var resp RuleList
	err := c.do(ctx, http.MethodPatch, c.sessionPath(id, fmt.Sprintf("rules/%d", index)), map[string]any{"text": text}, &resp)
	return resp, err
}

func (c *Client) RemoveRule(ctx context.Context, id string, index int) (RuleList, error) {
	var resp RuleList
	err := c.do(ctx, http.MethodDelete, c.sessionPath(id, fmt.Sprintf("rules/%d", index)), nil, &resp)
	return resp, err
}

func (c *Client) FocusRule(ctx context.Context, id string, index int) (RuleList, error) {
	var resp RuleList
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, fmt.Sprintf("rules/%d/focus", index)), nil, &resp)
	return resp, err
}

// InsertAttribute splices {attribute} into rule index, or the focused rule when index is nil.
func (c *Client) InsertAttribute(ctx context.Context, id string, index *int, selStart, selEnd int, attribute string) (Insertion, error) {
	body := map[string]any{
		"selection_start": selStart,
		"selection_end":   selEnd,
		"attribute":       attribute,
	}
	if index != nil {
		body["index"] = *index
	}
	var resp Insertion
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "rules/insert"), body, &resp)
	return resp, err
}

// Compile returns the raw validation request the next preview would send.
func (c *Client) Compile(ctx context.Context, id string) (json.RawMessage, error) {
	var resp json.RawMessage
	err := c.do(ctx, http.MethodGet, c.sessionPath(id, "compile"), nil, &resp)
	return resp, err
}

func (c *Client) Preview(ctx context.Context, id string) (PreviewState, error) {
	var resp PreviewState
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "preview"), nil, &resp)
	return resp, err
}

func (c *Client) Retry(ctx context.Context, id string) (PreviewState, error) {
	var resp PreviewState
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "preview/retry"), nil, &resp)
	return resp, err
}

func (c *Client) PreviewState(ctx context.Context, id string) (PreviewState, error) {
	var resp PreviewState
	err := c.do(ctx, http.MethodGet, c.sessionPath(id, "preview"), nil, &resp)
	return resp, err
}

func (c *Client) PreviewRuns(ctx context.Context, id string, limit int) ([]PreviewRun, error) {
	endpoint := c.sessionPath(id, "preview/runs")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []PreviewRun
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PassedRowsCSV downloads the passed rows of the last successful preview.
func (c *Client) PassedRowsCSV(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.request(ctx, http.MethodGet, c.sessionPath(id, "passed-rows"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// SaveRules stores the generated code and returns the saved file name.
func (c *Client) SaveRules(ctx context.Context, id string) (string, error) {
	var resp struct {
		FileName string `json:"file_name"`
	}
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "save"), nil, &resp)
	return resp.FileName, err
}

func (c *Client) FetchRules(ctx context.Context, id string) (FetchResult, error) {
	var resp FetchResult
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "fetch"), nil, &resp)
	return resp, err
}

func (c *Client) Mapping(ctx context.Context, id string) (Mapping, error) {
	var resp Mapping
	err := c.do(ctx, http.MethodGet, c.sessionPath(id, "mapping"), nil, &resp)
	return resp, err
}

func (c *Client) SetMapping(ctx context.Context, id, attribute, value string) (Mapping, error) {
	var resp Mapping
	endpoint := c.sessionPath(id, "mapping/"+url.PathEscape(attribute))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"value": value}, &resp)
	return resp, err
}

func (c *Client) DeleteMapping(ctx context.Context, id, attribute string) (Mapping, error) {
	var resp Mapping
	endpoint := c.sessionPath(id, "mapping/"+url.PathEscape(attribute))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, across sessions when sessionID is empty.
func (c *Client) Events(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, sessionID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, sessionID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
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
	resp, err := c.request(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, newAPIError(resp.StatusCode, b)
	}
	return resp, nil
}

func (c *Client) sessionPath(id, p string) string {
	base := "sessions/" + url.PathEscape(id)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
