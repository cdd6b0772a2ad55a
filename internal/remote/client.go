// Package remote talks to the validation service and the HDL backend that
// stores generated rule code and attribute mappings.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"nlrstudio/internal/compiler"
	"nlrstudio/internal/domain"
)

const (
	DefaultComponent   = "default_component"
	ValidationFileName = "validation_rules.json"
)

// Client is a minimal client for the external services.
type Client struct {
	ValidationURL string
	BackendURL    string
	MappingURL    string
	HTTPClient    *http.Client
	Timeout       time.Duration
}

// New creates a client with sane defaults.
func New(validationURL, backendURL, mappingURL string) *Client {
	return &Client{
		ValidationURL: validationURL,
		BackendURL:    backendURL,
		MappingURL:    mappingURL,
		Timeout:       120 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api error: status=%d detail=%s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *APIError) HTTPStatus() int { return e.StatusCode }

func (e *APIError) ServerDetail() string { return e.Detail }

// Unwrap lets callers match a 404 with errors.Is(err, domain.ErrNotFound).
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	return &APIError{StatusCode: status, Body: string(body), Detail: detailOf(body)}
}

// detailOf extracts the server message from an error body: a string detail,
// a list of validation messages, or an error field.
func detailOf(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	d := gjson.GetBytes(body, "detail")
	switch {
	case d.Type == gjson.String:
		return d.Str
	case d.IsArray():
		var msgs []string
		for _, m := range d.Get("#.msg").Array() {
			msgs = append(msgs, m.String())
		}
		return strings.Join(msgs, "; ")
	}
	if e := gjson.GetBytes(body, "error"); e.Type == gjson.String {
		return e.Str
	}
	return ""
}

// Validate posts the canonical CSV and compiled rules to the validation service.
func (c *Client) Validate(ctx context.Context, req domain.PreviewRequest) (domain.ValidationResult, error) {
	rules, err := compiler.Encode(req.Validation)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	component := req.Component
	if component == "" {
		component = DefaultComponent
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := writePart(mw, "csv_file", req.CSVName, "text/csv", req.CSV); err != nil {
		return domain.ValidationResult{}, err
	}
	if err := writePart(mw, "validation_file", ValidationFileName, "application/json", rules); err != nil {
		return domain.ValidationResult{}, err
	}
	if err := mw.WriteField("component_name", component); err != nil {
		return domain.ValidationResult{}, err
	}
	if err := mw.Close(); err != nil {
		return domain.ValidationResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, join(c.ValidationURL, "validate"), &buf)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	var out domain.ValidationResult
	if err := c.send(httpReq, &out); err != nil {
		return domain.ValidationResult{}, err
	}
	return out, nil
}

func writePart(mw *multipart.Writer, field, fileName, contentType string, data []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, escapeQuotes(fileName)))
	h.Set("Content-Type", contentType)
	w, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

type SaveRulesRequest struct {
	Code          string   `json:"code"`
	ComponentName string   `json:"component_name"`
	Attribute     string   `json:"attribute"`
	Rules         []string `json:"rules"`
	Conditions    []string `json:"conditions"`
	CustomerName  string   `json:"customerName"`
	InstanceName  string   `json:"instanceName"`
}

type saveRulesResponse struct {
	Success  bool   `json:"success"`
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// SaveRules stores generated code with its rules and returns the saved file name.
func (c *Client) SaveRules(ctx context.Context, in SaveRulesRequest) (string, error) {
	if in.Conditions == nil {
		in.Conditions = []string{}
	}
	if in.Rules == nil {
		in.Rules = []string{}
	}
	var resp saveRulesResponse
	if err := c.do(ctx, http.MethodPost, join(c.BackendURL, "api/hdl/save_code"), in, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "unknown error"
		}
		return "", fmt.Errorf("save rules: %s", msg)
	}
	return resp.Filename, nil
}

// FetchRules loads the rules saved for an attribute.
func (c *Client) FetchRules(ctx context.Context, attribute string) ([]string, error) {
	endpoint := join(c.ValidationURL, "api/hdl/nlr/batch") + "?attribute=" + url.QueryEscape(attribute)
	var resp struct {
		Rules []string `json:"rules"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rules, nil
}

type mappingDoc struct {
	CustomerName     string            `json:"customerName"`
	InstanceName     string            `json:"instanceName"`
	ComponentName    string            `json:"componentName"`
	MappedAttributes map[string]string `json:"mappedAttributes"`
}

// SaveMapping replaces the stored mapping document for key.
func (c *Client) SaveMapping(ctx context.Context, key domain.MappingKey, mapped map[string]string) error {
	if mapped == nil {
		mapped = map[string]string{}
	}
	body := mappingDoc{
		CustomerName:     key.CustomerName,
		InstanceName:     key.InstanceName,
		ComponentName:    key.ComponentName,
		MappedAttributes: mapped,
	}
	return c.do(ctx, http.MethodPost, join(c.MappingURL, "api/hdl/save-attribute-mapping"), body, nil)
}

// LoadMapping returns the stored mapping for key, or domain.ErrNotFound.
func (c *Client) LoadMapping(ctx context.Context, key domain.MappingKey) (map[string]string, error) {
	endpoint := join(c.MappingURL, fmt.Sprintf("api/hdl/get-attribute-mapping/%s/%s/%s",
		url.PathEscape(key.CustomerName), url.PathEscape(key.InstanceName), url.PathEscape(key.ComponentName)))
	var resp mappingDoc
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if resp.MappedAttributes == nil {
		resp.MappedAttributes = map[string]string{}
	}
	return resp.MappedAttributes, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func join(base, p string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(p, "/")
}
