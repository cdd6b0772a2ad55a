package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"nlrstudio/internal/compiler"
	"nlrstudio/internal/domain"
	"nlrstudio/internal/mapping"
	"nlrstudio/internal/preview"
)

var key = domain.MappingKey{CustomerName: "DefaultCustomer", InstanceName: "DefaultInstance", ComponentName: "Worker"}

func TestValidateSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/validate" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		csvFile, csvHeader, err := r.FormFile("csv_file")
		if err != nil {
			t.Errorf("csv_file: %v", err)
			return
		}
		csvBody, _ := io.ReadAll(csvFile)
		if csvHeader.Filename != "orders.csv" || string(csvBody) != "amount\n7\n" {
			t.Errorf("unexpected csv part %s %q", csvHeader.Filename, csvBody)
		}
		valFile, valHeader, err := r.FormFile("validation_file")
		if err != nil {
			t.Errorf("validation_file: %v", err)
			return
		}
		valBody, _ := io.ReadAll(valFile)
		if valHeader.Filename != ValidationFileName {
			t.Errorf("unexpected validation file name %s", valHeader.Filename)
		}
		req, err := compiler.Decode(valBody)
		if err != nil || req.Validations[0]["amount"] != "x > 5" {
			t.Errorf("unexpected validation body %s (%v)", valBody, err)
		}
		if got := r.FormValue("component_name"); got != DefaultComponent {
			t.Errorf("unexpected component %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"passed_rows":[{"amount":"7","zeta":1,"alpha":null}],"invalid_rows":[{"row_data":{"amount":"1"},"failure_reason":"too small","row_number":3}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.URL, srv.URL)
	res, err := c.Validate(context.Background(), domain.PreviewRequest{
		CSVName:    "orders.csv",
		CSV:        []byte("amount\n7\n"),
		Validation: compiler.Compile([]string{"x > 5"}, "amount"),
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Summary() != (domain.ResultSummary{Passed: 1, Invalid: 1}) {
		t.Fatalf("unexpected summary %+v", res.Summary())
	}
	if keys := res.PassedRows[0].Keys(); strings.Join(keys, ",") != "amount,zeta,alpha" {
		t.Fatalf("key order not preserved: %v", keys)
	}
	if res.InvalidRows[0].RowNumber != 3 || res.InvalidRows[0].FailureReason != "too small" {
		t.Fatalf("unexpected invalid row %+v", res.InvalidRows[0])
	}
}

func TestValidateErrorsClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.URL, srv.URL)
	_, err := c.Validate(context.Background(), domain.PreviewRequest{CSVName: "a.csv", CSV: []byte("a\n")})
	if f := preview.Classify(err); f.Kind != preview.KindTooLarge || f.Message != preview.MsgTooLarge {
		t.Fatalf("unexpected classification %+v", f)
	}
}

func TestValidateDetailOnBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"detail":"Column 'qty' not found"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.URL, srv.URL)
	_, err := c.Validate(context.Background(), domain.PreviewRequest{CSVName: "a.csv", CSV: []byte("a\n")})
	if f := preview.Classify(err); f.Message != "Column 'qty' not found" {
		t.Fatalf("expected server detail, got %+v", f)
	}
}

func TestValidateNoResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := New("http://"+addr, "", "")
	_, err = c.Validate(context.Background(), domain.PreviewRequest{CSVName: "a.csv", CSV: []byte("a\n")})
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if f := preview.Classify(err); f.Kind != preview.KindNoResponse || f.Message != preview.MsgNoResponse {
		t.Fatalf("unexpected classification %+v", f)
	}
}

func TestDetailOf(t *testing.T) {
	cases := map[string]string{
		`{"detail":"boom"}`: "boom",
		`{"detail":[{"msg":"field required"},{"msg":"bad type"}]}`: "field required; bad type",
		`{"error":"nope"}`:   "nope",
		`not json`:           "",
		`{"detail":{"x":1}}`: "",
	}
	for body, want := range cases {
		if got := detailOf([]byte(body)); got != want {
			t.Fatalf("detailOf(%s) = %q, want %q", body, got, want)
		}
	}
}

func TestSaveRules(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/hdl/save_code" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got["attribute"] == "broken" {
			_, _ = io.WriteString(w, `{"success":false,"error":"disk full"}`)
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"filename":"Worker_Salary.py"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.URL, srv.URL)
	name, err := c.SaveRules(context.Background(), SaveRulesRequest{
		Code: "def f(): pass", ComponentName: "Worker", Attribute: "Salary",
		Rules: []string{"x > 5"}, CustomerName: "DefaultCustomer", InstanceName: "DefaultInstance",
	})
	if err != nil {
		t.Fatalf("save rules: %v", err)
	}
	if name != "Worker_Salary.py" {
		t.Fatalf("unexpected file name %s", name)
	}
	if conds, ok := got["conditions"].([]any); !ok || len(conds) != 0 {
		t.Fatalf("expected empty conditions array, got %#v", got["conditions"])
	}
	if got["customerName"] != "DefaultCustomer" || got["component_name"] != "Worker" {
		t.Fatalf("unexpected body %v", got)
	}

	_, err = c.SaveRules(context.Background(), SaveRulesRequest{Attribute: "broken"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestFetchRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/hdl/nlr/batch" || r.URL.Query().Get("attribute") != "Salary Basis" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = io.WriteString(w, `{"rules":["a","b"]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.URL, srv.URL)
	rules, err := c.FetchRules(context.Background(), "Salary Basis")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if strings.Join(rules, "|") != "a|b" {
		t.Fatalf("unexpected rules %v", rules)
	}
}

func TestMappingEditorAgainstService(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	var saved map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/hdl/get-attribute-mapping/DefaultCustomer/DefaultInstance/Worker":
			code := int(status.Load())
			w.WriteHeader(code)
			if code == http.StatusInternalServerError {
				_, _ = io.WriteString(w, `{"detail":"mapping store unavailable"}`)
				return
			}
			_, _ = io.WriteString(w, `{"detail":"Mapping not found"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/api/hdl/save-attribute-mapping":
			_ = json.NewDecoder(r.Body).Decode(&saved)
			_, _ = io.WriteString(w, `{"message":"saved"}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, srv.URL, srv.URL)
	e := mapping.NewEditor(c, key, []string{"Salary"}, nil, 0)
	m, err := e.Load(context.Background())
	if err != nil {
		t.Fatalf("load 404: %v", err)
	}
	if len(m) != 0 {
		t.Fatalf("expected empty mapping, got %v", m)
	}

	status.Store(http.StatusInternalServerError)
	_, err = e.Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "mapping store unavailable") {
		t.Fatalf("expected server detail in error, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Fatalf("expected api error, got %v", err)
	}

	if err := e.Set(context.Background(), "Salary", "{Base}"); err != nil {
		t.Fatalf("set: %v", err)
	}
	attrs, _ := saved["mappedAttributes"].(map[string]any)
	if saved["componentName"] != "Worker" || attrs["Salary"] != "{Base}" {
		t.Fatalf("unexpected saved body %v", saved)
	}
}

func TestLoadMappingNotFoundSentinel(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := New(srv.URL, srv.URL, srv.URL)
	if _, err := c.LoadMapping(context.Background(), key); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentCallsLeaveClientUntouched(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.URL, srv.URL)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rules, err := c.FetchRules(context.Background(), "Salary")
			if err == nil && rules != nil {
				err = errors.New("missing rules field must decode to nil")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}
	if hits.Load() != 8 {
		t.Fatalf("expected 8 requests, got %d", hits.Load())
	}
	if c.HTTPClient != nil {
		t.Fatalf("client must not be mutated by requests")
	}
}
