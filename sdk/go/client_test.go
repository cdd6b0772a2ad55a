package nlrsdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPreviewFailureDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/sessions/s1/preview" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Actor-Id") != "alice" {
			t.Errorf("missing actor header")
		}
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, `{"error":{"code":"preview_failed","message":"File too large. Try a smaller dataset.","details":{"kind":"too_large","status":413}}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "alice"
	_, err := c.Preview(context.Background(), "s1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Code != "preview_failed" || apiErr.Kind != "too_large" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if apiErr.Message != "File too large. Try a smaller dataset." {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
}

func TestUploadSendsBase64Content(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FileName string `json:"file_name"`
			Content  []byte `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if r.Method != http.MethodPut || body.FileName != "a.csv" || string(body.Content) != "a,b\n1,2\n" {
			t.Errorf("unexpected upload %s %+v", r.Method, body)
		}
		io.WriteString(w, `{"session":{"id":"s1","headers":["a","b"]},"rows":1,"warnings":[]}`)
	}))
	defer srv.Close()

	up, err := New(srv.URL).Upload(context.Background(), "s1", "a.csv", []byte("a,b\n1,2\n"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if up.Rows != 1 || len(up.Session.Headers) != 2 {
		t.Fatalf("unexpected upload %+v", up)
	}
}

func TestDeleteSessionNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	if err := New(srv.URL).DeleteSession(context.Background(), "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestRequestsLeaveHTTPClientUnset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	c := New(srv.URL)
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { done <- c.DeleteSession(context.Background(), "s1") }()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Fatalf("delete: %v", err)
		}
	}
	if c.HTTPClient != nil {
		t.Fatalf("client must not be mutated by requests")
	}
}
