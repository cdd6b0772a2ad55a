package preview

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"nlrstudio/internal/domain"
)

type httpErr struct {
	status int
	detail string
}

func (e httpErr) Error() string        { return fmt.Sprintf("status %d", e.status) }
func (e httpErr) HTTPStatus() int      { return e.status }
func (e httpErr) ServerDetail() string { return e.detail }

type fakeValidator struct {
	calls   atomic.Int32
	err     error
	result  domain.ValidationResult
	block   chan struct{}
	entered chan struct{}
	last    domain.PreviewRequest
}

func (f *fakeValidator) Validate(ctx context.Context, req domain.PreviewRequest) (domain.ValidationResult, error) {
	f.calls.Add(1)
	f.last = req
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return domain.ValidationResult{}, f.err
	}
	return f.result, nil
}

func dataset() *domain.Dataset {
	return &domain.Dataset{FileName: "orders.csv", Headers: []string{"amount"}, CSV: []byte("amount\n5\n")}
}

func TestStartRefusesEmptyDataset(t *testing.T) {
	v := &fakeValidator{}
	o := New(v)
	st, err := o.Start(context.Background(), Input{Rules: []string{"x > 5"}})
	if !errors.Is(err, ErrNoDataset) {
		t.Fatalf("expected ErrNoDataset, got %v", err)
	}
	if v.calls.Load() != 0 {
		t.Fatalf("expected no network call")
	}
	if st.Phase != PhaseIdle {
		t.Fatalf("expected idle state, got %s", st.Phase)
	}
	if !IsPrecondition(err) {
		t.Fatalf("expected precondition error")
	}
}

func TestStartRefusesBlankRules(t *testing.T) {
	v := &fakeValidator{}
	o := New(v)
	_, err := o.Start(context.Background(), Input{Dataset: dataset(), Rules: []string{"", "  "}})
	if !errors.Is(err, ErrNoRules) {
		t.Fatalf("expected ErrNoRules, got %v", err)
	}
	if v.calls.Load() != 0 || o.State().Phase != PhaseIdle {
		t.Fatalf("expected no call and no transition")
	}
}

func TestStartSucceeds(t *testing.T) {
	v := &fakeValidator{result: domain.ValidationResult{
		PassedRows: []domain.Record{domain.NewRecord("amount", "7")},
	}}
	o := New(v)
	st, err := o.Start(context.Background(), Input{Dataset: dataset(), Rules: []string{"x > 5", "", "y"}, Primary: "amount", Component: "Worker"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st.Phase != PhaseSucceeded || st.Result == nil || st.Failure != nil {
		t.Fatalf("unexpected state %+v", st)
	}
	if v.last.Validation.Validations[0]["amount"] != "x > 5 and y" {
		t.Fatalf("unexpected request %+v", v.last.Validation)
	}
	if v.last.Component != "Worker" || v.last.CSVName != "orders.csv" {
		t.Fatalf("unexpected request metadata %+v", v.last)
	}
}

func TestFailureClassificationAndRetry(t *testing.T) {
	v := &fakeValidator{err: httpErr{status: 413}}
	o := New(v)
	st, err := o.Start(context.Background(), Input{Dataset: dataset(), Rules: []string{"x"}})
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected failure, got %v", err)
	}
	if st.Phase != PhaseFailed || st.Failure.Message != MsgTooLarge || st.Result != nil {
		t.Fatalf("unexpected state %+v", st)
	}

	v.err = nil
	st, err = o.Retry(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st.Phase != PhaseSucceeded || st.Attempt != 2 {
		t.Fatalf("unexpected retry state %+v", st)
	}
	if v.calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", v.calls.Load())
	}
	if _, err := o.Retry(context.Background()); !errors.Is(err, ErrNothingToRetry) {
		t.Fatalf("expected ErrNothingToRetry, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind ErrorKind
		msg  string
	}{
		{httpErr{status: 400, detail: "Column 'qty' not found"}, KindInvalidData, "Column 'qty' not found"},
		{httpErr{status: 400}, KindInvalidData, MsgInvalidData},
		{httpErr{status: 404, detail: "ignored"}, KindNotFound, MsgNotFound},
		{httpErr{status: 408}, KindTimeout, MsgTimeout},
		{httpErr{status: 413}, KindTooLarge, MsgTooLarge},
		{httpErr{status: 500, detail: "boom"}, KindInternal, MsgInternal},
		{httpErr{status: 502}, KindUnexpected, "Unexpected server response (502)."},
		{httpErr{status: 422, detail: "bad rule"}, KindUnexpected, "bad rule"},
		{&url.Error{Op: "Post", URL: "http://localhost:9000/validate", Err: errors.New("connection refused")}, KindNoResponse, MsgNoResponse},
		{fmt.Errorf("wrapped: %w", &url.Error{Op: "Post", URL: "x", Err: context.DeadlineExceeded}), KindNoResponse, MsgNoResponse},
		{errors.New("decode result: unexpected EOF"), KindTransport, "decode result: unexpected EOF"},
	}
	for _, tc := range cases {
		f := Classify(tc.err)
		if f.Kind != tc.kind || f.Message != tc.msg {
			t.Fatalf("classify %v: got %+v", tc.err, f)
		}
	}
}

func TestStartWhileInFlight(t *testing.T) {
	v := &fakeValidator{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	o := New(v)
	done := make(chan error, 1)
	go func() {
		_, err := o.Start(context.Background(), Input{Dataset: dataset(), Rules: []string{"x"}})
		done <- err
	}()
	<-v.entered
	if _, err := o.Start(context.Background(), Input{Dataset: dataset(), Rules: []string{"x"}}); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	close(v.block)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("first start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first start did not finish")
	}
}

func TestCloseDiscardsLateResponse(t *testing.T) {
	v := &fakeValidator{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	o := New(v)
	done := make(chan error, 1)
	go func() {
		_, err := o.Start(context.Background(), Input{Dataset: dataset(), Rules: []string{"x"}})
		done <- err
	}()
	<-v.entered
	o.Close()
	close(v.block)
	select {
	case err := <-done:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("expected discarded response, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("start did not finish")
	}
	if o.State().Phase != PhaseValidating {
		t.Fatalf("late response must not change state, got %s", o.State().Phase)
	}
	if _, err := o.Start(context.Background(), Input{Dataset: dataset(), Rules: []string{"x"}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestResetClearsResultAndDiscardsInFlight(t *testing.T) {
	v := &fakeValidator{err: httpErr{status: 500}}
	o := New(v)
	if _, err := o.Start(context.Background(), Input{Dataset: dataset(), Rules: []string{"x"}}); err == nil {
		t.Fatalf("expected failure")
	}
	o.Reset()
	if st := o.State(); st.Phase != PhaseIdle || st.Failure != nil || st.Result != nil {
		t.Fatalf("expected idle state after reset, got %+v", st)
	}
	if _, err := o.Retry(context.Background()); !errors.Is(err, ErrNothingToRetry) {
		t.Fatalf("expected ErrNothingToRetry after reset, got %v", err)
	}

	v.err = nil
	v.block = make(chan struct{})
	v.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := o.Start(context.Background(), Input{Dataset: dataset(), Rules: []string{"x"}})
		done <- err
	}()
	<-v.entered
	o.Reset()
	close(v.block)
	select {
	case err := <-done:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("expected discarded response, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("start did not finish")
	}
	if st := o.State(); st.Phase != PhaseIdle || st.Result != nil {
		t.Fatalf("late response must not land after reset, got %+v", st)
	}
}
