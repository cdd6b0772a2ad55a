// Package preview runs validation previews against the remote service and
// tracks the outcome as a single tagged state.
package preview

import (
	"context"
	"errors"
	"sync"

	"nlrstudio/internal/compiler"
	"nlrstudio/internal/domain"
)

var (
	ErrNoDataset      = errors.New("no dataset: upload a CSV or Excel file before previewing")
	ErrNoRules        = errors.New("no rules: add at least one rule before previewing")
	ErrInFlight       = errors.New("a preview is already running")
	ErrNothingToRetry = errors.New("no failed preview to retry")
	ErrClosed         = errors.New("preview closed")
	ErrSuperseded     = errors.New("preview response discarded")
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseValidating Phase = "validating"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

// State is the preview outcome. Result is set only when succeeded and
// Failure only when failed.
type State struct {
	Phase   Phase                    `json:"phase" enum:"idle,validating,succeeded,failed"`
	Result  *domain.ValidationResult `json:"result,omitempty"`
	Failure *Failure                 `json:"failure,omitempty"`
	Attempt int                      `json:"attempt"`
}

// Validator is the remote validation service.
type Validator interface {
	Validate(ctx context.Context, req domain.PreviewRequest) (domain.ValidationResult, error)
}

type Input struct {
	Dataset   *domain.Dataset
	Rules     []string
	Primary   string
	Component string
}

// IsPrecondition reports whether err refused a preview before any request was sent.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrNoDataset) || errors.Is(err, ErrNoRules)
}

type Orchestrator struct {
	validator Validator

	mu     sync.Mutex
	state  State
	last   *domain.PreviewRequest
	closed bool
}

func New(v Validator) *Orchestrator {
	return &Orchestrator{validator: v, state: State{Phase: PhaseIdle}}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Build compiles in into a request, or returns the precondition error that refuses it.
func Build(in Input) (domain.PreviewRequest, error) {
	if in.Dataset.Empty() {
		return domain.PreviewRequest{}, ErrNoDataset
	}
	req := compiler.Compile(in.Rules, in.Primary)
	if len(req.Validations) == 0 {
		return domain.PreviewRequest{}, ErrNoRules
	}
	return domain.PreviewRequest{
		CSVName:    in.Dataset.FileName,
		CSV:        in.Dataset.CSV,
		Validation: req,
		Component:  in.Component,
	}, nil
}

// Start sends one preview request and waits for the outcome. A classified
// failure is returned both in the state and as a *Failure error.
func (o *Orchestrator) Start(ctx context.Context, in Input) (State, error) {
	req, err := Build(in)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return State{}, ErrClosed
	}
	if o.state.Phase == PhaseValidating {
		o.mu.Unlock()
		return o.State(), ErrInFlight
	}
	if err != nil {
		st := o.state
		o.mu.Unlock()
		return st, err
	}
	o.last = &req
	attempt := o.enterLocked()
	o.mu.Unlock()
	return o.run(ctx, attempt, req)
}

// Retry re-sends the inputs of the last attempt after a failure.
func (o *Orchestrator) Retry(ctx context.Context) (State, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return State{}, ErrClosed
	}
	if o.state.Phase != PhaseFailed || o.last == nil {
		st := o.state
		o.mu.Unlock()
		if st.Phase == PhaseValidating {
			return st, ErrInFlight
		}
		return st, ErrNothingToRetry
	}
	req := *o.last
	attempt := o.enterLocked()
	o.mu.Unlock()
	return o.run(ctx, attempt, req)
}

// Close discards any in-flight response. Later calls return ErrClosed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
}

// Reset returns to idle and forgets the last inputs. A response still in
// flight is discarded when it arrives.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = State{Phase: PhaseIdle, Attempt: o.state.Attempt}
	o.last = nil
}

func (o *Orchestrator) enterLocked() int {
	o.state = State{Phase: PhaseValidating, Attempt: o.state.Attempt + 1}
	return o.state.Attempt
}

func (o *Orchestrator) run(ctx context.Context, attempt int, req domain.PreviewRequest) (State, error) {
	res, err := o.validator.Validate(ctx, req)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.state.Attempt != attempt || o.state.Phase != PhaseValidating {
		return o.state, ErrSuperseded
	}
	if err != nil {
		f := Classify(err)
		o.state = State{Phase: PhaseFailed, Failure: &f, Attempt: attempt}
		return o.state, &f
	}
	o.state = State{Phase: PhaseSucceeded, Result: &res, Attempt: attempt}
	return o.state, nil
}
