package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nlrstudio/internal/compiler"
	"nlrstudio/internal/config"
	"nlrstudio/internal/domain"
	"nlrstudio/internal/events"
	"nlrstudio/internal/ingest"
	"nlrstudio/internal/mapping"
	"nlrstudio/internal/preview"
	"nlrstudio/internal/remote"
	"nlrstudio/internal/repo"
	"nlrstudio/internal/rules"
)

// Services is the set of remote calls an authoring session makes.
type Services interface {
	preview.Validator
	mapping.Store
	SaveRules(ctx context.Context, in remote.SaveRulesRequest) (string, error)
	FetchRules(ctx context.Context, attribute string) ([]string, error)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Remote Services
	Logger *log.Logger
	Now    func() time.Time

	registry *registry
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	client := remote.New(cfg.Services.ValidationURL, cfg.Services.BackendURL, cfg.Services.MappingURL)
	client.Timeout = cfg.Timeout()
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Remote:   client,
		Now:      time.Now,
		registry: newRegistry(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logf(format string, args ...any) {
	logger := e.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf(format, args...)
}

func actorOrDefault(actorID string) string {
	if actorID == "" {
		return "local-user"
	}
	return actorID
}

// SessionCreateOptions are parameters for creating an authoring session.
type SessionCreateOptions struct {
	CustomerName  string
	InstanceName  string
	ComponentName string
	AttributeHint string
	InitialRules  []string
	ActorID       string
}

func (e Engine) CreateSession(ctx context.Context, opts SessionCreateOptions) (domain.Session, error) {
	if opts.CustomerName == "" {
		opts.CustomerName = e.Config.Defaults.Customer
	}
	if opts.InstanceName == "" {
		opts.InstanceName = e.Config.Defaults.Instance
	}
	if opts.ComponentName == "" {
		opts.ComponentName = e.Config.Defaults.Component
	}
	if opts.AttributeHint == "" {
		opts.AttributeHint = e.Config.Defaults.Attribute
	}
	if opts.InitialRules == nil {
		opts.InitialRules = e.Config.Defaults.InitialRules
	}
	if strings.TrimSpace(opts.CustomerName) == "" || strings.TrimSpace(opts.InstanceName) == "" {
		return domain.Session{}, errors.New("customer and instance are required")
	}
	now := e.ts()
	s := domain.Session{
		ID:            uuid.NewString(),
		CustomerName:  opts.CustomerName,
		InstanceName:  opts.InstanceName,
		ComponentName: opts.ComponentName,
		AttributeHint: opts.AttributeHint,
		Headers:       []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	store := rules.NewStore(opts.InitialRules...)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertSessionTx(ctx, tx, s); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if err := e.Repo.ReplaceRulesTx(ctx, tx, s.ID, store.Rules()); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.Event{Type: events.SessionCreated, SessionID: s.ID, EntityKind: "session", EntityID: s.ID, ActorID: actorOrDefault(opts.ActorID), Payload: events.EventPayload{
			"customer_name":  s.CustomerName,
			"instance_name":  s.InstanceName,
			"component_name": s.ComponentName,
		}})
	})
	if err != nil {
		return domain.Session{}, err
	}
	e.registry.put(newSession(s, nil, store, e.Config))
	return s, nil
}

func (e Engine) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	return e.Repo.ListSessions(ctx, limit)
}

// Session returns the live session, restoring it from the store when needed.
func (e Engine) Session(ctx context.Context, id string) (*Session, error) {
	if s := e.registry.get(id); s != nil {
		return s, nil
	}
	meta, err := e.Repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	stored, err := e.Repo.ListRules(ctx, id)
	if err != nil {
		return nil, err
	}
	var ds *domain.Dataset
	csv, err := e.Repo.GetDataset(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(csv) > 0 {
		res, err := ingest.Ingest(meta.DatasetName, csv, e.ingestOptions(meta.ComponentName))
		if err != nil {
			e.logf("WARN: session %s: stored dataset unreadable: %v", id, err)
		} else {
			ds = &res.Dataset
		}
	}
	return e.registry.putIfAbsent(newSession(meta, ds, rules.NewStore(stored...), e.Config)), nil
}

// GetSession returns the session metadata.
func (e Engine) GetSession(ctx context.Context, id string) (domain.Session, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	return s.Meta(), nil
}

func (e Engine) DeleteSession(ctx context.Context, id, actorID string) error {
	if err := e.Repo.DeleteSession(ctx, id); err != nil {
		return err
	}
	e.Close(id)
	return e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, events.Event{Type: events.SessionDeleted, EntityKind: "session", EntityID: id, ActorID: actorOrDefault(actorID)})
	})
}

// Close drops the live state of a session. Late remote responses are discarded.
func (e Engine) Close(id string) {
	if s := e.registry.remove(id); s != nil {
		s.close()
	}
}

// CloseAll drops every live session.
func (e Engine) CloseAll() {
	for _, s := range e.registry.drain() {
		s.close()
	}
}

func (e Engine) ingestOptions(component string) ingest.Options {
	placeholders, err := ingest.CompilePlaceholders(e.Config.Ingest.PlaceholderPatterns)
	if err != nil || len(placeholders) == 0 {
		placeholders = nil
	}
	return ingest.Options{ComponentName: component, Placeholders: placeholders}
}

// Upload ingests a spreadsheet into the session. The previous preview result is
// dropped, and any failure clears the previous dataset.
func (e Engine) Upload(ctx context.Context, id, fileName string, data []byte, actorID string) (ingest.Result, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return ingest.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ingestErr := ingest.Ingest(fileName, data, e.ingestOptions(s.meta.ComponentName))
	if len(e.Config.Mapping.Attributes) == 0 {
		s.resetMappingLocked()
	}
	if s.preview != nil {
		s.preview.Reset()
	}
	if ingestErr != nil {
		s.dataset = nil
		s.meta.DatasetName = ""
		s.meta.Headers = []string{}
		s.meta.PrimaryAttribute = ""
		s.meta.UpdatedAt = e.ts()
		err := e.withTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.UpdateSessionTx(ctx, tx, s.meta); err != nil {
				return err
			}
			if err := e.Repo.SetDatasetTx(ctx, tx, id, nil); err != nil {
				return err
			}
			if err := e.Repo.ClearResultsTx(ctx, tx, id); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, events.Event{Type: events.DatasetRejected, SessionID: id, EntityKind: "dataset", EntityID: fileName, ActorID: actorOrDefault(actorID), Payload: events.EventPayload{"error": ingestErr.Error()}})
		})
		if err != nil {
			return ingest.Result{}, err
		}
		return ingest.Result{}, ingestErr
	}

	for _, w := range res.Warnings {
		e.logf("WARN: session %s: %s: %s", id, fileName, w)
	}
	ds := res.Dataset
	s.dataset = &ds
	s.meta.DatasetName = ds.FileName
	s.meta.Headers = ds.Headers
	s.meta.PrimaryAttribute = compiler.ResolvePrimary(ds.Headers, s.meta.AttributeHint)
	s.meta.UpdatedAt = e.ts()
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateSessionTx(ctx, tx, s.meta); err != nil {
			return err
		}
		if err := e.Repo.SetDatasetTx(ctx, tx, id, ds.CSV); err != nil {
			return err
		}
		if err := e.Repo.ClearResultsTx(ctx, tx, id); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.Event{Type: events.DatasetIngested, SessionID: id, EntityKind: "dataset", EntityID: ds.FileName, ActorID: actorOrDefault(actorID), Payload: events.EventPayload{
			"source":   fileName,
			"sheet":    res.Sheet,
			"headers":  ds.Headers,
			"rows":     len(ds.Rows),
			"warnings": res.Warnings,
		}})
	})
	if err != nil {
		return ingest.Result{}, err
	}
	return res, nil
}

// Dataset returns the ingested dataset or preview.ErrNoDataset.
func (e Engine) Dataset(ctx context.Context, id string) (domain.Dataset, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return domain.Dataset{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dataset.Empty() {
		return domain.Dataset{}, preview.ErrNoDataset
	}
	return *s.dataset, nil
}

// ErrUnknownAttribute is returned when an attribute names no dataset header.
var ErrUnknownAttribute = errors.New("attribute is not a dataset header")

// SelectPrimary scopes compiled rules to attr. An empty attr selects the generic scope.
func (e Engine) SelectPrimary(ctx context.Context, id, attr, actorID string) (domain.Session, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if attr != "" && !contains(s.meta.Headers, attr) {
		return domain.Session{}, fmt.Errorf("%q: %w", attr, ErrUnknownAttribute)
	}
	s.meta.PrimaryAttribute = attr
	s.meta.UpdatedAt = e.ts()
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateSessionTx(ctx, tx, s.meta); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.Event{Type: events.PrimarySelected, SessionID: id, EntityKind: "session", EntityID: id, ActorID: actorOrDefault(actorID), Payload: events.EventPayload{"attribute": attr}})
	})
	if err != nil {
		return domain.Session{}, err
	}
	return s.meta, nil
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

type registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: map[string]*Session{}}
}

func (r *registry) get(id string) *Session {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *registry) put(s *Session) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.meta.ID] = s
}

func (r *registry) putIfAbsent(s *Session) *Session {
	if r == nil {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.meta.ID]; ok {
		return cur
	}
	r.sessions[s.meta.ID] = s
	return s
}

func (r *registry) remove(id string) *Session {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	delete(r.sessions, id)
	return s
}

func (r *registry) drain() []*Session {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, s)
		delete(r.sessions, id)
	}
	return out
}
