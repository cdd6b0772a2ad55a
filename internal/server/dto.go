package server

import (
	"encoding/json"

	"nlrstudio/internal/domain"
	"nlrstudio/internal/engine"
	"nlrstudio/internal/mapping"
	"nlrstudio/internal/preview"
	"nlrstudio/internal/rules"
)

type CreateSessionRequest struct {
	CustomerName  string   `json:"customer_name,omitempty"`
	InstanceName  string   `json:"instance_name,omitempty"`
	ComponentName string   `json:"component_name,omitempty"`
	Attribute     string   `json:"attribute,omitempty" doc:"Attribute hint used to pick the primary attribute and to fetch saved rules"`
	InitialRules  []string `json:"initial_rules,omitempty"`
}

type SessionResponse struct {
	ID               string   `json:"id"`
	CustomerName     string   `json:"customer_name"`
	InstanceName     string   `json:"instance_name"`
	ComponentName    string   `json:"component_name"`
	AttributeHint    string   `json:"attribute_hint,omitempty"`
	PrimaryAttribute string   `json:"primary_attribute,omitempty"`
	DatasetName      string   `json:"dataset_name,omitempty"`
	Headers          []string `json:"headers"`
	SavedFileName    string   `json:"saved_file_name,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

type UploadRequest struct {
	FileName string `json:"file_name" minLength:"1" doc:"Original file name; the extension selects the decoder"`
	Content  []byte `json:"content" doc:"Base64 encoded file content"`
}

type UploadResponse struct {
	Session  SessionResponse `json:"session"`
	Sheet    string          `json:"sheet,omitempty"`
	Rows     int             `json:"rows"`
	Warnings []string        `json:"warnings"`
}

type DatasetResponse struct {
	FileName string       `json:"file_name"`
	Headers  []string     `json:"headers"`
	Rows     []domain.Row `json:"rows"`
}

type SelectPrimaryRequest struct {
	Attribute string `json:"attribute" doc:"Header to scope rules to; empty selects generic rules"`
}

type RuleListResponse struct {
	Items   []rules.Item `json:"items"`
	Focused int          `json:"focused" doc:"Index of the focused rule, -1 when none"`
}

type UpdateRuleRequest struct {
	Text string `json:"text"`
}

type ReplaceRulesRequest struct {
	Rules []string `json:"rules"`
}

type InsertAttributeRequest struct {
	Index          *int   `json:"index,omitempty" doc:"Target rule; the focused rule when omitted"`
	SelectionStart int    `json:"selection_start"`
	SelectionEnd   int    `json:"selection_end"`
	Attribute      string `json:"attribute" minLength:"1"`
}

type ReferencesResponse struct {
	Items []rules.UnknownReference `json:"items"`
}

type PreviewStateResponse struct {
	Phase   preview.Phase            `json:"phase" enum:"idle,validating,succeeded,failed"`
	Attempt int                      `json:"attempt"`
	Summary *domain.ResultSummary    `json:"summary,omitempty"`
	Result  *domain.ValidationResult `json:"result,omitempty"`
	Failure *preview.Failure         `json:"failure,omitempty"`
}

type SaveRulesResponse struct {
	FileName string `json:"file_name"`
}

type FetchRulesResponse struct {
	Rules    []string `json:"rules"`
	Fallback bool     `json:"fallback"`
	Error    string   `json:"error,omitempty"`
}

type MappingResponse struct {
	Key     domain.MappingKey `json:"key"`
	Entries []mapping.Entry   `json:"entries"`
	Editing string            `json:"editing,omitempty"`
}

type SetMappingRequest struct {
	Value string `json:"value"`
}

type EditMappingResponse struct {
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

type InsertTokenRequest struct {
	Value          string `json:"value"`
	SelectionStart int    `json:"selection_start"`
	SelectionEnd   int    `json:"selection_end"`
	Attribute      string `json:"attribute" minLength:"1"`
}

type InsertTokenResponse struct {
	Value  string `json:"value"`
	Cursor int    `json:"cursor"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func sessionResponse(s domain.Session) SessionResponse {
	resp := SessionResponse(s)
	if resp.Headers == nil {
		resp.Headers = []string{}
	}
	return resp
}

func mapSessions(items []domain.Session) []SessionResponse {
	out := make([]SessionResponse, 0, len(items))
	for _, s := range items {
		out = append(out, sessionResponse(s))
	}
	return out
}

func previewStateResponse(st preview.State) PreviewStateResponse {
	resp := PreviewStateResponse{
		Phase:   st.Phase,
		Attempt: st.Attempt,
		Result:  st.Result,
		Failure: st.Failure,
	}
	if st.Result != nil {
		sum := st.Result.Summary()
		resp.Summary = &sum
	}
	return resp
}

func fetchRulesResponse(r engine.FetchResult) FetchRulesResponse {
	return FetchRulesResponse(r)
}

func mappingResponse(ed *mapping.Editor) MappingResponse {
	return MappingResponse{
		Key:     ed.Key(),
		Entries: nonNilSlice(ed.Entries()),
		Editing: ed.Editing(),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SessionID:  e.SessionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	if out == nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
