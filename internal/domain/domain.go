package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrNotFound is returned by stores and remote services when an entity does not exist.
var ErrNotFound = errors.New("not found")

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
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

// Row maps a header name to its cell value.
type Row map[string]string

// Dataset is the canonical form of one uploaded spreadsheet.
type Dataset struct {
	FileName string   `json:"file_name"`
	Headers  []string `json:"headers"`
	Rows     []Row    `json:"rows"`
	CSV      []byte   `json:"-"`
}

// Empty reports whether no dataset has been ingested.
func (d *Dataset) Empty() bool {
	return d == nil || len(d.CSV) == 0
}

// ValidationRequest is the payload consumed by the remote validation service.
type ValidationRequest struct {
	Validations []map[string]string `json:"validations"`
}

// PreviewRequest carries everything a single preview round-trip sends.
type PreviewRequest struct {
	CSVName    string
	CSV        []byte
	Validation ValidationRequest
	Component  string
}

// Field is one key of a result row, kept in the order the service sent it.
type Field struct {
	Name  string
	Value json.RawMessage
}

// Record is a JSON object whose key order is preserved.
type Record struct {
	Fields []Field
}

func NewRecord(pairs ...string) Record {
	var r Record
	for i := 0; i+1 < len(pairs); i += 2 {
		v, _ := json.Marshal(pairs[i+1])
		r.Fields = append(r.Fields, Field{Name: pairs[i], Value: v})
	}
	return r
}

func (r Record) Keys() []string {
	keys := make([]string, 0, len(r.Fields))
	for _, f := range r.Fields {
		keys = append(keys, f.Name)
	}
	return keys
}

// Text returns the display text of a field: strings unquoted, null and missing as "".
func (r Record) Text(name string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name != name {
			continue
		}
		res := gjson.ParseBytes(f.Value)
		switch res.Type {
		case gjson.String:
			return res.Str, true
		case gjson.Null:
			return "", true
		default:
			return res.Raw, true
		}
	}
	return "", false
}

func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(f.Value) == 0 {
			buf.WriteString("null")
		} else {
			buf.Write(f.Value)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Record) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	if res.Type == gjson.Null {
		r.Fields = nil
		return nil
	}
	if !res.IsObject() {
		return fmt.Errorf("record must be a JSON object")
	}
	r.Fields = r.Fields[:0]
	res.ForEach(func(key, value gjson.Result) bool {
		r.Fields = append(r.Fields, Field{Name: key.String(), Value: json.RawMessage(value.Raw)})
		return true
	})
	return nil
}

type InvalidRow struct {
	RowData       Record `json:"row_data"`
	FailureReason string `json:"failure_reason"`
	RowNumber     int    `json:"row_number"`
}

// ValidationResult is the opaque payload returned by the validation service.
type ValidationResult struct {
	PassedRows    []Record     `json:"passed_rows"`
	InvalidRows   []InvalidRow `json:"invalid_rows"`
	GeneratedCode string       `json:"generated_code,omitempty"`
}

type ResultSummary struct {
	Passed  int `json:"passed"`
	Invalid int `json:"invalid"`
}

func (r ValidationResult) Summary() ResultSummary {
	return ResultSummary{Passed: len(r.PassedRows), Invalid: len(r.InvalidRows)}
}

// MappingKey identifies one attribute mapping document.
type MappingKey struct {
	CustomerName  string `json:"customerName"`
	InstanceName  string `json:"instanceName"`
	ComponentName string `json:"componentName"`
}

type PreviewRun struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status" enum:"succeeded,failed"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
	Passed    int    `json:"passed"`
	Invalid   int    `json:"invalid"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
