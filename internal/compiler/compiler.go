// Package compiler turns a rule list into the validation request sent to the
// remote validation service.
package compiler

import (
	"encoding/json"
	"fmt"
	"strings"

	"nlrstudio/internal/domain"
)

// GenericKey scopes rules when no primary attribute is selected.
const GenericKey = "_generic_rules"

// Joiner separates rules inside the single compiled condition.
const Joiner = " and "

// Compile drops blank rules and joins the rest under primary, or GenericKey
// when primary is empty. With no non-blank rule the validations list is empty.
func Compile(rules []string, primary string) domain.ValidationRequest {
	kept := NonBlank(rules)
	if len(kept) == 0 {
		return domain.ValidationRequest{Validations: []map[string]string{}}
	}
	key := primary
	if strings.TrimSpace(key) == "" {
		key = GenericKey
	}
	return domain.ValidationRequest{
		Validations: []map[string]string{{key: strings.Join(kept, Joiner)}},
	}
}

// NonBlank returns the trimmed rules that contain more than whitespace.
func NonBlank(rules []string) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		if t := strings.TrimSpace(r); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ResolvePrimary picks hint when it names a header, otherwise the first
// non-blank header. It returns "" for a header set with no usable name.
func ResolvePrimary(headers []string, hint string) string {
	if hint != "" {
		for _, h := range headers {
			if h == hint {
				return h
			}
		}
	}
	for _, h := range headers {
		if h != "" {
			return h
		}
	}
	return ""
}

// Encode renders the request the way it is uploaded as validation_rules.json.
func Encode(req domain.ValidationRequest) ([]byte, error) {
	if req.Validations == nil {
		req.Validations = []map[string]string{}
	}
	return json.MarshalIndent(req, "", "  ")
}

func Decode(data []byte) (domain.ValidationRequest, error) {
	var req domain.ValidationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return domain.ValidationRequest{}, fmt.Errorf("decode validation request: %w", err)
	}
	if req.Validations == nil {
		req.Validations = []map[string]string{}
	}
	return req, nil
}
