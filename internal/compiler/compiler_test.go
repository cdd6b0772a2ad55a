package compiler

import (
	"reflect"
	"strings"
	"testing"
)

func TestCompileDropsBlankRules(t *testing.T) {
	req := Compile([]string{"x > 5", "", "y contains z"}, "amount")
	want := []map[string]string{{"amount": "x > 5 and y contains z"}}
	if !reflect.DeepEqual(req.Validations, want) {
		t.Fatalf("unexpected validations %v", req.Validations)
	}
}

func TestCompileGenericKey(t *testing.T) {
	req := Compile([]string{"a", "b"}, "")
	want := []map[string]string{{GenericKey: "a and b"}}
	if !reflect.DeepEqual(req.Validations, want) {
		t.Fatalf("unexpected validations %v", req.Validations)
	}
}

func TestCompileAllBlank(t *testing.T) {
	req := Compile([]string{"", "   ", "\t"}, "amount")
	if req.Validations == nil || len(req.Validations) != 0 {
		t.Fatalf("expected empty non-nil validations, got %#v", req.Validations)
	}
	data, err := Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"validations": []`) {
		t.Fatalf("expected empty array in %s", data)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := Compile([]string{" x > 5 ", "y contains \"z\""}, "amount")
	data, err := Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), "\n  \"validations\"") {
		t.Fatalf("expected two-space indentation, got %s", data)
	}
	back, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(back, req) {
		t.Fatalf("round trip mismatch: %#v vs %#v", back, req)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestResolvePrimary(t *testing.T) {
	headers := []string{"", "PersonNumber", "Salary"}
	if got := ResolvePrimary(headers, "Salary"); got != "Salary" {
		t.Fatalf("expected hint, got %q", got)
	}
	if got := ResolvePrimary(headers, "Missing"); got != "PersonNumber" {
		t.Fatalf("expected first non-blank header, got %q", got)
	}
	if got := ResolvePrimary(nil, "x"); got != "" {
		t.Fatalf("expected empty primary, got %q", got)
	}
}
