package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"abc-123", "abc-123", true},
		{"  padded.id  ", "padded.id", true},
		{"trace:span_7", "trace:span_7", true},
		{"", "", false},
		{"   ", "", false},
		{"has space", "", false},
		{"emojié", "", false},
		{strings.Repeat("a", MaxIDLength), strings.Repeat("a", MaxIDLength), true},
		{strings.Repeat("a", MaxIDLength+1), "", false},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Normalize(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSetAndID(t *testing.T) {
	ctx := Set(context.Background(), "req-1")
	if !Has(ctx) || ID(ctx) != "req-1" {
		t.Fatalf("expected req-1 on context, got %q", ID(ctx))
	}

	// An unacceptable value leaves the context untouched.
	same := Set(ctx, "bad value!")
	if ID(same) != "req-1" {
		t.Fatalf("invalid id replaced the stored one: %q", ID(same))
	}
}

func TestIDOnEmptyContext(t *testing.T) {
	if ID(context.Background()) != "" || Has(context.Background()) {
		t.Fatalf("expected no correlation id on a fresh context")
	}
}

func TestGenerateIsNormalizable(t *testing.T) {
	id := Generate()
	if normalized, ok := Normalize(id); !ok || normalized != id {
		t.Fatalf("generated id %q did not survive normalization", id)
	}
}
