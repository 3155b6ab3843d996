package script

import (
	"errors"
	"strings"
	"testing"
)

func TestParse_InheritsSpeaker(t *testing.T) {
	raw := `
[Gadis] Hello, welcome to our podcast
[Ardi] Thank you for having me

This line also belongs to Ardi
[Gadis]   Let's start
`
	s, err := Parse(raw, 0)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	want := []Line{
		{Number: 1, Speaker: "Gadis", Text: "Hello, welcome to our podcast"},
		{Number: 2, Speaker: "Ardi", Text: "Thank you for having me"},
		{Number: 3, Speaker: "Ardi", Text: "This line also belongs to Ardi"},
		{Number: 4, Speaker: "Gadis", Text: "Let's start"},
	}
	if len(s.Lines) != len(want) {
		t.Fatalf("Expected %d lines, got %d", len(want), len(s.Lines))
	}
	for i := range want {
		if s.Lines[i] != want[i] {
			t.Errorf("Line %d: expected %+v, got %+v", i, want[i], s.Lines[i])
		}
	}

	speakers := s.Speakers()
	if len(speakers) != 2 || speakers[0] != "Gadis" || speakers[1] != "Ardi" {
		t.Errorf("Expected [Gadis Ardi], got %v", speakers)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		maxLines int
		want     error
	}{
		{"empty", "   \n\n", 0, ErrEmptyScript},
		{"only tags", "[A]\n[B]", 0, ErrEmptyScript},
		{"untagged first line", "hello\n[A] hi", 0, ErrMissingSpeaker},
		{"too many lines", "[A] one\ntwo\nthree", 2, ErrTooManyLines},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw, tt.maxLines)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestScript_CharCountUsesRunes(t *testing.T) {
	s, err := Parse("[A] héllo\n[B] "+strings.Repeat("x", 10), 0)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got := s.CharCount(); got != 15 {
		t.Errorf("Expected 15 chars, got %d", got)
	}
}
