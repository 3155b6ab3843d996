package script

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Parse errors.
var (
	ErrEmptyScript    = errors.New("script is empty or contains no valid lines")
	ErrMissingSpeaker = errors.New("first line must have a [Speaker] tag")
	ErrTooManyLines   = errors.New("script has too many lines")
)

var speakerTag = regexp.MustCompile(`^\[([^\]]+)\]\s*(.*)$`)

// Line is one spoken line.
type Line struct {
	// Number is the 1-based position among non-blank input lines.
	Number  int    `json:"number"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Script is a parsed multi-voice script.
type Script struct {
	Lines []Line
}

// Parse parses raw. maxLines <= 0 disables the line cap.
func Parse(raw string, maxLines int) (*Script, error) {
	var (
		lines   []Line
		speaker string
		number  int
	)

	for _, rawLine := range strings.Split(raw, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		number++
		if maxLines > 0 && number > maxLines {
			return nil, fmt.Errorf("%w: limit is %d", ErrTooManyLines, maxLines)
		}

		text := line
		if m := speakerTag.FindStringSubmatch(line); m != nil {
			speaker = strings.TrimSpace(m[1])
			text = strings.TrimSpace(m[2])
		}
		if speaker == "" {
			return nil, fmt.Errorf("line %d: %w", number, ErrMissingSpeaker)
		}
		if text == "" {
			continue
		}
		lines = append(lines, Line{Number: number, Speaker: speaker, Text: text})
	}

	if len(lines) == 0 {
		return nil, ErrEmptyScript
	}
	return &Script{Lines: lines}, nil
}

// CharCount is the number of characters charged for the script: the sum
// of the spoken text of every line.
func (s *Script) CharCount() int {
	n := 0
	for _, l := range s.Lines {
		n += utf8.RuneCountInString(l.Text)
	}
	return n
}

// Speakers returns the distinct speakers in order of first appearance.
func (s *Script) Speakers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range s.Lines {
		if !seen[l.Speaker] {
			seen[l.Speaker] = true
			out = append(out, l.Speaker)
		}
	}
	return out
}
