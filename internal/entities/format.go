// Package entities holds the immutable, configuration-derived objects
// shared read-only by the watcher, parser, and writer: record formats,
// target tables, and the watched-file/watched-directory descriptors that
// bind a glob path to a format and a table. Nothing in this package refers
// back to any runtime object; all cross-references are resolved once, at
// construction time, and never mutated afterwards.
package entities

import (
	"fmt"
	"regexp"
)

// DefaultMaxLength is the default per-record buffer size in bytes.
const DefaultMaxLength = 10000

// MinMaxLength is the smallest buffer size a format may declare.
const MinMaxLength = 32

// Format describes how a file's appended bytes are segmented into records
// and how named fields are extracted from each record.
//
// Invariant: at least one of ReStarts/ReEnds is non-nil; if the
// configuration supplies neither, ReEnds defaults to a bare newline.
type Format struct {
	Name      string
	MaxLength int

	ReStarts *regexp.Regexp
	ReEnds   *regexp.Regexp
	ReValues *regexp.Regexp

	// Captures is the ordered list of named capture groups declared by
	// ReValues, in the order they appear in the pattern.
	Captures []string
}

// NewFormat compiles starts, ends, and values (re_starts, re_ends, re_values
// in spec terms) and validates the format invariants. maxlength <= 0 is
// replaced by DefaultMaxLength.
func NewFormat(name string, maxlength int, starts, ends, values string) (*Format, error) {
	if name == "" {
		return nil, fmt.Errorf("entities: format: name is required")
	}
	if maxlength <= 0 {
		maxlength = DefaultMaxLength
	}
	if maxlength < MinMaxLength {
		return nil, fmt.Errorf("entities: format %q: maxlength %d below minimum %d", name, maxlength, MinMaxLength)
	}
	if values == "" {
		return nil, fmt.Errorf("entities: format %q: values pattern is required", name)
	}
	if starts == "" && ends == "" {
		ends = `\n`
	}

	f := &Format{Name: name, MaxLength: maxlength}

	if starts != "" {
		re, err := regexp.Compile(starts)
		if err != nil {
			return nil, fmt.Errorf("entities: format %q: compile starts: %w", name, err)
		}
		f.ReStarts = re
	}
	if ends != "" {
		re, err := regexp.Compile(ends)
		if err != nil {
			return nil, fmt.Errorf("entities: format %q: compile ends: %w", name, err)
		}
		f.ReEnds = re
	}

	reValues, err := regexp.Compile(values)
	if err != nil {
		return nil, fmt.Errorf("entities: format %q: compile values: %w", name, err)
	}
	f.ReValues = reValues

	names := reValues.SubexpNames()
	for _, n := range names {
		if n != "" {
			f.Captures = append(f.Captures, n)
		}
	}
	if len(f.Captures) == 0 {
		return nil, fmt.Errorf("entities: format %q: values pattern has no named capture groups", name)
	}

	return f, nil
}

// CaptureIndex returns the index of name within Captures, and whether it
// was found.
func (f *Format) CaptureIndex(name string) (int, bool) {
	for i, c := range f.Captures {
		if c == name {
			return i, true
		}
	}
	return 0, false
}
