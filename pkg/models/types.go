package models

import (
	"fmt"
	"time"
)

// Metadata is the free-form, source or sink specific payload stored as JSON.
type Metadata map[string]any

// String returns the value stored at key as a string, or "".
func (m Metadata) String(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Scope is the key space over which pull completeness is tracked.
type Scope struct {
	ProjectID string
	SiteID    string
	SubjectID string
	Source    string
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", s.ProjectID, s.SiteID, s.SubjectID, s.Source)
}

// Pull is one successful retrieval of a file from a named source.
type Pull struct {
	Scope
	FilePath  string
	FileHash  string
	Duration  time.Duration
	Metadata  Metadata
	Timestamp time.Time
}

// Push is one successful delivery of a file to a named sink.
type Push struct {
	SinkID    string
	FilePath  string
	FileHash  string
	Duration  time.Duration
	Metadata  Metadata
	Timestamp time.Time
}
