// Package session persists pipeline progress so an interrupted run can resume.
package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
)

// Session records which pipeline steps have completed and what each produced.
type Session struct {
	path           string
	CompletedSteps []string                   `json:"completed_steps"`
	StepOutputs    map[string]json.RawMessage `json:"step_outputs"`
}

// New returns an empty session bound to path.
func New(path string) *Session {
	return &Session{
		path:           path,
		CompletedSteps: []string{},
		StepOutputs:    map[string]json.RawMessage{},
	}
}

// Load reads the session at path. A missing or unreadable file, or one that
// is not valid JSON, yields an empty session.
func Load(path string) *Session {
	data, err := os.ReadFile(path)
	if err != nil {
		return New(path)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return New(path)
	}
	s.path = path
	if s.CompletedSteps == nil {
		s.CompletedSteps = []string{}
	}
	if s.StepOutputs == nil {
		s.StepOutputs = map[string]json.RawMessage{}
	}
	return &s
}

// Path returns the file the session is saved to.
func (s *Session) Path() string {
	return s.path
}

// IsCompleted reports whether name has been marked completed.
func (s *Session) IsCompleted(name string) bool {
	return slices.Contains(s.CompletedSteps, name)
}

// MarkCompleted records name as completed, stores outputs under name when
// non-nil, and saves. Save errors are dropped: losing the checkpoint only
// means the step runs again next time.
func (s *Session) MarkCompleted(name string, outputs any) {
	if !s.IsCompleted(name) {
		s.CompletedSteps = append(s.CompletedSteps, name)
	}
	if outputs != nil {
		if raw, err := json.Marshal(outputs); err == nil {
			s.StepOutputs[name] = raw
		}
	}
	_ = s.Save()
}

// Output decodes the stored output of name into v. It reports false when no
// output was stored.
func (s *Session) Output(name string, v any) (bool, error) {
	raw, ok := s.StepOutputs[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, err
	}
	return true, nil
}

// Save writes the session to its path atomically, creating parent
// directories as needed.
func (s *Session) Save() error {
	if s.path == "" {
		return errors.New("session has no path")
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// Reset clears the in-memory state and removes the session file.
func (s *Session) Reset() error {
	s.CompletedSteps = []string{}
	s.StepOutputs = map[string]json.RawMessage{}
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
