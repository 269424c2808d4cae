package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"calview/internal/atomicfile"
	"calview/internal/model"
)

type stateFile struct {
	Calendars []model.Calendar `yaml:"calendars"`
}

// Save writes every calendar to path as YAML.
func (s *Store) Save(path string) error {
	state := stateFile{Calendars: s.Calendars()}
	data, err := yaml.Marshal(&state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return atomicfile.Write(path, data, 0o600)
}

// Load replaces the store's content with the calendars saved at path. A
// missing file leaves the store empty and is not an error.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	var state stateFile
	if err := yaml.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse state %s: %w", path, err)
	}

	cals := make([]*model.Calendar, 0, len(state.Calendars))
	for i := range state.Calendars {
		c := state.Calendars[i]
		if err := validateCalendar(&c); err != nil {
			return fmt.Errorf("state %s: %w", path, err)
		}
		cals = append(cals, &c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendars = cals
	s.revisions = make(map[string]uint64, len(cals))
	for _, c := range cals {
		s.bump(c.ID)
	}
	return nil
}
