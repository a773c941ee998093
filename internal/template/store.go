package template

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Store keeps templates as one JSON file per template under a per-household
// directory. Malformed files are skipped on load so one bad write never
// takes the household's template set down.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) householdDir(householdID string) string {
	safe := strings.NewReplacer("/", "_", "..", "_", " ", "_").Replace(householdID)
	return filepath.Join(s.root, safe)
}

func (s *Store) Save(tpl *Template) error {
	dir := s.householdDir(tpl.HouseholdID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(tpl, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, tpl.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load returns all templates for the household. A missing directory is an
// empty set.
func (s *Store) Load(householdID string) ([]*Template, error) {
	dir := s.householdDir(householdID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Template
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		blob, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var tpl Template
		if err := json.Unmarshal(blob, &tpl); err != nil {
			continue
		}
		if tpl.ID == "" {
			continue
		}
		out = append(out, &tpl)
	}
	return out, nil
}

func (s *Store) Delete(householdID, templateID string) error {
	err := os.Remove(filepath.Join(s.householdDir(householdID), templateID+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
