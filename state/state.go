// Package state persists small values between embed sessions in a YAML
// file, such as the digest of the image last programmed into each target.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// State is the decoded contents of a state file.
type State map[string]interface{}

// Store reads and writes one state file. Each update re-reads the file so
// sessions on other probes see each other's keys.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a store backed by path. The file is created on first write.
func Open(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Load returns the stored state, empty when the file does not exist.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(State), nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	if st == nil {
		st = make(State)
	}
	return st, nil
}

func (s *Store) save(st State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*")
	if err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// Get retrieves a value by key.
func (s *Store) Get(key string) (interface{}, bool, error) {
	st, err := s.Load()
	if err != nil {
		return nil, false, err
	}
	val, ok := st[key]
	return val, ok, nil
}

// GetString returns the string under key, or "" when it is missing or not
// a string.
func (s *Store) GetString(key string) (string, error) {
	val, ok, err := s.Get(key)
	if err != nil || !ok {
		return "", err
	}
	str, _ := val.(string)
	return str, nil
}

// Set stores value under key.
func (s *Store) Set(key string, value interface{}) error {
	return s.update(func(st State) { st[key] = value })
}

func (s *Store) update(fn func(State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	fn(st)
	return s.save(st)
}
