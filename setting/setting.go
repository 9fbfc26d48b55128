// Package setting is the daemon's persistent configuration store: a flat
// set of typed keys with declared defaults, saved as JSON and reloaded when
// the file changes on disk.
package setting

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/tomb.v2"

	"github.com/sailfishos/statebus/errors"
	"github.com/sailfishos/statebus/eventloop"
)

// Type is the value type of a settings key.
type Type int

const (
	// TypeBool holds a boolean value
	TypeBool Type = iota
	// TypeInt holds an integer value
	TypeInt
	// TypeString holds a string value
	TypeString
)

// String returns the string representation of Type
func (t Type) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeString:
		return "string"
	default:
		return "unknown"
	}
}

// Spec declares a settings key. Keys not declared are rejected; stray file
// content for unknown keys is dropped on load.
type Spec struct {
	Key     string
	Type    Type
	Default any

	// Min and Max clamp integer values when Max > Min.
	Min int
	Max int
}

// ChangeFunc observes one key's value changes.
type ChangeFunc func(key string, value any)

// Handle identifies a subscription for removal.
type Handle uint64

type subscription struct {
	id  Handle
	key string
	fn  ChangeFunc
}

// saveDelay batches rapid successive writes into one file update.
const saveDelay = 500 * time.Millisecond

// Store holds the current values. Loop-confined: values are read and
// written on the event loop only, and file-change reloads are injected
// there. With a nil loop (tests, tools) saves are synchronous and Watch is
// unavailable.
type Store struct {
	path  string
	specs map[string]Spec

	values map[string]any
	subs   []subscription
	nextID Handle

	loop *eventloop.Loop
	log  *slog.Logger

	saveQueued bool
	watcher    *fsnotify.Watcher
	t          tomb.Tomb
}

// NewStore loads the file, overlaying declared defaults with whatever valid
// values it holds. A missing file is a normal first boot.
func NewStore(path string, specs []Spec, loop *eventloop.Loop, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		path:   path,
		specs:  make(map[string]Spec, len(specs)),
		values: make(map[string]any, len(specs)),
		loop:   loop,
		log:    log.With("component", "setting"),
	}
	for _, spec := range specs {
		if _, err := s.coerce(spec, spec.Default); err != nil {
			return nil, errors.Wrap(err, "Store", "NewStore", "default validation")
		}
		s.specs[spec.Key] = spec
		s.values[spec.Key] = spec.Default
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the current value of a key.
func (s *Store) Get(key string) (any, error) {
	v, ok := s.values[key]
	if !ok {
		return nil, errors.Wrap(fmt.Errorf("%w: %s", errors.ErrUnknownKey, key),
			"Store", "Get", "key lookup")
	}
	return v, nil
}

// GetInt returns an integer key's value.
func (s *Store) GetInt(key string) (int, error) {
	v, err := s.typed(key, TypeInt, "GetInt")
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// GetBool returns a boolean key's value.
func (s *Store) GetBool(key string) (bool, error) {
	v, err := s.typed(key, TypeBool, "GetBool")
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// GetString returns a string key's value.
func (s *Store) GetString(key string) (string, error) {
	v, err := s.typed(key, TypeString, "GetString")
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) typed(key string, want Type, op string) (any, error) {
	spec, ok := s.specs[key]
	if !ok {
		return nil, errors.Wrap(fmt.Errorf("%w: %s", errors.ErrUnknownKey, key),
			"Store", op, "key lookup")
	}
	if spec.Type != want {
		return nil, errors.Wrap(fmt.Errorf("%w: %s is %s", errors.ErrTypeMismatch, key, spec.Type),
			"Store", op, "type check")
	}
	return s.values[key], nil
}

// Set updates a key. The value must match the declared type; integers are
// clamped to the declared range. Subscribers run synchronously, a save is
// scheduled.
func (s *Store) Set(key string, value any) error {
	spec, ok := s.specs[key]
	if !ok {
		return errors.Wrap(fmt.Errorf("%w: %s", errors.ErrUnknownKey, key),
			"Store", "Set", "key lookup")
	}
	v, err := s.coerce(spec, value)
	if err != nil {
		return errors.Wrap(err, "Store", "Set", "value check")
	}
	s.apply(key, v)
	return nil
}

// Reset restores a key to its declared default.
func (s *Store) Reset(key string) error {
	spec, ok := s.specs[key]
	if !ok {
		return errors.Wrap(fmt.Errorf("%w: %s", errors.ErrUnknownKey, key),
			"Store", "Reset", "key lookup")
	}
	s.apply(key, spec.Default)
	return nil
}

// ResetPrefix restores every key sharing the given prefix to its declared
// default. An empty prefix resets the whole store. Returns the number of
// keys whose value actually changed.
func (s *Store) ResetPrefix(prefix string) int {
	n := 0
	for _, key := range s.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if s.values[key] != s.specs[key].Default {
			n++
		}
		s.apply(key, s.specs[key].Default)
	}
	return n
}

// All returns a copy of every key's current value.
func (s *Store) All() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Keys returns the declared keys, sorted.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.specs))
	for k := range s.specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Subscribe observes changes to one key.
func (s *Store) Subscribe(key string, fn ChangeFunc) (Handle, error) {
	if _, ok := s.specs[key]; !ok {
		return 0, errors.Wrap(fmt.Errorf("%w: %s", errors.ErrUnknownKey, key),
			"Store", "Subscribe", "key lookup")
	}
	s.nextID++
	s.subs = append(s.subs, subscription{id: s.nextID, key: key, fn: fn})
	return s.nextID, nil
}

// Unsubscribe removes a subscription.
func (s *Store) Unsubscribe(h Handle) {
	for i := range s.subs {
		if s.subs[i].id == h {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// Watch starts reloading the store when the backing file changes. The
// watch covers the directory so an atomic replace of the file is seen.
func (s *Store) Watch() error {
	if s.loop == nil {
		return errors.Wrap(errors.ErrNotStarted, "Store", "Watch", "loop check")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "Store", "Watch", "watcher create")
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "Store", "Watch", "directory watch")
	}
	s.watcher = w
	s.t.Go(s.pumpEvents)
	return nil
}

// Close stops the watcher and flushes a pending save.
func (s *Store) Close() error {
	if s.watcher != nil {
		s.t.Kill(nil)
		err := s.watcher.Close()
		_ = s.t.Wait()
		s.watcher = nil
		if err != nil {
			return errors.Wrap(err, "Store", "Close", "watcher close")
		}
	}
	if s.saveQueued {
		s.saveQueued = false
		s.save()
	}
	return nil
}

func (s *Store) pumpEvents() error {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			_ = s.loop.Inject(s.reload)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("settings watch error", "error", err)
		case <-s.t.Dying():
			return nil
		}
	}
}

// reload re-reads the file and applies changed values through the normal
// notification path. Unchanged keys stay silent, so reloading our own save
// is a no-op.
func (s *Store) reload() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("settings reload failed", "error", err)
		}
		return
	}
	var file map[string]any
	if err := json.Unmarshal(raw, &file); err != nil {
		s.log.Warn("settings file is not valid JSON; keeping current values", "error", err)
		return
	}
	s.log.Info("settings file changed on disk; reloading")
	for key, rawValue := range file {
		spec, ok := s.specs[key]
		if !ok {
			s.log.Debug("ignoring unknown settings key", "key", key)
			continue
		}
		v, err := s.coerce(spec, rawValue)
		if err != nil {
			s.log.Warn("ignoring invalid settings value", "key", key, "error", err)
			continue
		}
		if s.values[key] != v {
			s.values[key] = v
			s.notify(key, v)
		}
	}
}

func (s *Store) apply(key string, v any) {
	if s.values[key] == v {
		return
	}
	s.values[key] = v
	s.notify(key, v)
	s.scheduleSave()
}

func (s *Store) notify(key string, v any) {
	// Index loop: a subscriber may subscribe or unsubscribe from inside
	// its callback.
	for i := 0; i < len(s.subs); i++ {
		sub := s.subs[i]
		if sub.key == key {
			sub.fn(key, v)
		}
	}
}

func (s *Store) scheduleSave() {
	if s.loop == nil {
		s.save()
		return
	}
	if s.saveQueued {
		return
	}
	s.saveQueued = true
	_, err := s.loop.PostDelayed(saveDelay, func() {
		s.saveQueued = false
		s.save()
	})
	if err != nil {
		s.saveQueued = false
		s.save()
	}
}

// save writes the file atomically via a sibling temp file.
func (s *Store) save() {
	raw, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		s.log.Error("settings serialization failed", "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o644); err != nil {
		s.log.Warn("settings save failed", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Warn("settings save failed", "path", s.path, "error", err)
		return
	}
	s.log.Debug("settings saved", "path", s.path)
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Info("no settings file; using defaults", "path", s.path)
			return nil
		}
		return errors.Wrap(err, "Store", "load", "file read")
	}
	var file map[string]any
	if err := json.Unmarshal(raw, &file); err != nil {
		// A corrupt file must not keep the daemon from starting.
		s.log.Warn("settings file is not valid JSON; using defaults", "error", err)
		return nil
	}
	for key, rawValue := range file {
		spec, ok := s.specs[key]
		if !ok {
			s.log.Debug("dropping unknown settings key", "key", key)
			continue
		}
		v, err := s.coerce(spec, rawValue)
		if err != nil {
			s.log.Warn("dropping invalid settings value", "key", key, "error", err)
			continue
		}
		s.values[key] = v
	}
	return nil
}

// coerce validates a candidate value against the spec, converting JSON
// numbers and clamping integers to the declared range.
func (s *Store) coerce(spec Spec, value any) (any, error) {
	switch spec.Type {
	case TypeBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case TypeInt:
		var n int
		switch v := value.(type) {
		case int:
			n = v
		case int32:
			n = int(v)
		case int64:
			n = int(v)
		case float64:
			n = int(v)
		default:
			return nil, fmt.Errorf("%w: %s wants int, got %T", errors.ErrTypeMismatch, spec.Key, value)
		}
		if spec.Max > spec.Min {
			if n < spec.Min {
				n = spec.Min
			}
			if n > spec.Max {
				n = spec.Max
			}
		}
		return n, nil
	case TypeString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s wants %s, got %T", errors.ErrTypeMismatch, spec.Key, spec.Type, value)
}
