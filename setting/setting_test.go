package setting

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sailfishos/statebus/eventloop"
)

func testSpecs() []Spec {
	return []Spec{
		{Key: "display/brightness", Type: TypeInt, Default: 60, Min: 1, Max: 100},
		{Key: "display/als_enabled", Type: TypeBool, Default: true},
		{Key: "usb/mode", Type: TypeString, Default: "charging"},
	}
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	s, err := NewStore(path, testSpecs(), nil, nil)
	require.NoError(t, err)
	return s, path
}

func TestDefaultsWithoutFile(t *testing.T) {
	s, _ := newTestStore(t)

	v, err := s.GetInt("display/brightness")
	require.NoError(t, err)
	assert.Equal(t, 60, v)

	b, err := s.GetBool("display/als_enabled")
	require.NoError(t, err)
	assert.True(t, b)

	str, err := s.GetString("usb/mode")
	require.NoError(t, err)
	assert.Equal(t, "charging", str)
}

func TestLoadOverlaysFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"display/brightness": 30,
		"display/als_enabled": false,
		"unknown/key": 1,
		"usb/mode": 5
	}`), 0o644))

	s, err := NewStore(path, testSpecs(), nil, nil)
	require.NoError(t, err)

	v, _ := s.GetInt("display/brightness")
	assert.Equal(t, 30, v)
	b, _ := s.GetBool("display/als_enabled")
	assert.False(t, b)

	// The wrongly typed value was dropped in favor of the default.
	str, _ := s.GetString("usb/mode")
	assert.Equal(t, "charging", str)
}

func TestCorruptFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := NewStore(path, testSpecs(), nil, nil)
	require.NoError(t, err)
	v, _ := s.GetInt("display/brightness")
	assert.Equal(t, 60, v)
}

func TestSetValidatesAndClamps(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Set("display/brightness", 80))
	v, _ := s.GetInt("display/brightness")
	assert.Equal(t, 80, v)

	// Out of range clamps instead of failing.
	require.NoError(t, s.Set("display/brightness", 900))
	v, _ = s.GetInt("display/brightness")
	assert.Equal(t, 100, v)

	assert.Error(t, s.Set("display/brightness", "bright"))
	assert.Error(t, s.Set("no/such/key", 1))
}

func TestTypedGetRejectsWrongType(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetBool("display/brightness")
	assert.Error(t, err)
	_, err = s.GetInt("no/such/key")
	assert.Error(t, err)
}

func TestResetRestoresDefault(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Set("usb/mode", "mtp"))
	require.NoError(t, s.Reset("usb/mode"))
	v, _ := s.GetString("usb/mode")
	assert.Equal(t, "charging", v)
}

func TestResetPrefixRestoresSubtree(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Set("display/brightness", 5))
	require.NoError(t, s.Set("display/als_enabled", false))
	require.NoError(t, s.Set("usb/mode", "mtp"))

	assert.Equal(t, 2, s.ResetPrefix("display/"))

	v, _ := s.GetInt("display/brightness")
	assert.Equal(t, 60, v)
	b, _ := s.GetBool("display/als_enabled")
	assert.True(t, b)
	str, _ := s.GetString("usb/mode")
	assert.Equal(t, "mtp", str, "keys outside the prefix keep their value")

	// A second pass finds nothing left to change.
	assert.Equal(t, 0, s.ResetPrefix("display/"))

	assert.Equal(t, 1, s.ResetPrefix(""), "empty prefix resets the whole store")
}

func TestSubscriberSeesChanges(t *testing.T) {
	s, _ := newTestStore(t)

	var got []any
	h, err := s.Subscribe("display/brightness", func(key string, value any) {
		got = append(got, value)
	})
	require.NoError(t, err)

	require.NoError(t, s.Set("display/brightness", 10))
	require.NoError(t, s.Set("display/brightness", 10)) // unchanged, silent
	require.NoError(t, s.Set("display/brightness", 20))
	assert.Equal(t, []any{10, 20}, got)

	s.Unsubscribe(h)
	require.NoError(t, s.Set("display/brightness", 30))
	assert.Len(t, got, 2)
}

func TestSaveWritesFileSynchronouslyWithoutLoop(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, s.Set("display/brightness", 42))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var file map[string]any
	require.NoError(t, json.Unmarshal(raw, &file))
	assert.Equal(t, float64(42), file["display/brightness"])
}

func TestWatchReloadsOnFileReplace(t *testing.T) {
	loop := eventloop.New(nil)
	require.NoError(t, loop.Start())
	defer func() { _ = loop.Stop() }()

	path := filepath.Join(t.TempDir(), "settings.json")
	var s *Store
	onLoop := func(t *testing.T, fn func()) {
		t.Helper()
		done := make(chan struct{})
		require.NoError(t, loop.Post(func() {
			fn()
			close(done)
		}))
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop task did not complete")
		}
	}

	onLoop(t, func() {
		var err error
		s, err = NewStore(path, testSpecs(), loop, nil)
		require.NoError(t, err)
		require.NoError(t, s.Watch())
	})
	defer func() { onLoop(t, func() { _ = s.Close() }) }()

	var seen []any
	onLoop(t, func() {
		_, err := s.Subscribe("display/brightness", func(key string, value any) {
			seen = append(seen, value)
		})
		require.NoError(t, err)
	})

	// Atomic replace, the way another process would edit the file.
	tmp := path + ".new"
	require.NoError(t, os.WriteFile(tmp, []byte(`{"display/brightness": 5}`), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		var hit bool
		onLoop(t, func() { hit = len(seen) > 0 })
		return hit
	}, 2*time.Second, 20*time.Millisecond)

	onLoop(t, func() {
		assert.Equal(t, []any{5}, seen)
		v, _ := s.GetInt("display/brightness")
		assert.Equal(t, 5, v)
	})
}
