package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	mgr := NewManager(path)

	s, err := mgr.Load()
	require.NoError(t, err)

	assert.NotEmpty(t, s.Sources)
	assert.Equal(t, 120, s.Fetch.TimeoutSeconds)
	assert.Equal(t, 24, s.Cache.TTLHours)

	// The file must now exist on disk.
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	mgr := NewManager(path)

	want := DefaultSettings()
	want.Sources = []SourceConfig{
		{Name: "primary", URL: "https://example.com/guide.xml.gz", Enabled: true, Priority: 1},
		{URL: "https://example.com/extra.xml", Enabled: false, Priority: 2},
	}
	want.Cache.CriticalSources = []string{"primary"}
	want.Resolve.MinScore = 0.5
	require.NoError(t, mgr.Save(want))

	got, err := mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadBackfillsZeroValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sources":[{"url":"https://example.com/a.xml","enabled":true}]}`), 0o644))

	s, err := NewManager(path).Load()
	require.NoError(t, err)

	d := DefaultSettings()
	assert.Len(t, s.Sources, 1)
	assert.Equal(t, d.Fetch.TimeoutSeconds, s.Fetch.TimeoutSeconds)
	assert.Equal(t, d.Cache.ShardSize, s.Cache.ShardSize)
	assert.Equal(t, d.Cache.ChannelCeiling, s.Cache.ChannelCeiling)
	assert.Equal(t, d.Resolve.MinScore, s.Resolve.MinScore)
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewManager(path).Load()
	assert.Error(t, err)
}
