package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Settings represents the application configuration persisted to disk.
type Settings struct {
	Sources []SourceConfig  `json:"sources"`
	Fetch   FetchSettings   `json:"fetch"`
	Cache   CacheSettings   `json:"cache"`
	Resolve ResolveSettings `json:"resolve"`
	Refresh RefreshSettings `json:"refresh"`
	Log     LogConfig       `json:"log"`
}

// SourceConfig describes one configured guide source.
type SourceConfig struct {
	Name     string `json:"name,omitempty"` // optional explicit source key
	URL      string `json:"url"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"` // lower = processed first
}

// FetchSettings controls the document fetcher.
type FetchSettings struct {
	TimeoutSeconds int `json:"timeoutSeconds"`
	Retries        int `json:"retries"`
}

// Timeout returns the fetch timeout as a duration.
func (f FetchSettings) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// CacheSettings controls the on-disk guide cache.
type CacheSettings struct {
	Directory string `json:"directory"`
	TTLHours  int    `json:"ttlHours"`

	// ChannelCeiling and ShardSize decide inline vs chunked storage: a
	// source is chunked when its channel count exceeds ChannelCeiling or
	// its programs do not fit in a single shard. ShardSize doubles as the
	// parser's flush threshold.
	ChannelCeiling int `json:"channelCeiling"`
	ShardSize      int `json:"shardSize"`

	// CriticalSources lists source-key substrings that must materialize for
	// a full cache read to be accepted.
	CriticalSources []string `json:"criticalSources,omitempty"`

	// MaxSources bounds how many sources a run keeps resident in memory.
	MaxSources int `json:"maxSources"`

	// RetentionDays drops programs ending more than this many days in the
	// past or starting more than this many days ahead. 0 disables pruning.
	RetentionDays int `json:"retentionDays"`
}

// TTL returns the cache validity window as a duration.
func (c CacheSettings) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// ResolveSettings controls the identity resolution engine.
type ResolveSettings struct {
	// MinScore is the floor a fuzzy candidate must clear to count as a
	// match at all.
	MinScore float64 `json:"minScore"`
}

// RefreshSettings controls the background refresh loop.
type RefreshSettings struct {
	Enabled              bool `json:"enabled"`
	CheckIntervalSeconds int  `json:"checkIntervalSeconds"`
}

// CheckInterval returns how often the refresh loop looks for stale sources.
func (r RefreshSettings) CheckInterval() time.Duration {
	return time.Duration(r.CheckIntervalSeconds) * time.Second
}

// LogConfig represents logging configuration.
type LogConfig struct {
	File       string `json:"file"`
	Level      string `json:"level"`
	MaxSize    int    `json:"maxSize"`
	MaxAge     int    `json:"maxAge"`
	MaxBackups int    `json:"maxBackups"`
	Compress   bool   `json:"compress"`
}

// DefaultSettings returns the settings written when no config file exists.
func DefaultSettings() Settings {
	return Settings{
		Sources: []SourceConfig{
			{Name: "epgshare-all", URL: "https://epgshare01.online/epgshare01/epg_ripper_ALL_SOURCES1.xml.gz", Enabled: true, Priority: 0},
			{Name: "epg-pw-us", URL: "https://epg.pw/xmltv/epg_US.xml", Enabled: true, Priority: 1},
			{Name: "open-epg-sports", URL: "https://open-epg.com/files/sports1.xml", Enabled: true, Priority: 2},
		},
		Fetch: FetchSettings{TimeoutSeconds: 120, Retries: 3},
		Cache: CacheSettings{
			Directory:      "cache/guide",
			TTLHours:       24,
			ChannelCeiling: 10000,
			ShardSize:      100000,
			MaxSources:     8,
			RetentionDays:  7,
		},
		Resolve: ResolveSettings{MinScore: 0.35},
		Refresh: RefreshSettings{Enabled: true, CheckIntervalSeconds: 300},
		Log:     LogConfig{File: "", Level: "info", MaxSize: 10, MaxAge: 28, MaxBackups: 3, Compress: true},
	}
}

// Manager loads and saves the settings file.
type Manager struct {
	path string
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

// EnsureDir ensures the parent directory exists.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads the settings file from disk, creating it with defaults when
// missing. Missing numeric fields are backfilled with defaults so older
// config files keep working.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		defaults := DefaultSettings()
		if err := m.Save(defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()

	s := DefaultSettings()
	s.Sources = nil
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return Settings{}, err
	}
	applyFallbacks(&s)
	return s, nil
}

// Save writes settings atomically via a temp file rename.
func (m *Manager) Save(s Settings) error {
	if m.path == "" {
		return errors.New("config path not set")
	}
	if err := m.EnsureDir(); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.path)
}

func applyFallbacks(s *Settings) {
	d := DefaultSettings()
	if s.Fetch.TimeoutSeconds <= 0 {
		s.Fetch.TimeoutSeconds = d.Fetch.TimeoutSeconds
	}
	if s.Fetch.Retries <= 0 {
		s.Fetch.Retries = d.Fetch.Retries
	}
	if s.Cache.Directory == "" {
		s.Cache.Directory = d.Cache.Directory
	}
	if s.Cache.TTLHours <= 0 {
		s.Cache.TTLHours = d.Cache.TTLHours
	}
	if s.Cache.ChannelCeiling <= 0 {
		s.Cache.ChannelCeiling = d.Cache.ChannelCeiling
	}
	if s.Cache.ShardSize <= 0 {
		s.Cache.ShardSize = d.Cache.ShardSize
	}
	if s.Cache.MaxSources <= 0 {
		s.Cache.MaxSources = d.Cache.MaxSources
	}
	if s.Resolve.MinScore <= 0 {
		s.Resolve.MinScore = d.Resolve.MinScore
	}
	if s.Refresh.CheckIntervalSeconds <= 0 {
		s.Refresh.CheckIntervalSeconds = d.Refresh.CheckIntervalSeconds
	}
}
