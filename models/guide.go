package models

import (
	"time"
)

// DisplayName is one human-readable name for a channel, optionally tagged
// with a BCP-47 language. Channels commonly carry several variants.
type DisplayName struct {
	Text string `json:"text"`
	Lang string `json:"lang,omitempty"`
}

// Channel is one broadcast channel as declared by a guide source. The ID is
// source-local: the same string may mean different channels in unrelated
// sources.
type Channel struct {
	ID           string        `json:"id"`
	DisplayNames []DisplayName `json:"displayNames,omitempty"`
	Icon         string        `json:"icon,omitempty"`
}

// Name returns the first non-empty display name, or the channel ID when the
// source declared none.
func (c Channel) Name() string {
	for _, dn := range c.DisplayNames {
		if dn.Text != "" {
			return dn.Text
		}
	}
	return c.ID
}

// Program is a single scheduled broadcast. It references its channel by ID
// rather than by pointer so programs can be stored and sharded independently
// of the channel list.
type Program struct {
	ChannelID   string    `json:"channelId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	Stop        time.Time `json:"stop"`
	Categories  []string  `json:"categories,omitempty"`
}

// StorageMode records how a source was persisted.
type StorageMode string

const (
	StorageInline  StorageMode = "inline"
	StorageChunked StorageMode = "chunked"
)

// Source holds the complete parsed data for one guide source. A refresh
// builds a new Source and supersedes the old one; Sources are never mutated
// in place once published.
type Source struct {
	Key       string    `json:"key"`
	URL       string    `json:"url,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`

	Channels []Channel `json:"channels"`
	Programs []Program `json:"programs"`

	// ChannelMap maps normalized lookup keys to channel IDs. It is a cache
	// of a pure function over Channels: rebuilt on every load, never treated
	// as authoritative.
	ChannelMap map[string]string `json:"channelMap,omitempty"`

	// ProgramMap maps a channel ID to the indices of its programs within
	// Programs. Optional; lookups fall back to a linear scan without it.
	ProgramMap map[string][]int `json:"programMap,omitempty"`
}

// ChannelCount returns the number of channels in the source.
func (s *Source) ChannelCount() int { return len(s.Channels) }

// ProgramCount returns the number of programs in the source.
func (s *Source) ProgramCount() int { return len(s.Programs) }

// BuildProgramMap rebuilds ProgramMap from Programs.
func (s *Source) BuildProgramMap() {
	m := make(map[string][]int, len(s.Channels))
	for i, p := range s.Programs {
		m[p.ChannelID] = append(m[p.ChannelID], i)
	}
	s.ProgramMap = m
}

// ChannelRef names one channel within one source, the unit a resolved match
// points at.
type ChannelRef struct {
	SourceKey string `json:"sourceKey"`
	ChannelID string `json:"channelId"`
}

// Match is one candidate channel for a resolution query.
type Match struct {
	Ref          ChannelRef `json:"ref"`
	Channel      Channel    `json:"channel"`
	Score        float64    `json:"score"`
	ProgramCount int        `json:"programCount"`
}

// Resolution is the answer to a resolve query: the best match plus ranked
// alternates. Best is nil when nothing cleared the score floor.
type Resolution struct {
	Best       *Match  `json:"best,omitempty"`
	Alternates []Match `json:"alternates,omitempty"`
}
