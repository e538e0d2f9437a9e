package models

import (
	"time"
)

// Stage identifies which phase of source processing a progress event
// belongs to.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageParse   Stage = "parse"
	StagePersist Stage = "persist"
	StageDone    Stage = "done"
)

// Event is one progress notification published during an ingestion job.
type Event struct {
	JobID    string  `json:"jobId"`
	Source   string  `json:"source,omitempty"`
	Stage    Stage   `json:"stage"`
	Percent  float64 `json:"percent"`
	Message  string  `json:"message,omitempty"`
	Channels int     `json:"channels,omitempty"`
	Programs int     `json:"programs,omitempty"`
	Terminal bool    `json:"terminal,omitempty"`
	Err      string  `json:"error,omitempty"`
}

// SourceResult describes one source that was ingested successfully.
type SourceResult struct {
	Key      string        `json:"key"`
	URL      string        `json:"url"`
	Channels int           `json:"channels"`
	Programs int           `json:"programs"`
	Dropped  int           `json:"dropped,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"` // cache entry still valid, not refetched
	Elapsed  time.Duration `json:"elapsed"`
}

// SourceFailure describes one source that could not be ingested. Failures
// never abort the run; they are collected and reported alongside successes.
type SourceFailure struct {
	Key string `json:"key"`
	URL string `json:"url"`
	Err string `json:"error"`
}

// Report is the terminal summary of an ingestion job. A run with at least
// one success and some failures is a success-with-warnings, not an error.
type Report struct {
	JobID    string          `json:"jobId"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
	Sources  []SourceResult  `json:"sources"`
	Failures []SourceFailure `json:"failures,omitempty"`
	Channels int             `json:"channels"`
	Programs int             `json:"programs"`
}
