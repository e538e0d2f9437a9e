// Package resolve reconciles heterogeneous channel-naming conventions: it
// builds normalized multi-key lookup structures per guide source and
// resolves arbitrary caller-supplied identifiers to the best-matching
// channel, with a fuzzy fallback and ranked alternates.
package resolve

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"guidecache/models"
)

const (
	defaultMinScore = 0.35
	maxAlternates   = 10

	// fuzzy scores are clamped below 1.0 so an exact key hit always wins
	fuzzyScoreCap = 0.99
)

// Engine answers resolution queries over a registry of loaded sources. The
// registry is explicit and owned by whoever constructs the engine; nothing
// is discovered through global state.
type Engine struct {
	minScore float64

	mu      sync.RWMutex
	sources map[string]*indexedSource
}

type indexedSource struct {
	src          *models.Source
	keys         map[string]string // normalized lookup key -> channel ID
	byID         map[string]int    // channel ID -> index into src.Channels
	programCount map[string]int    // channel ID -> number of programs
}

// NewEngine creates an empty engine. minScore gates whether a fuzzy
// candidate counts as a match at all; non-positive selects the default.
func NewEngine(minScore float64) *Engine {
	if minScore <= 0 {
		minScore = defaultMinScore
	}
	return &Engine{
		minScore: minScore,
		sources:  make(map[string]*indexedSource),
	}
}

// AddSource registers a source, rebuilding its lookup map. The map is a
// cache of a pure function over the channel list, so it is always derived
// fresh here; any persisted copy is advisory only. Re-adding a key
// supersedes the previous source.
func (e *Engine) AddSource(src *models.Source) {
	keys := KeyMap(src.Channels)
	src.ChannelMap = keys

	byID := make(map[string]int, len(src.Channels))
	for i, ch := range src.Channels {
		byID[ch.ID] = i
	}

	counts := make(map[string]int, len(src.Channels))
	if src.ProgramMap != nil {
		for id, idxs := range src.ProgramMap {
			counts[id] = len(idxs)
		}
	} else {
		for _, p := range src.Programs {
			counts[p.ChannelID]++
		}
	}

	e.mu.Lock()
	e.sources[src.Key] = &indexedSource{src: src, keys: keys, byID: byID, programCount: counts}
	e.mu.Unlock()
}

// RemoveSource drops a source from the registry.
func (e *Engine) RemoveSource(key string) {
	e.mu.Lock()
	delete(e.sources, key)
	e.mu.Unlock()
}

// SourceKeys returns the registered source keys, sorted.
func (e *Engine) SourceKeys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.sources))
	for k := range e.sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve maps a caller-supplied identifier to the best-matching channel.
// An exact lookup-key hit wins outright with score 1.0 and skips the fuzzy
// pass; otherwise candidates are scored by token overlap and returned
// ranked, best first.
func (e *Engine) Resolve(query string) models.Resolution {
	query = strings.TrimSpace(query)
	if query == "" {
		return models.Resolution{}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if m := e.exact(query); m != nil {
		return models.Resolution{Best: m}
	}
	return e.fuzzy(query)
}

// exact runs the verbatim lookup pass. A "prefix.localId"-shaped query is
// first tried against sources whose key contains the prefix.
func (e *Engine) exact(query string) *models.Match {
	keys := e.sortedKeys()

	if dot := strings.Index(query, "."); dot > 0 && dot < len(query)-1 {
		prefix := strings.ToLower(query[:dot])
		local := query[dot+1:]
		for _, key := range keys {
			if !strings.Contains(strings.ToLower(key), prefix) {
				continue
			}
			is := e.sources[key]
			if m := is.lookup(query); m != nil {
				return m
			}
			if m := is.lookup(local); m != nil {
				return m
			}
		}
	}

	for _, key := range keys {
		if m := e.sources[key].lookup(query); m != nil {
			return m
		}
	}
	return nil
}

func (e *Engine) sortedKeys() []string {
	keys := make([]string, 0, len(e.sources))
	for k := range e.sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lookup tries the query through the same variant set channels register
// under, so differently-normalized spellings of one identifier converge.
func (is *indexedSource) lookup(q string) *models.Match {
	var id string
	ok := false
	for _, v := range variants(q) {
		if id, ok = is.keys[v]; ok {
			break
		}
	}
	if !ok {
		return nil
	}
	idx, ok := is.byID[id]
	if !ok {
		return nil
	}
	return &models.Match{
		Ref:          models.ChannelRef{SourceKey: is.src.Key, ChannelID: id},
		Channel:      is.src.Channels[idx],
		Score:        1.0,
		ProgramCount: is.programCount[id],
	}
}

// fuzzy runs the token-overlap fallback across every channel of every
// source, ranking by score, then program count (a better-populated channel
// is the likelier answer), then edit distance to the query.
func (e *Engine) fuzzy(query string) models.Resolution {
	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return models.Resolution{}
	}
	qCollapsed := collapseKey(query)

	type ranked struct {
		match models.Match
		lev   int
	}
	var candidates []ranked

	for _, key := range e.sortedKeys() {
		is := e.sources[key]
		for i, ch := range is.src.Channels {
			score := scoreChannel(qTokens, qCollapsed, ch)
			if score < e.minScore {
				continue
			}
			if score > fuzzyScoreCap {
				score = fuzzyScoreCap
			}
			candidates = append(candidates, ranked{
				match: models.Match{
					Ref:          models.ChannelRef{SourceKey: key, ChannelID: ch.ID},
					Channel:      is.src.Channels[i],
					Score:        score,
					ProgramCount: is.programCount[ch.ID],
				},
				lev: fuzzy.LevenshteinDistance(strings.ToLower(query), strings.ToLower(ch.ID)),
			})
		}
	}

	if len(candidates) == 0 {
		return models.Resolution{}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.match.Score != b.match.Score {
			return a.match.Score > b.match.Score
		}
		if a.match.ProgramCount != b.match.ProgramCount {
			return a.match.ProgramCount > b.match.ProgramCount
		}
		return a.lev < b.lev
	})

	res := models.Resolution{Best: &candidates[0].match}
	for _, c := range candidates[1:] {
		res.Alternates = append(res.Alternates, c.match)
		if len(res.Alternates) >= maxAlternates {
			break
		}
	}
	return res
}

// ProgramsFor returns the programs for a resolved channel overlapping the
// [from, to) window. Zero window bounds disable that side of the filter.
// The per-channel index is preferred; without it the source's full program
// list is scanned, the documented slow path.
func (e *Engine) ProgramsFor(ref models.ChannelRef, from, to time.Time) []models.Program {
	e.mu.RLock()
	defer e.mu.RUnlock()

	is, ok := e.sources[ref.SourceKey]
	if !ok {
		return nil
	}
	src := is.src

	inWindow := func(p models.Program) bool {
		if !from.IsZero() && !p.Stop.After(from) {
			return false
		}
		if !to.IsZero() && !p.Start.Before(to) {
			return false
		}
		return true
	}

	var out []models.Program
	if src.ProgramMap != nil {
		for _, idx := range src.ProgramMap[ref.ChannelID] {
			if idx < 0 || idx >= len(src.Programs) {
				continue
			}
			if p := src.Programs[idx]; inWindow(p) {
				out = append(out, p)
			}
		}
		return out
	}

	// Slow path: no program index for this source.
	for _, p := range src.Programs {
		if p.ChannelID == ref.ChannelID && inWindow(p) {
			out = append(out, p)
		}
	}
	return out
}

// --- fuzzy scoring ---

var qualitySuffixes = map[string]bool{
	"hd": true, "sd": true, "fhd": true, "uhd": true, "4k": true,
}

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

// tokenize normalizes an identifier for fuzzy comparison: lowercase, split
// on whitespace/dot/dash/underscore, discard quality suffixes and tokens of
// length <= 2 (which also sheds two-letter country prefixes).
func tokenize(s string) []string {
	parts := tokenSplit.Split(strings.ToLower(s), -1)
	out := parts[:0]
	for _, t := range parts {
		if len(t) <= 2 || qualitySuffixes[t] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// scoreChannel scores one candidate channel against the query tokens.
// The base score is the best token overlap across the channel's id and
// display names; matching both the id and a name earns a bonus, and
// recognized sports-network or league keywords add boosts that can raise a
// real token match but never create one from nothing.
func scoreChannel(qTokens []string, qCollapsed string, ch models.Channel) float64 {
	idScore := scoreField(qTokens, ch.ID)

	nameScore := 0.0
	for _, dn := range ch.DisplayNames {
		if s := scoreField(qTokens, dn.Text); s > nameScore {
			nameScore = s
		}
	}

	score := idScore
	if nameScore > score {
		score = nameScore
	}
	if score == 0 {
		return 0
	}
	if idScore > 0 && nameScore > 0 {
		score += 0.1
	}
	score += domainBoost(qCollapsed, ch)
	return score
}

// scoreField returns the best (matched-token-length / field-length) ratio
// over all token pairs between the query and the field.
func scoreField(qTokens []string, field string) float64 {
	fTokens := tokenize(field)
	if len(fTokens) == 0 {
		return 0
	}
	fieldLen := 0
	for _, t := range fTokens {
		fieldLen += len(t)
	}

	best := 0.0
	for _, qt := range qTokens {
		for _, ft := range fTokens {
			matched := 0
			switch {
			case qt == ft:
				matched = len(ft)
			case len(qt) >= 3 && strings.Contains(ft, qt):
				matched = len(qt)
			case len(ft) >= 3 && strings.Contains(qt, ft):
				matched = len(ft)
			}
			if matched == 0 {
				continue
			}
			if s := float64(matched) / float64(fieldLen); s > best {
				best = s
			}
		}
	}
	return best
}

// Sports network name fragments and league keywords whose co-occurrence on
// both sides of a comparison indicates the same channel family.
var (
	sportsNetworks = []string{
		"espn", "foxsports", "fs1", "fs2", "nbcsn", "tsn", "skysport",
		"btsport", "tudn", "sportsnet", "nflnetwork", "mlbnetwork", "nbatv",
	}
	leagueKeywords = []string{"nfl", "nba", "mlb", "nhl", "mls", "ufc", "epl"}
)

func domainBoost(qCollapsed string, ch models.Channel) float64 {
	cand := collapseKey(ch.ID)
	for _, dn := range ch.DisplayNames {
		cand += "_" + collapseKey(dn.Text)
	}
	qFlat := strings.ReplaceAll(qCollapsed, "_", "")
	cFlat := strings.ReplaceAll(cand, "_", "")

	boost := 0.0
	for _, net := range sportsNetworks {
		if strings.Contains(qFlat, net) && strings.Contains(cFlat, net) {
			boost += 0.15
			break
		}
	}
	for _, league := range leagueKeywords {
		if strings.Contains(qFlat, league) && strings.Contains(cFlat, league) {
			boost += 0.1
			break
		}
	}
	return boost
}
