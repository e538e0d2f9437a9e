package resolve

import (
	"regexp"
	"strings"

	"guidecache/models"
)

// KeyMap builds the normalized lookup-key map for a channel list: every
// variant key maps to the channel ID that registered it. Registration is
// last-write-wins; when two channels normalize to the same key the later
// one owns it, which is documented behavior rather than a defect.
func KeyMap(channels []models.Channel) map[string]string {
	m := make(map[string]string, len(channels)*4)
	for _, ch := range channels {
		for _, k := range LookupKeys(ch) {
			m[k] = ch.ID
		}
	}
	return m
}

// LookupKeys returns every normalized key a channel is reachable by: the
// canonical ID and each display name in four variants (verbatim, lowered,
// underscore-collapsed, HD-stripped), plus first-segment keys for dotted
// IDs like "Travel.US.-.East.us".
func LookupKeys(ch models.Channel) []string {
	seen := make(map[string]struct{}, 16)
	var keys []string
	add := func(v string) {
		for _, k := range variants(v) {
			if k == "" {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	add(ch.ID)
	for _, dn := range ch.DisplayNames {
		add(dn.Text)
	}

	if segs := strings.Split(ch.ID, "."); len(segs) > 1 {
		add(segs[0])
		add(segs[0] + "." + segs[1])
	}
	return keys
}

// variants expands one identifier into its normalized forms.
func variants(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	lower := strings.ToLower(v)
	noHD := stripHDSuffix(lower)
	return []string{
		v,
		lower,
		collapseKey(lower),
		noHD,
		collapseKey(noHD),
	}
}

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// collapseKey lowers an identifier and collapses every run of
// non-alphanumeric characters into a single underscore.
func collapseKey(s string) string {
	s = nonAlnumRun.ReplaceAllString(strings.ToLower(s), "_")
	return strings.Trim(s, "_")
}

// stripHDSuffix removes a trailing case-insensitive "hd" marker, plus any
// separator left dangling before it. "ESPNHD" and "ESPN HD" both become
// "espn" once lowered.
func stripHDSuffix(s string) string {
	l := strings.ToLower(s)
	if !strings.HasSuffix(l, "hd") || len(l) <= 2 {
		return s
	}
	trimmed := strings.TrimRight(l[:len(l)-2], " -_.")
	if trimmed == "" {
		return s
	}
	return trimmed
}
