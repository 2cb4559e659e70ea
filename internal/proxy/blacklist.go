package proxy

import "strings"

// warningHost is the redirection target for blacklisted requests (§4.3
// step 3); this is a fixed, documented constant of the original assignment,
// not a configurable value.
const warningHost = "www.warning.or.kr"

// Blacklist holds the substrings loaded from the newline-delimited file
// read from stdin per §6. Matching is a plain substring test against the
// absolute-URI, mirroring original_source/prj2's is_blacklisted.
type Blacklist struct {
	entries []string
}

func NewBlacklist(entries []string) *Blacklist {
	b := &Blacklist{}
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			b.entries = append(b.entries, e)
		}
	}
	return b
}

// Matches reports whether uri contains any blacklisted substring. An empty
// uri (no absolute-URI on the request line) never matches.
func (b *Blacklist) Matches(uri string) bool {
	if b == nil || uri == "" {
		return false
	}
	for _, e := range b.entries {
		if strings.Contains(uri, e) {
			return true
		}
	}
	return false
}

// rewriteRequest replaces an entire request with the fixed warning
// redirect per §4.3 step 3 — this is redirection-by-replacement, not an
// HTTP redirect response.
func rewriteRequest() []byte {
	return []byte("GET / HTTP/1.0\r\nHost: " + warningHost + "\r\n\r\n")
}
