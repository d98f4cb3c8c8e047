// Package news holds the pipeline's data model: the candidate item produced by
// extraction, the persisted "last delivered" cursor, and the identity rules
// used to compare them.
package news

import (
	"net/url"
	"strings"
)

// Item is one extracted announcement.
//
// ID and Link are never empty for an Item that exists; extractors report
// "nothing found" with a separate bool instead of a zero Item.
type Item struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Link  string `json:"link"`
}

// Valid reports whether the item satisfies the non-empty identity/link invariant.
func (it Item) Valid() bool {
	return strings.TrimSpace(it.ID) != "" && strings.TrimSpace(it.Link) != ""
}

// State is the one-slot cursor persisted between runs.
// Last is the identity of the most recently delivered item ("" = nothing yet).
type State struct {
	Last string `json:"last"`
}

// IsNew reports whether item differs from the last delivered identity.
// The comparison is byte-exact; see NormalizeIdentity for the opt-in alternative.
func IsNew(item Item, st State) bool {
	return item.ID != st.Last
}

// NormalizeIdentity canonicalizes a URL identity: lowercase scheme and host,
// no fragment. Query strings are kept because some sites route articles by them.
// Input that does not parse as an absolute URL is returned unchanged.
func NormalizeIdentity(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
