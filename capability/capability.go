// Package capability implements the matching rules behind every permission
// check in spec.md §4.4: filesystem path containment + mode, URL outbound
// globs, and USB vendor/product id matching. Both the Manifest Validator
// (which rejects syntactically bad grants) and the Worker Pool's sandbox
// host API (which enforces them at call time) share this package so the
// two can never disagree about what a grant means.
package capability

import (
	"path/filepath"
	"strings"

	"github.com/efficientgo/core/errors"
)

// FSMode is the access mode requested for a filesystem capability.
type FSMode string

const (
	ModeRead      FSMode = "read"
	ModeWrite     FSMode = "write"
	ModeReadWrite FSMode = "readwrite"
)

// FSGrant is one entry in PluginManifest.Permissions.Filesystem.
type FSGrant struct {
	Path string `json:"path" mapstructure:"path"`
	Mode FSMode `json:"mode" mapstructure:"mode"`
}

// Validate checks the grant is syntactically well-formed per spec.md §3:
// the path must be absolute, and the mode must be one of the three known
// values.
func (g FSGrant) Validate() error {
	if !filepath.IsAbs(g.Path) {
		return errors.Newf("filesystem grant path %q must be absolute", g.Path)
	}
	switch g.Mode {
	case ModeRead, ModeWrite, ModeReadWrite:
	default:
		return errors.Newf("filesystem grant for %q has unknown mode %q", g.Path, g.Mode)
	}
	return nil
}

// allows reports whether this grant permits an access of the given mode to
// path. Containment is computed after both paths are cleaned; a grant on
// "/var/ex" permits "/var/ex" itself and any path below it, never a
// sibling like "/var/extra".
func (g FSGrant) allows(path string, want FSMode) bool {
	if want == ModeWrite && g.Mode == ModeRead {
		return false
	}
	if want == ModeRead && g.Mode == ModeWrite {
		return false
	}
	root := filepath.Clean(g.Path)
	target := filepath.Clean(path)
	if target == root {
		return true
	}
	return strings.HasPrefix(target, root+string(filepath.Separator))
}

// FSAccess matches a requested absolute, canonicalized path and mode
// against an ordered set of grants. Grants are tried in declaration order;
// the first one whose root contains the path wins. Returns false if no
// grant covers the path.
func FSAccess(grants []FSGrant, path string, want FSMode) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	for _, g := range grants {
		if g.allows(path, want) {
			return true
		}
	}
	return false
}

// URLGlobMatch reports whether target matches one of the glob patterns in
// patterns. Patterns are scheme+host+path globs, e.g.
// "https://api.example.com/v1/*"; "*" matches any run of characters,
// including '/', and "?" any single character, over the whole string.
func URLGlobMatch(patterns []string, target string) bool {
	for _, p := range patterns {
		if ok, _ := globMatch(p, target); ok {
			return true
		}
	}
	return false
}

// globMatch implements a minimal '*' (any run of characters) and '?' (any
// single character) glob matcher over the whole string, since net/url
// globs span host+path and filepath.Match's separator semantics don't
// apply.
func globMatch(pattern, s string) (bool, error) {
	return matchHere(pattern, s), nil
}

func matchHere(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			// try every possible split; classic backtracking glob match.
			for i := 0; i <= len(s); i++ {
				if matchHere(pattern[1:], s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		default:
			if len(s) == 0 || pattern[0] != s[0] {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		}
	}
	return len(s) == 0
}

// USBGrant is PluginManifest.Permissions.USB.
type USBGrant struct {
	VendorIDs  []string `json:"vendor_ids" mapstructure:"vendor_ids"`
	ProductIDs []string `json:"product_ids" mapstructure:"product_ids"`
}

// Matches reports whether a device with the given vendor/product hex
// strings (e.g. "0x1234") is covered by the grant. Per spec.md §4.3,
// matching is by vendor id, or by product id if the manifest declared one;
// a grant with neither vendor nor product ids matches nothing (a plugin
// must declare at least one id to receive USB events).
func (g USBGrant) Matches(vendorID, productID string) bool {
	if containsFold(g.VendorIDs, vendorID) {
		return true
	}
	if len(g.ProductIDs) > 0 && containsFold(g.ProductIDs, productID) {
		return true
	}
	return false
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
