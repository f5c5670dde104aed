// Package watcher implements the plugin directory Watcher: it observes a
// plugin root directory for manifest files appearing, changing, or
// disappearing, applies a per-path settle window so editors that write
// a manifest in several steps only trigger one notification, and
// forwards the result for manifest validation.
package watcher

import "time"

// Kind classifies a manifest Change.
type Kind string

const (
	KindAdded   Kind = "added"
	KindChanged Kind = "changed"
	KindRemoved Kind = "removed"
)

// Change describes a settled manifest-file transition for one plugin
// directory.
type Change struct {
	Kind         Kind
	PluginDir    string
	ManifestPath string
	Contents     []byte // nil for KindRemoved
}

// Config tunes the Watcher (spec.md §4.4, §6).
type Config struct {
	RootDir          string
	ManifestFilename string
	MaxDepth         int
	SettleWindow     time.Duration
}

// DefaultConfig returns the defaults named in spec.md §6.
func DefaultConfig(rootDir string) Config {
	return Config{
		RootDir:          rootDir,
		ManifestFilename: "autoweave.plugin.json",
		MaxDepth:         2,
		SettleWindow:     500 * time.Millisecond,
	}
}
