package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/efficientgo/core/errors"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ValidationError is the ValidationError kind from spec.md §7: a manifest
// that is malformed or violates a rule. It is reported to the operator and
// the owning plugin is held in Failed until the manifest content changes.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "manifest validation failed: " + e.Reason }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: errors.Newf(format, args...).Error()}
}

// Validated is a Manifest that has passed every rule in spec.md §3, along
// with the content hash it was validated against.
type Validated struct {
	Manifest Manifest
	Hash     string
}

// Validator parses and checks manifests, caching outcomes by
// sha256(manifest_bytes) with an LRU of cacheSize entries (default 128)
// per spec.md §4.6. Validator is safe for concurrent use.
type Validator struct {
	hostMaxHeapMB int
	cache         *lru.Cache[string, cacheEntry]
	hits          atomic.Int64
	misses        atomic.Int64
}

type cacheEntry struct {
	validated *Validated
	err       error
}

const defaultCacheSize = 128

// NewValidator creates a Validator. hostMaxHeapMB is the ceiling a
// manifest's memory.max_heap_mb must not exceed; zero means no ceiling.
func NewValidator(hostMaxHeapMB int) *Validator {
	c, err := lru.New[string, cacheEntry](defaultCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size, which defaultCacheSize never is
	}
	return &Validator{hostMaxHeapMB: hostMaxHeapMB, cache: c}
}

// Validate parses raw manifest JSON and validates it against spec.md §3.
// Repeated calls with byte-identical content hit the cache and do not
// re-run validation (property 2 in spec.md §8).
func (v *Validator) Validate(raw []byte) (*Validated, error) {
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	if entry, ok := v.cache.Get(hash); ok {
		v.hits.Add(1)
		return entry.validated, entry.err
	}
	v.misses.Add(1)

	validated, err := v.validateUncached(raw, hash)
	v.cache.Add(hash, cacheEntry{validated: validated, err: err})
	return validated, err
}

// Stats reports cache hit/miss counts, primarily for tests asserting
// property 2 of spec.md §8 (repeated validation hits the cache exactly
// once per distinct hash).
func (v *Validator) Stats() (hits, misses int64) {
	return v.hits.Load(), v.misses.Load()
}

// ShrinkCache resizes the validation cache to half the number of entries
// it currently holds, evicting the least-recently-used ones; that size
// becomes the cache's new capacity, so a cache that is not full ends up
// below half of its previous capacity. A cache holding one entry or none
// is left unchanged. It implements memmon.Shrinkable.
func (v *Validator) ShrinkCache() {
	if size := v.cache.Len(); size > 1 {
		v.cache.Resize(size / 2)
	}
}

// FlushCache discards every cached validation outcome, per spec.md §5's
// "on critical, all non-essential caches are flushed". It implements
// memmon.Shrinkable.
func (v *Validator) FlushCache() {
	v.cache.Purge()
}

func (v *Validator) validateUncached(raw []byte, hash string) (*Validated, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, invalid("invalid JSON: %v", err)
	}

	if m.Name == "" {
		return nil, invalid("name is required")
	}
	if m.Version == "" {
		return nil, invalid("version is required")
	}
	if m.Entry == "" {
		return nil, invalid("entry is required")
	}
	if err := validateEntry(m.Entry); err != nil {
		return nil, err
	}
	for _, g := range m.Permissions.Filesystem {
		if err := g.Validate(); err != nil {
			return nil, invalid("%v", err)
		}
	}
	if v.hostMaxHeapMB > 0 && m.Permissions.Memory.MaxHeapMB > v.hostMaxHeapMB {
		return nil, invalid("memory.max_heap_mb %d exceeds host ceiling %d",
			m.Permissions.Memory.MaxHeapMB, v.hostMaxHeapMB)
	}
	for hookName := range m.Hooks {
		if !knownHooks[hookName] {
			return nil, invalid("unknown hook %q", hookName)
		}
	}

	return &Validated{Manifest: m, Hash: hash}, nil
}

// validateEntry rejects any entry path that would resolve outside the
// bundle directory, including absolute paths and "..' traversal, per
// spec.md §3's invariant that entry must resolve inside the bundle root.
func validateEntry(entry string) error {
	if filepath.IsAbs(entry) {
		return invalid("entry %q must be relative to the bundle root", entry)
	}
	cleaned := filepath.Clean(entry)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return invalid("entry %q escapes the bundle root", entry)
	}
	return nil
}
