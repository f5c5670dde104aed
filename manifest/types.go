// Package manifest defines the PluginManifest data model (spec.md §3) and
// the validator that turns raw manifest bytes into a checked Manifest,
// caching outcomes by content hash as spec.md §4.6 requires.
package manifest

import (
	"crypto/sha256"
	"fmt"

	"github.com/gontrandl/autoweave-core/capability"
)

// Hook names recognized in PluginManifest.Hooks (spec.md §3).
const (
	HookOnLoad       = "onLoad"
	HookOnUnload     = "onUnload"
	HookOnUSBAttach  = "onUSBAttach"
	HookOnUSBDetach  = "onUSBDetach"
)

var knownHooks = map[string]bool{
	HookOnLoad:      true,
	HookOnUnload:    true,
	HookOnUSBAttach: true,
	HookOnUSBDetach: true,
}

// Priority is the plugin's load-ordering class (spec.md §3). It is never
// used to reorder dispatch.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// NetworkInbound is PluginManifest.Permissions.Network.Inbound.
type NetworkInbound struct {
	Port  int    `json:"port" mapstructure:"port"`
	Iface string `json:"iface" mapstructure:"iface"` // "localhost" | "all"
}

// NetworkPermissions is PluginManifest.Permissions.Network.
type NetworkPermissions struct {
	Outbound []string        `json:"outbound,omitempty" mapstructure:"outbound"`
	Inbound  *NetworkInbound `json:"inbound,omitempty" mapstructure:"inbound"`
}

// MemoryPermissions is PluginManifest.Permissions.Memory.
type MemoryPermissions struct {
	MaxHeapMB int `json:"max_heap_mb,omitempty" mapstructure:"max_heap_mb"`
}

// Permissions is PluginManifest.Permissions; every field is optional.
type Permissions struct {
	Filesystem []capability.FSGrant `json:"filesystem,omitempty" mapstructure:"filesystem"`
	Network    NetworkPermissions   `json:"network,omitempty" mapstructure:"network"`
	USB        capability.USBGrant  `json:"usb,omitempty" mapstructure:"usb"`
	Memory     MemoryPermissions    `json:"memory,omitempty" mapstructure:"memory"`
	Modules    []string             `json:"modules,omitempty" mapstructure:"modules"`
}

// Signature is the optional integrity-check block on a manifest.
type Signature struct {
	Algorithm string `json:"algorithm" mapstructure:"algorithm"`
	Hash      string `json:"hash" mapstructure:"hash"`
	PublicKey string `json:"publicKey" mapstructure:"publicKey"`
}

// Manifest is the parsed, not-yet-validated content of
// autoweave.plugin.json (spec.md §3).
type Manifest struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Entry       string            `json:"entry"`
	Description string            `json:"description,omitempty"`
	Permissions Permissions       `json:"permissions"`
	Hooks       map[string]string `json:"hooks,omitempty"`
	Signature   *Signature        `json:"signature,omitempty"`
}

// Hook returns the exported function name bound to the given lifecycle
// hook, and whether the manifest declares it at all.
func (m Manifest) Hook(name string) (string, bool) {
	fn, ok := m.Hooks[name]
	return fn, ok && fn != ""
}

// PluginID computes the stable identity spec.md §3 assigns a plugin:
// hash(manifest.name), 16 hex chars, unchanged across reloads of the
// same-named manifest. It is the key onLoad/onUnload state snapshots
// round-trip under across a hot reload.
func (m Manifest) PluginID() string {
	sum := sha256.Sum256([]byte(m.Name))
	return fmt.Sprintf("%x", sum)[:16]
}
