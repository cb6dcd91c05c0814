// Package registry models the external plugin discovery mechanism
// (spec §1, §6): a key/value lookup queried once at Central Hub start for
// process.lua / relay.plugin entries, yielding an immutable table of
// PluginDescriptors for the lifetime of the process.
package registry

import "context"

// PluginDescriptor describes one spawnable plugin kind, keyed by its
// command prefix. Immutable after boot (spec §3).
type PluginDescriptor struct {
	Prefix    string // non-empty; required
	ProcessID string // entry.id
	Host      string // meta.default_host, falling back to config.Host
	AutoStart bool   // meta.auto_start
}

// Discoverer queries the external plugin registry once at startup.
type Discoverer interface {
	Discover(ctx context.Context) ([]PluginDescriptor, error)
}

// Table is the immutable, boot-time-resolved prefix -> descriptor map a
// Central Hub hands down to every User Hub it spawns.
type Table struct {
	byPrefix map[string]PluginDescriptor
	ordered  []PluginDescriptor
}

// Build returns a lookup table for a discovered descriptor list.
// Descriptors missing a prefix are skipped, per spec §6 ("entry skipped
// if absent"). It does not check invariant I4 and never returns an
// error: overlapping prefixes are resolved by MatchPrefix's longest
// match, and a repeated prefix keeps its last descriptor for matching.
func Build(descs []PluginDescriptor) (*Table, error) {
	t := &Table{byPrefix: make(map[string]PluginDescriptor, len(descs))}
	for _, d := range descs {
		if d.Prefix == "" {
			continue
		}
		t.byPrefix[d.Prefix] = d
		t.ordered = append(t.ordered, d)
	}
	return t, nil
}

// All returns every descriptor in discovery order.
func (t *Table) All() []PluginDescriptor {
	out := make([]PluginDescriptor, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// AutoStart returns the descriptors whose meta.auto_start is true.
func (t *Table) AutoStart() []PluginDescriptor {
	var out []PluginDescriptor
	for _, d := range t.ordered {
		if d.AutoStart {
			out = append(out, d)
		}
	}
	return out
}

// MatchPrefix implements the longest-prefix-match rule spec §9 requires
// to resolve the ambiguity left open by the original implementation's
// unordered scan. Invariant I4 (no prefix is a prefix of another) means
// the longest match is unique whenever one exists.
func (t *Table) MatchPrefix(commandType string) (PluginDescriptor, bool) {
	var best PluginDescriptor
	found := false
	for prefix, d := range t.byPrefix {
		if len(commandType) < len(prefix) {
			continue
		}
		if commandType[:len(prefix)] != prefix {
			continue
		}
		if !found || len(prefix) > len(best.Prefix) {
			best = d
			found = true
		}
	}
	return best, found
}

// Descriptions returns every prefix in discovery order.
func (t *Table) Descriptions() []string {
	out := make([]string, 0, len(t.ordered))
	for _, d := range t.ordered {
		out = append(out, d.Prefix)
	}
	return out
}
