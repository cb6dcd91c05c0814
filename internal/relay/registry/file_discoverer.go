package registry

import (
	"context"
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// fileEntry mirrors the shape the spec's external registry is queried
// for: kind="process.lua", metadata type=relay.plugin.
type fileEntry struct {
	ID       string `koanf:"id"`
	Kind     string `koanf:"kind"`
	Metadata struct {
		Type          string `koanf:"type"`
		CommandPrefix string `koanf:"command_prefix"`
		DefaultHost   string `koanf:"default_host"`
		AutoStart     bool   `koanf:"auto_start"`
	} `koanf:"metadata"`
}

// FileDiscoverer stands in for the real external registry the spec
// describes: it loads plugin descriptors from a YAML file via koanf. It
// exists so this repo and its tests don't require a live registry
// dependency; a production deployment swaps it for a Discoverer backed
// by the actual registry service.
type FileDiscoverer struct {
	path        string
	defaultHost string
}

// NewFileDiscoverer returns a Discoverer reading plugin entries from path.
// defaultHost is used for any entry that does not set its own host
// (meta.default_host || config.host, per spec §6).
func NewFileDiscoverer(path, defaultHost string) *FileDiscoverer {
	return &FileDiscoverer{path: path, defaultHost: defaultHost}
}

// Discover loads and parses the registry file once. The external registry
// in spec §6 is queried only at Central Hub start; callers are expected
// to call this exactly once and keep the resulting Table for the process
// lifetime.
func (d *FileDiscoverer) Discover(_ context.Context) ([]PluginDescriptor, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(d.path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load plugin registry %q: %w", d.path, err)
	}

	var entries []fileEntry
	if err := k.Unmarshal("entries", &entries); err != nil {
		return nil, fmt.Errorf("parse plugin registry %q: %w", d.path, err)
	}

	descs := make([]PluginDescriptor, 0, len(entries))
	for _, e := range entries {
		if e.Kind != "process.lua" || e.Metadata.Type != "relay.plugin" {
			continue
		}
		if e.Metadata.CommandPrefix == "" {
			continue // "entry skipped if absent" (spec §6)
		}
		host := e.Metadata.DefaultHost
		if host == "" {
			host = d.defaultHost
		}
		descs = append(descs, PluginDescriptor{
			Prefix:    e.Metadata.CommandPrefix,
			ProcessID: e.ID,
			Host:      host,
			AutoStart: e.Metadata.AutoStart,
		})
	}
	return descs, nil
}

// StaticDiscoverer is an in-memory Discoverer, used by tests and by
// embedders that already have the plugin table in hand.
type StaticDiscoverer struct {
	Descriptors []PluginDescriptor
}

// Discover returns the configured descriptor list verbatim.
func (d StaticDiscoverer) Discover(_ context.Context) ([]PluginDescriptor, error) {
	return d.Descriptors, nil
}
