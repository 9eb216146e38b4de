// Package config loads target configuration from an ini file, in the
// style of the core module's EDS ini parsing: one typed struct with a
// Load function and a Validate pass, rather than a generic map lookup
// scattered across call sites.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// TargetConfig is the full set of knobs a running nvmet-tcpd instance
// needs that aren't negotiated over the wire per connection.
type TargetConfig struct {
	ListenAddr string

	// NrCmdsMultiplier is applied to a submission queue's size at
	// install_queue time: nr_cmds = multiplier * sq.size. The
	// wire-protocol default is 2.
	NrCmdsMultiplier int

	HeaderDigestDefault bool
	DataDigestDefault   bool

	CPUs []int

	// SocketBufferBytes overrides ForcedSocketBufferBytes when nonzero.
	SocketBufferBytes int
}

// DefaultTargetConfig mirrors this target's wire-protocol defaults.
func DefaultTargetConfig() TargetConfig {
	return TargetConfig{
		ListenAddr:        ":4420",
		NrCmdsMultiplier:  2,
		SocketBufferBytes: 0,
	}
}

// Load reads a target configuration from an ini file at path. Missing
// keys fall back to DefaultTargetConfig's values: a section may be
// present but sparse, with only the keys an operator cares to override.
func Load(path string) (TargetConfig, error) {
	cfg := DefaultTargetConfig()

	f, err := ini.Load(path)
	if err != nil {
		return TargetConfig{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	listen := f.Section("target")
	if listen.HasKey("listen") {
		cfg.ListenAddr = listen.Key("listen").String()
	}
	if listen.HasKey("nr_cmds_multiplier") {
		cfg.NrCmdsMultiplier = listen.Key("nr_cmds_multiplier").MustInt(cfg.NrCmdsMultiplier)
	}
	if listen.HasKey("socket_buffer_bytes") {
		cfg.SocketBufferBytes = listen.Key("socket_buffer_bytes").MustInt(cfg.SocketBufferBytes)
	}

	digest := f.Section("digest")
	cfg.HeaderDigestDefault = digest.Key("header_digest").MustBool(false)
	cfg.DataDigestDefault = digest.Key("data_digest").MustBool(false)

	placement := f.Section("placement")
	if raw := placement.Key("cpus").String(); raw != "" {
		cpus, err := parseCPUList(raw)
		if err != nil {
			return TargetConfig{}, fmt.Errorf("config: placement.cpus: %w", err)
		}
		cfg.CPUs = cpus
	}

	return cfg, cfg.Validate()
}

// Validate checks the loaded configuration is self-consistent enough
// to start a listener against.
func (c TargetConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: target.listen must not be empty")
	}
	if c.NrCmdsMultiplier < 1 {
		return fmt.Errorf("config: target.nr_cmds_multiplier must be >= 1, got %d", c.NrCmdsMultiplier)
	}
	return nil
}

func parseCPUList(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	cpus := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err != nil {
			return nil, fmt.Errorf("invalid cpu entry %q: %w", p, err)
		}
		cpus = append(cpus, n)
	}
	return cpus, nil
}
