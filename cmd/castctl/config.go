package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/audiocast/internal/node"
	"github.com/danmuck/audiocast/internal/replicator"
	"github.com/danmuck/audiocast/internal/transport"
)

type fileConfig struct {
	ID                string              `toml:"id"`
	Role              string              `toml:"role"`
	Group             string              `toml:"group"`
	TickInterval      string              `toml:"tick_interval"`
	MaxPacketsPerTick int                 `toml:"max_packets_per_tick"`
	ReliableAddr      string              `toml:"reliable_addr"`
	DatagramAddr      string              `toml:"datagram_addr"`
	AdminAddr         string              `toml:"admin_addr"`
	AdminToken        string              `toml:"admin_token"`
	CorsOrigins       []string            `toml:"cors_origins"`
	Bitrate           int                 `toml:"bitrate"`
	FrameMs           int                 `toml:"frame_ms"`
	ConnectTimeout    string              `toml:"connect_timeout"`
	WriteTimeout      string              `toml:"write_timeout"`
	ReadTimeout       string              `toml:"read_timeout"`
	MaxDialAttempts   int                 `toml:"max_dial_attempts"`
	Peers             []transport.Peer    `toml:"peers"`
	Groups            map[string][]string `toml:"groups"`
}

func loadServiceConfig(path string) (node.ServiceConfig, error) {
	cfg := node.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return node.ServiceConfig{}, fmt.Errorf("load castctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return node.ServiceConfig{}, fmt.Errorf("load castctl config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.PeerID = id
		}
	}

	if meta.IsDefined("role") {
		role, ok := replicator.ParseRole(strings.ToLower(strings.TrimSpace(raw.Role)))
		if !ok {
			return node.ServiceConfig{}, fmt.Errorf("parse role: unknown role %q", raw.Role)
		}
		cfg.Role = role
	}

	if meta.IsDefined("group") {
		cfg.Group = replicator.PeerGroup(strings.TrimSpace(raw.Group))
	}

	if meta.IsDefined("tick_interval") {
		d, err := parseDuration("tick_interval", raw.TickInterval)
		if err != nil {
			return node.ServiceConfig{}, err
		}
		cfg.TickInterval = d
	}

	if meta.IsDefined("max_packets_per_tick") {
		cfg.MaxPacketsPerTick = raw.MaxPacketsPerTick
	}

	if meta.IsDefined("reliable_addr") {
		cfg.ReliableAddr = strings.TrimSpace(raw.ReliableAddr)
	}

	if meta.IsDefined("datagram_addr") {
		cfg.DatagramAddr = strings.TrimSpace(raw.DatagramAddr)
	}

	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}

	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}

	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}

	if meta.IsDefined("bitrate") {
		cfg.Bitrate = raw.Bitrate
	}

	if meta.IsDefined("frame_ms") {
		cfg.FrameMs = raw.FrameMs
	}

	if meta.IsDefined("connect_timeout") {
		d, err := parseDuration("connect_timeout", raw.ConnectTimeout)
		if err != nil {
			return node.ServiceConfig{}, err
		}
		cfg.Session.ConnectTimeout = d
	}

	if meta.IsDefined("write_timeout") {
		d, err := parseDuration("write_timeout", raw.WriteTimeout)
		if err != nil {
			return node.ServiceConfig{}, err
		}
		cfg.Session.WriteTimeout = d
	}

	if meta.IsDefined("read_timeout") {
		d, err := parseDuration("read_timeout", raw.ReadTimeout)
		if err != nil {
			return node.ServiceConfig{}, err
		}
		cfg.Session.ReadTimeout = d
	}

	if meta.IsDefined("max_dial_attempts") {
		cfg.Session.MaxDialAttempts = raw.MaxDialAttempts
	}

	if meta.IsDefined("peers") {
		cfg.Peers = make([]transport.Peer, 0, len(raw.Peers))
		for _, p := range raw.Peers {
			cfg.Peers = append(cfg.Peers, transport.Peer{
				ID:       strings.TrimSpace(p.ID),
				Reliable: strings.TrimSpace(p.Reliable),
				Datagram: strings.TrimSpace(p.Datagram),
			})
		}
	}

	if meta.IsDefined("groups") {
		cfg.Groups = make(map[replicator.PeerGroup][]string, len(raw.Groups))
		for name, members := range raw.Groups {
			cfg.Groups[replicator.PeerGroup(strings.TrimSpace(name))] = normalizeList(members)
		}
	}

	if err := cfg.Validate(); err != nil {
		return node.ServiceConfig{}, err
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
