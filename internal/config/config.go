package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/audiocast/internal/replicator"
	"github.com/danmuck/audiocast/internal/transport"
	"github.com/pelletier/go-toml/v2"
)

// NodeConfig is the on-disk node config shared by castctl and configgen.
// Durations are strings accepted by time.ParseDuration.
type NodeConfig struct {
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

func LoadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = "peer.local"
	}
	if cfg.Role == "" {
		cfg.Role = replicator.RoleObserver.String()
	}
	if cfg.Group == "" {
		cfg.Group = string(transport.GroupAll)
	}
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("node config missing id")
	}
	if _, ok := replicator.ParseRole(strings.TrimSpace(cfg.Role)); !ok {
		return fmt.Errorf("node config role %q is not origin or observer", cfg.Role)
	}
	for _, field := range []struct{ name, value string }{
		{"tick_interval", cfg.TickInterval},
		{"connect_timeout", cfg.ConnectTimeout},
		{"write_timeout", cfg.WriteTimeout},
		{"read_timeout", cfg.ReadTimeout},
	} {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(field.value))
		if err != nil {
			return fmt.Errorf("node config %s: %w", field.name, err)
		}
		if d <= 0 {
			return fmt.Errorf("node config %s must be positive", field.name)
		}
	}
	if cfg.MaxPacketsPerTick < 0 || cfg.MaxDialAttempts < 0 || cfg.Bitrate < 0 || cfg.FrameMs < 0 {
		return fmt.Errorf("node config numeric settings must not be negative")
	}
	if strings.TrimSpace(cfg.ReliableAddr) == "" && strings.TrimSpace(cfg.DatagramAddr) == "" && len(cfg.Peers) == 0 {
		return fmt.Errorf("node config has no listen address and no peers")
	}
	ids := make(map[string]struct{}, len(cfg.Peers))
	for i, p := range cfg.Peers {
		if err := ValidatePeerEntry(p); err != nil {
			return fmt.Errorf("peers[%d] invalid: %w", i, err)
		}
		if p.ID == cfg.ID {
			return fmt.Errorf("peers[%d] is this node (%s)", i, p.ID)
		}
		if _, dup := ids[p.ID]; dup {
			return fmt.Errorf("peers[%d] duplicates id %s", i, p.ID)
		}
		ids[p.ID] = struct{}{}
	}
	for group, members := range cfg.Groups {
		if group == string(transport.GroupAll) {
			return fmt.Errorf("group %q is implicit and cannot be redefined", group)
		}
		for _, m := range members {
			if _, ok := ids[m]; !ok {
				return fmt.Errorf("group %q references unknown peer %q", group, m)
			}
		}
	}
	return nil
}

func ValidatePeerEntry(p transport.Peer) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(p.Reliable) == "" && strings.TrimSpace(p.Datagram) == "" {
		return fmt.Errorf("reliable_addr or datagram_addr is required")
	}
	return nil
}
