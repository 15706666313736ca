package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "origin":
		return originTemplate, nil
	case "observer":
		return observerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const originTemplate = `id = "peer.origin"
role = "origin"
group = "all"
tick_interval = "20ms"
max_packets_per_tick = 32
reliable_addr = ":7400"
datagram_addr = ":7401"
admin_addr = "127.0.0.1:7480"
admin_token = ""
cors_origins = ["http://localhost:3000"]
bitrate = 32000
frame_ms = 20
connect_timeout = "5s"
write_timeout = "5s"
max_dial_attempts = 4

[[peers]]
id = "peer.observer.a"
reliable_addr = "127.0.0.1:7410"
datagram_addr = "127.0.0.1:7411"

[[peers]]
id = "peer.observer.b"
reliable_addr = "127.0.0.1:7420"
datagram_addr = "127.0.0.1:7421"

[groups]
left = ["peer.observer.a"]
`

const observerTemplate = `id = "peer.observer.a"
role = "observer"
reliable_addr = ":7410"
datagram_addr = ":7411"
admin_addr = "127.0.0.1:7490"
cors_origins = ["http://localhost:3000"]
`
