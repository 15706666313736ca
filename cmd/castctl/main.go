package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/audiocast/internal/node"
	"github.com/danmuck/audiocast/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "cmd/castctl/config.toml", "node config path")
	flag.Parse()

	observability.InitLogger("castctl")

	cfg, err := loadServiceConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "castctl: %v\n", err)
		os.Exit(1)
	}
	svc, err := node.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "castctl: %v\n", err)
		os.Exit(1)
	}
	log.Info().Str("config", *path).Str("peer", cfg.PeerID).Str("role", cfg.Role.String()).Msg("castctl starting")
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "castctl: %v\n", err)
		os.Exit(1)
	}
}
