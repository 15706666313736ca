package main

import (
	"flag"
	"log"

	"github.com/danmuck/audiocast/internal/config"
)

func main() {
	kind := flag.String("kind", "origin", "config kind: origin|observer")
	output := flag.String("output", "cmd/castctl/config.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "cmd/castctl/config.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.LoadNodeConfig(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config for %s at %s (%d peers)", cfg.Role, cfg.ID, *input, len(cfg.Peers))
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, *output)
}
