package main

import (
	"fmt"
	"os"

	"github.com/anacrolix/tagflag"
	"github.com/danmuck/audiocast/internal/observability"
	"github.com/rs/zerolog/log"
)

var flags = struct {
	DropPercent int
	Reorder     int
	Cap         int
	Bitrate     int
	FrameMs     int
	Seed        int64
	tagflag.StartPos
	Command string
	In      string
	Out     string `arity:"?"`
}{
	Cap:     32,
	Bitrate: 32000,
	FrameMs: 20,
	Seed:    1,
}

func main() {
	if err := mainErr(); err != nil {
		fmt.Fprintf(os.Stderr, "wavtool: %v\n", err)
		os.Exit(1)
	}
}

func mainErr() error {
	tagflag.Parse(&flags)
	observability.InitLogger("wavtool")

	switch flags.Command {
	case "inspect":
		return inspectFile(flags.In, os.Stdout)
	case "reverse":
		if flags.Out == "" {
			return fmt.Errorf("reverse: output path is required")
		}
		return reverseFile(flags.In, flags.Out)
	case "loopback":
		if flags.Out == "" {
			return fmt.Errorf("loopback: output path is required")
		}
		res, err := loopbackFile(flags.In, flags.Out, loopbackOptions{
			DropPercent: flags.DropPercent,
			Reorder:     flags.Reorder,
			Cap:         flags.Cap,
			Bitrate:     flags.Bitrate,
			FrameMs:     flags.FrameMs,
			Seed:        flags.Seed,
		})
		if err != nil {
			return err
		}
		log.Info().
			Str("session", res.Session.String()).
			Int("sent", res.Sent).
			Int("received", res.Status.Received).
			Int("populated", res.Status.Populated).
			Int("ticks", res.Ticks).
			Msg("loopback complete")
		return nil
	default:
		return fmt.Errorf("unknown command %q (inspect|reverse|loopback)", flags.Command)
	}
}
