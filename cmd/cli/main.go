package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/i5heu/ouroboros-wave/apiServer"
	"github.com/i5heu/ouroboros-wave/pkg/logging"
	"github.com/i5heu/ouroboros-wave/pkg/model"
)

const usage = `Usage: wave-cli [-server url] [-as participant] <command> [arguments]
Commands:
  view <wave> [prefix...]
  fragments <wave> <wavelet> [segment...]
  create <wave> <wavelet> <document> <text>
  append <wave> <wavelet> <document> <text>`

func main() {
	server := flag.String("server", "ws://localhost:4242/socket", "websocket endpoint of the wave server")
	as := flag.String("as", os.Getenv("WAVE_PARTICIPANT"), "participant address to act as")
	timeout := flag.Duration("timeout", 30*time.Second, "give up after this long")
	debug := flag.Bool("debug", false, "log client internals")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println(usage)
		os.Exit(1)
	}
	participant := model.ParticipantID(*as)
	if err := participant.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid participant: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	c := &cli{
		url:         *server,
		participant: participant,
		header:      http.Header{apiServer.ParticipantHeader: []string{string(participant)}},
		logger:      logging.New(os.Stderr, level),
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	args := flag.Args()
	var err error
	switch args[0] {
	case "view":
		err = c.view(ctx, args[1:])
	case "fragments":
		err = c.fragments(ctx, args[1:])
	case "create":
		err = c.edit(ctx, args[1:], true)
	case "append":
		err = c.edit(ctx, args[1:], false)
	default:
		err = fmt.Errorf("unknown command: %s", args[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
