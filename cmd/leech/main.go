package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/schollz/progressbar/v3"

	"leech/internal/client"
	"leech/internal/config"
	"leech/internal/logging"
	"leech/internal/meta"
	"leech/internal/tracker"
)

var cli struct {
	Torrent string `arg:"" help:"Path to the torrent's metainfo file." type:"existingfile"`
}

func main() {
	setupLogger()
	kong.Parse(&cli,
		kong.Name("leech"),
		kong.Description("Download a single-file torrent into the current directory."),
	)

	data, err := os.ReadFile(cli.Torrent)
	if err != nil {
		slog.Error("failed to read torrent file", "path", cli.Torrent, "error", err)
		os.Exit(1)
	}

	info, err := meta.Parse(data)
	if err != nil {
		slog.Error("failed to parse metainfo", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Default()
	if err != nil {
		slog.Error("failed to build config", "error", err)
		os.Exit(1)
	}

	cl, err := client.New(cfg, info, slog.Default())
	if err != nil {
		if errors.Is(err, tracker.ErrUDPTracker) {
			slog.Error("udp trackers are not supported", "announce", info.Announce)
		} else {
			slog.Error("failed to build client", "error", err)
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cl, info); err != nil {
		slog.Error("download failed", "error", err)
		os.Exit(1)
	}
}

// run drives the client while rendering a byte-level progress bar on
// stderr until Run returns.
func run(ctx context.Context, cl *client.Client, info *meta.TorrentInfo) error {
	runErr := make(chan error, 1)
	go func() { runErr <- cl.Run(ctx) }()

	bar := progressbar.DefaultBytes(info.Length, info.Name)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-runErr:
			downloaded, _ := cl.Progress()
			bar.Set64(int64(downloaded))
			bar.Close()
			return err

		case <-ticker.C:
			downloaded, _ := cl.Progress()
			bar.Set64(int64(downloaded))
		}
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
