package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/TatuMon/btleech/internal/log"
	"github.com/TatuMon/btleech/internal/metainfo"
	"github.com/TatuMon/btleech/internal/peerid"
	"github.com/TatuMon/btleech/internal/piece"
	"github.com/TatuMon/btleech/internal/stats"
	"github.com/TatuMon/btleech/internal/storage"
	"github.com/TatuMon/btleech/internal/swarm"
	"github.com/TatuMon/btleech/internal/tracker"
)

func main() {
	os.Exit(run())
}

func run() int {
	torrentPath := flag.String("torrent", "", "path to a .torrent file (required)")
	outputDir := flag.String("output", ".", "directory to write downloaded content into")
	port := flag.Uint("port", 6881, "local port advertised to the tracker")
	maxPeers := flag.Uint("max-peers", uint(swarm.MaxActive), "maximum number of concurrent peer sessions")
	logLevel := flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
	logSent := flag.Bool("log-sent", false, "log outbound request and interested messages at debug level")
	logRecv := flag.Bool("log-recv", false, "log every inbound peer message at debug level")
	flag.Parse()

	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "usage: leech -torrent <file.torrent> [-output dir] [-port N] [-max-peers N]")
		return 1
	}

	if err := log.Setup(*logLevel, *logSent, *logRecv); err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %s\n", err)
		return 1
	}

	m, err := metainfo.ParseFile(*torrentPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse torrent file: %s\n", err)
		return 1
	}

	logrus.WithFields(logrus.Fields{
		"name":     m.Name,
		"size":     m.TotalSize,
		"pieces":   m.NumPieces(),
		"announce": m.Announce,
	}).Info("parsed torrent")

	mapper := storage.New(*outputDir, m)
	defer mapper.Close()

	registry := piece.New(m, mapper)

	announceURLs := collectAnnounceURLs(m)
	trackers := make([]tracker.Tracker, 0, len(announceURLs))
	for _, u := range announceURLs {
		t, err := tracker.Dispatch(u)
		if err != nil {
			logrus.WithField("url", u).Warnf("skipping unusable tracker: %s", err)
			continue
		}
		trackers = append(trackers, t)
	}
	if len(trackers) == 0 {
		fmt.Fprintln(os.Stderr, "no usable trackers found in torrent")
		return 1
	}

	localID := peerid.Generate()
	req := tracker.Request{
		InfoHash: [20]byte(m.InfoHash),
		PeerID:   localID,
		Port:     uint16(*port),
		Left:     m.TotalSize,
	}

	supervisor := swarm.New([20]byte(m.InfoHash), localID, registry, trackers, req).
		WithMaxActive(int(*maxPeers))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nshutting down...")
		cancel()
	}()

	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		printProgress(ctx, registry)
	}()

	runErr := supervisor.Run(ctx)
	cancel()
	<-progressDone

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintf(os.Stderr, "download error: %s\n", runErr)
		return 1
	}

	if registry.LeftBytes() == 0 {
		color.New(color.FgGreen, color.Bold).Println("download complete!")
		return 0
	}

	fmt.Fprintln(os.Stderr, "download interrupted before completion")
	return 1
}

// collectAnnounceURLs flattens the primary announce URL and the
// BEP12 announce-list into one ordered, deduplicated slice.
func collectAnnounceURLs(m *metainfo.Metainfo) []string {
	seen := make(map[string]struct{})
	var urls []string

	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}

	return urls
}

func printProgress(ctx context.Context, registry *piece.Registry) {
	sampler := stats.NewRateSampler(registry, time.Now())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	bar := color.New(color.FgCyan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := stats.Take(registry, sampler, time.Now())
			bar.Printf("\r%s", snap)
			if snap.Left == 0 {
				fmt.Println()
				return
			}
		}
	}
}
