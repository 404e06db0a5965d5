// Command leech is the thin CLI entrypoint: parse a .torrent file or a
// magnet URI, announce, download, and save.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"goleech/internal/config"
	"goleech/metainfo"
	"goleech/peerid"
	"goleech/swarm"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file overriding defaults")
		outDir     = flag.String("out", ".", "directory to save the downloaded file and metadata cache into")
		verbose    = flag.Bool("verbose", false, "enable development-mode structured logging")
	)
	flag.Parse()
	args := flag.Args()

	log := zap.NewNop().Sugar()
	if *verbose {
		dev, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		log = dev.Sugar()
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalw("failed to load config", "path", *configPath, "err", err)
		}
		cfg = loaded
	}

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: leech [flags] <torrent-file|magnet-uri>")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down on signal")
		cancel()
	}()

	selfID := peerid.Generate()

	manifest, err := resolveManifest(ctx, args[0], *outDir, selfID, cfg, log)
	if err != nil {
		log.Fatalw("failed to resolve torrent metadata", "err", err)
	}

	sv, err := swarm.NewSupervisor(manifest, *outDir, cfg, selfID, swarm.WithLogger(log))
	if err != nil {
		log.Fatalw("failed to open storage", "err", err)
	}

	fmt.Printf("downloading %q (%d bytes, %d pieces)\n", manifest.Name, manifest.Length, len(manifest.Hashes))

	if err := sv.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalw("download failed", "err", err)
	}

	if !sv.Complete() {
		fmt.Fprintln(os.Stderr, "download interrupted before completion")
		os.Exit(1)
	}

	fmt.Println("The Torrent Has Been Saved To Your Computer --> ", manifest.Name)
}

// resolveManifest accepts either a path to a .torrent file or a magnet URI.
// For a magnet link, it first checks the on-disk metadata cache
// (<hex>.meta) before falling back to the network bootstrap's metadata
// mode.
func resolveManifest(ctx context.Context, arg, outDir string, selfID peerid.ID, cfg config.Config, log *zap.SugaredLogger) (*metainfo.Manifest, error) {
	if magnet, err := metainfo.ParseMagnet(arg); err == nil {
		return resolveMagnet(ctx, magnet, outDir, selfID, cfg, log)
	}

	f, err := os.Open(arg)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return metainfo.ParseTorrent(data)
}

func resolveMagnet(ctx context.Context, magnet *metainfo.MagnetInfo, outDir string, selfID peerid.ID, cfg config.Config, log *zap.SugaredLogger) (*metainfo.Manifest, error) {
	if cached, ok := swarm.LoadMetadataCache(outDir, magnet.InfoHash); ok {
		log.Infow("using cached metadata", "info_hash", magnet.InfoHash.String())
		return metainfo.ParseInfoDict(cached, magnet.InfoHash, magnet.Trackers)
	}

	log.Infow("bootstrapping metadata from peers", "info_hash", magnet.InfoHash.String())
	manifest, err := swarm.BootstrapMetadata(ctx, magnet, selfID, cfg, swarm.WithLogger(log))
	if err != nil {
		return nil, err
	}

	if err := swarm.SaveMetadataCache(outDir, magnet.InfoHash, manifest.RawInfo); err != nil {
		log.Debugw("failed to persist metadata cache", "err", err)
	}
	return manifest, nil
}
