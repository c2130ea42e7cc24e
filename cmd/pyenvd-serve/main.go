// Command pyenvd-serve starts the daemon's JSON-over-HTTP server, the
// counterpart to the teacher's cmd/libvulnhttp: parse minimal flags, wire
// the daemon's subsystems, and serve until signaled.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quay/pyenvd/cache"
	"github.com/quay/pyenvd/checkpointstore"
	"github.com/quay/pyenvd/config"
	"github.com/quay/pyenvd/daemon"
	daemonhttp "github.com/quay/pyenvd/daemon/http"
	"github.com/quay/pyenvd/fspolicy"
	"github.com/quay/pyenvd/indexclient"
	"github.com/quay/pyenvd/resourcemon"
	"github.com/quay/pyenvd/statestore"
)

func main() {
	var (
		listenAddr = flag.String("listen-addr", "0.0.0.0:8383", "HTTP listen address")
		envDir     = flag.String("env-dir", "/var/lib/pyenvd/environments", "directory holding environment state files")
		cacheDir   = flag.String("cache-dir", "/var/lib/pyenvd/cache", "sqlite cache file directory")
		cpDir      = flag.String("checkpoint-dir", "/var/lib/pyenvd/checkpoints", "checkpoint record directory")
		indexURL   = flag.String("index-url", "https://pypi.org/pyenvd-index", "package index base URL")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idx, err := indexclient.New(indexclient.Options{
		BaseURL:        *indexURL,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}, false)
	if err != nil {
		log.Error("failed to build index client", "reason", err)
		os.Exit(1)
	}

	cfg := config.Default()

	cacheStore, err := cache.NewSqlite(cache.SqliteOptions{
		Path:     *cacheDir + "/cache.db",
		MaxBytes: 512 << 20,
		TTL:      cfg.CacheTTL,
	})
	if err != nil {
		log.Error("failed to open cache", "reason", err)
		os.Exit(1)
	}
	defer cacheStore.Close()

	states, err := statestore.New(*envDir, nil)
	if err != nil {
		log.Error("failed to open state store", "reason", err)
		os.Exit(1)
	}

	checkpoints, err := checkpointstore.New(*cpDir)
	if err != nil {
		log.Error("failed to open checkpoint store", "reason", err)
		os.Exit(1)
	}
	defer checkpoints.Close()

	monitor, err := resourcemon.New(cfg.MonitorInterval, resourcemon.Limits{
		MaxEnvSize:   cfg.MaxEnvSize,
		MaxFileSize:  cfg.MaxFileSize,
		MaxFileCount: cfg.MaxFileCount,
	})
	if err != nil {
		log.Error("failed to start resource monitor", "reason", err)
		os.Exit(1)
	}

	d, err := daemon.New(daemon.Options{
		Config:      cfg,
		Index:       idx,
		Cache:       cacheStore,
		States:      states,
		Checkpoints: checkpoints,
		Policy:      fspolicy.New(fspolicy.Config(cfg.FSPolicy)),
		Monitor:     monitor,
	})
	if err != nil {
		log.Error("failed to build daemon", "reason", err)
		os.Exit(1)
	}

	go func() {
		if err := d.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("daemon background tasks stopped", "reason", err)
		}
	}()

	srv := &http.Server{
		Addr:        *listenAddr,
		Handler:     daemonhttp.NewMux(d),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("starting http server", "addr", *listenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("http server failed", "reason", err)
		os.Exit(1)
	}
}
