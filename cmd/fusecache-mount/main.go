// Command fusecache-mount mounts a remote object store as a local FUSE
// filesystem backed by the write-back paged cache in internal/filedata.
// Flag handling and the graceful-shutdown-on-signal structure are grounded
// on tinySQL's cmd/server/main.go.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/objectmount/fusecache/internal/backend"
	"github.com/objectmount/fusecache/internal/config"
	"github.com/objectmount/fusecache/internal/filedata"
	"github.com/objectmount/fusecache/internal/fsnode"
	"github.com/objectmount/fusecache/internal/fuseadapter"
	"github.com/objectmount/fusecache/internal/obslog"
)

var (
	flagConfig     = flag.String("config", "", "Path to the fusecache YAML config file (required)")
	flagMountpoint = flag.String("mountpoint", "", "Local directory to mount at (overrides config's mount.path)")
	flagVerbose    = flag.Bool("v", false, "Verbose logging")
)

func main() {
	flag.Parse()

	logger := obslog.New(levelFromVerbose(*flagVerbose))
	if *flagConfig == "" {
		logger.Fatalf("-config is required")
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	mountpoint := cfg.Mount.Path
	if *flagMountpoint != "" {
		mountpoint = *flagMountpoint
	}
	if mountpoint == "" {
		logger.Fatalf("no mountpoint configured (set mount.path in config or pass -mountpoint)")
	}

	cacheCfg, err := cfg.CacheConfig()
	if err != nil {
		logger.Fatalf("cache config: %v", err)
	}
	cache := filedata.NewCacheManager(cacheCfg)
	defer cache.Close()

	metrics := obslog.NewMetrics()
	cache.SetMetricsHooks(metrics.OnEvict, metrics.OnFlush)

	root := fsnode.NewFolder("", "/")
	if err := populateRoot(context.Background(), root, cache, cfg, metrics); err != nil {
		logger.Fatalf("populate root: %v", err)
	}

	filesystem := fuseadapter.New(root, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.ListenAddr != "" {
		go serveMetrics(cfg.Metrics.ListenAddr, metrics, logger)
	}

	stopStats := startStatsReporter(cache, cacheCfg, logger)
	defer stopStats()

	logger.Infof("mounting fusecache at %s", mountpoint)
	if err := fuseadapter.Mount(ctx, mountpoint, filesystem, cfg.Mount.ReadOnly); err != nil && ctx.Err() == nil {
		logger.Fatalf("mount: %v", err)
	}
	logger.Infof("unmounted %s", mountpoint)
}

func levelFromVerbose(verbose bool) obslog.Level {
	if verbose {
		return obslog.LevelDebug
	}
	return obslog.LevelInfo
}

// populateRoot wires each configured mount.files entry to a PageManager
// backed by either the HTTP remote or the in-memory backend (cache.mode:
// memory, used for local testing without a remote endpoint). Full
// directory/metadata sync with the remote is outside this core's scope
// (see config.FileEntry); entries are the practical stand-in for populating
// the mount's namespace.
func populateRoot(ctx context.Context, root *fsnode.Folder, cache *filedata.CacheManager, cfg *config.Config, metrics *obslog.Metrics) error {
	pageSize := cfg.Cache.PageSize
	for _, entry := range cfg.Mount.Files {
		var be filedata.Backend
		var size uint64

		if cfg.Cache.Mode == "memory" {
			be = backend.NewMemoryBackend(pageSize, nil)
		} else {
			httpBackend, err := backend.New(ctx, backend.Config{
				BaseURL: cfg.Remote.BaseURL,
				Timeout: cfg.Remote.Timeout,
			}, entry.ID, pageSize)
			if err != nil {
				return err
			}
			be = httpBackend
			size = httpBackend.BackendSize()
		}

		pm := filedata.NewPageManager(entry.ID, cache, be, size)
		pm.SetFaultHooks(metrics.RecordHit, func(pages int) {
			for i := 0; i < pages; i++ {
				metrics.RecordMiss()
			}
		})
		root.AddFile(entry.Name, fsnode.NewFile(entry.ID, entry.Name, 0, pm))
	}
	return nil
}

// serveMetrics exposes the Prometheus registry over HTTP.
func serveMetrics(addr string, metrics *obslog.Metrics, logger *obslog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	logger.Infof("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warnf("metrics server stopped: %v", err)
	}
}

// startStatsReporter logs a human-readable cache summary on a cron
// schedule, independent of CacheManager's own condition-variable-driven
// background workers.
func startStatsReporter(cache *filedata.CacheManager, cacheCfg filedata.Config, logger *obslog.Logger) func() {
	c := cron.New()
	_, err := c.AddFunc("@every 30s", func() {
		logger.Infof("%s", obslog.SummaryLine(cache.CurrentMemory(), cache.CurrentDirty(), cacheCfg.MemoryLimit))
	})
	if err != nil {
		logger.Warnf("stats reporter: %v", err)
	}
	c.Start()
	return func() {
		ctx := c.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}
}
