// Command synccore drives the one-way synchronization from the clinic's
// appointment database into the CRM: load configuration, wire every
// component, and run the scheduler loop until signaled to stop.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dentalcrm/synccore/pkg/config"
	"github.com/dentalcrm/synccore/pkg/crmclient"
	"github.com/dentalcrm/synccore/pkg/masking"
	"github.com/dentalcrm/synccore/pkg/notify"
	"github.com/dentalcrm/synccore/pkg/planprojector"
	"github.com/dentalcrm/synccore/pkg/reconciler"
	"github.com/dentalcrm/synccore/pkg/retryqueue"
	"github.com/dentalcrm/synccore/pkg/scheduler"
	"github.com/dentalcrm/synccore/pkg/source"
	"github.com/dentalcrm/synccore/pkg/syncerr"
	"github.com/dentalcrm/synccore/pkg/transform"
	"github.com/dentalcrm/synccore/pkg/version"
	"github.com/dentalcrm/synccore/pkg/watermark"
)

// finalLeadStatuses are the lead statuses that make a lead ineligible for
// conversion — it has already been won or lost through the CRM's own
// pipeline, so a matching appointment falls through to create instead.
var finalLeadStatuses = map[string]bool{"converted": true, "lost": true, "junk": true}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// exit codes per the operational contract: 0 clean shutdown, 1 fatal
// configuration error, 2 persistent storage corruption.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitStorageCorrupt = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v; continuing with existing environment", envPath, err)
	}

	gin.SetMode(getEnv("GIN_MODE", gin.ReleaseMode))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting synccore", "version", version.Full(), "config_dir", *configDir)

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return exitConfigError
	}

	sourceReader, err := source.Open(ctx, cfg.Source, cfg.Sync.FilialID)
	if err != nil {
		slog.Error("failed to open source database", "error", err)
		return exitConfigError
	}
	defer sourceReader.Close()

	queue, err := retryqueue.Open(ctx, cfg.Queue.StorePath, cfg.Queue.MaxQueueSize, cfg.Queue.MaxRetryAttempts, stdDurations(cfg.CRM.RetryDelays))
	if err != nil {
		if syncerr.Kind(err) == syncerr.StorageCorrupt {
			slog.Error("retry queue storage is corrupt, refusing to start", "error", err)
			return exitStorageCorrupt
		}
		slog.Error("failed to open retry queue", "error", err)
		return exitConfigError
	}
	defer queue.Close()

	planCache, err := planprojector.LoadCache(cfg.Plans.CachePath, cfg.Plans.MaxCacheEntries)
	if err != nil {
		slog.Warn("plan cache unreadable, starting empty", "error", err)
	}

	watermarkStore := watermark.New(cfg.Queue.WatermarkPath)

	crm := crmclient.New(cfg.CRM)
	masker := masking.New(cfg.Logging.MaskPersonalData)

	recon := reconciler.New(crm, cfg.Stages, finalLeadStatuses).WithMasker(masker)
	projector := planprojector.New(sourceReader, crm, planCache, cfg.Plans.ThrottleMinutes.Std(), systemClock{})

	var notifier *notify.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.New(cfg.Notify, os.Getenv(cfg.Notify.TokenEnv))
	}
	if notifier != nil {
		crm.SetOnCircuitOpen(func() { notifier.CircuitOpen(context.Background()) })
	}

	metrics := scheduler.NewMetrics(prometheus.DefaultRegisterer)

	sched := scheduler.New(scheduler.Config{
		Source:      sourceReaderAdapter{sourceReader},
		Reconcile:   recon,
		Queue:       queue,
		Watermark:   watermarkStore,
		Projector:   projector,
		Transform:   transform.Transform,
		Notifier:    notifier,
		Masker:      masker,
		Metrics:     metrics,
		Interval:    time.Duration(cfg.Sync.IntervalMinutes) * time.Minute,
		InitialSync: time.Duration(cfg.Sync.InitialSyncDays) * 24 * time.Hour,
	})

	admin := scheduler.NewAdminServer(sourceReaderAdapter{sourceReader}, queue)
	go func() {
		if err := admin.Run(cfg.Admin.ListenAddr); err != nil {
			slog.Error("admin server stopped", "error", err)
		}
	}()

	if err := config.Watch(ctx, *configDir, func(r config.Reloadable) {
		masker.SetEnabled(r.MaskPersonalData)
		crm.SetRateLimit(r.RateLimit)
		crm.SetRetryDelays(stdDurations(r.RetryDelays))
		queue.SetDelays(stdDurations(r.RetryDelays))
		projector.SetThrottle(r.ThrottleMinutes.Std())
		sched.SetInterval(time.Duration(r.IntervalMinutes) * time.Minute)
	}); err != nil {
		slog.Warn("configuration hot-reload disabled", "error", err)
	}

	if err := sched.Run(ctx); err != nil {
		slog.Error("scheduler exited with error", "error", err)
		return exitConfigError
	}

	if err := planCache.Persist(); err != nil {
		slog.Warn("failed to persist plan cache on shutdown", "error", err)
	}

	slog.Info("synccore shut down cleanly")
	return exitOK
}

func stdDurations(ds []config.Duration) []time.Duration {
	out := make([]time.Duration, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Std())
	}
	return out
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// sourceReaderAdapter narrows *source.Reader to scheduler.SourceReader: its
// ReadSince returns the concrete *source.Iterator, which does not
// structurally satisfy an interface method declared to return
// scheduler.RecordStream without this explicit conversion at the return site.
type sourceReaderAdapter struct {
	r *source.Reader
}

func (a sourceReaderAdapter) Ping(ctx context.Context) bool { return a.r.Ping(ctx) }

func (a sourceReaderAdapter) ReadSince(ctx context.Context, watermark time.Time) (scheduler.RecordStream, error) {
	return a.r.ReadSince(ctx, watermark)
}
