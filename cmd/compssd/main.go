// Command compssd is the runtime daemon: it wires the AccessProcessor,
// TaskScheduler, Transfer orchestrator, and supporting infrastructure
// together and exposes a small HTTP status surface, the same
// config-then-telemetry-then-listen shape orchestrator/main.go uses.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/alexbarcelo/compss/internal/accessproc"
	"github.com/alexbarcelo/compss/internal/config"
	"github.com/alexbarcelo/compss/internal/datamodel"
	"github.com/alexbarcelo/compss/internal/dataprovider"
	"github.com/alexbarcelo/compss/internal/fileops"
	"github.com/alexbarcelo/compss/internal/gc"
	"github.com/alexbarcelo/compss/internal/invoker"
	"github.com/alexbarcelo/compss/internal/scheduler"
	"github.com/alexbarcelo/compss/internal/storage"
	"github.com/alexbarcelo/compss/internal/telemetry"
	"github.com/alexbarcelo/compss/internal/transfer"
	"github.com/alexbarcelo/compss/pkg/compssapi"
)

const serviceName = "compssd"

func main() {
	log := telemetry.InitLogging(serviceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	instruments, shutdownTelemetry := telemetry.Init(ctx, serviceName)
	defer func() {
		fctx, fcancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer fcancel()
		shutdownTelemetry(fctx)
	}()
	meter := otel.GetMeterProvider().Meter("compssd")

	catalog, topo, err := config.LoadTopology(cfg.ResourcesFile)
	if err != nil {
		log.Error("topology load failed", "error", err)
		os.Exit(1)
	}

	dbPath := os.Getenv("COMPSS_STORAGE_PATH")
	if dbPath == "" {
		dbPath = cfg.CompssHome + "/compssd.db"
	}
	store, err := storage.Open(dbPath, meter, log)
	if err != nil {
		log.Error("storage open failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.LoadTopology(topo); err != nil {
		log.Warn("topology restore failed, starting from resources file only", "error", err)
	}

	natsURL := os.Getenv("COMPSS_NATS_URL")
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}
	nc, err := nats.Connect(natsURL)
	if err != nil {
		log.Error("nats connect failed", "url", natsURL, "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	inv := invoker.NewNATSInvoker(nc, log)

	provider := dataprovider.New()
	dataStore := datamodel.NewStore()
	files := fileops.NewExecutor(256, log)
	xfer := transfer.New(topo, dataStore, transfer.NewSSHBackend(log, nil), log)

	ap := accessproc.New(provider, dataStore, files, xfer, meter, log, cfg.RequestQueueSize, cfg.AccessProcRateRPS)

	policy, ok := scheduler.NewPolicy(cfg.SchedulerName)
	if !ok {
		log.Error("unknown scheduler selector", "selector", cfg.SchedulerName)
		os.Exit(1)
	}
	sched := scheduler.New(catalog, dataStore, policy, inv, xfer, ap, log)
	ap.Wire(sched)

	go ap.Run(ctx)

	collector, err := gc.New(gcCronExpr(), ap, meter, log)
	if err != nil {
		log.Error("gc collector init failed", "error", err)
		os.Exit(1)
	}
	collector.Start()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = collector.Stop(sctx)
	}()

	api := compssapi.New(ap)

	srv := &http.Server{Addr: listenAddr(), Handler: instrument(newMux(api, store), instruments)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	log.Info("compssd started", "addr", srv.Addr, "scheduler", cfg.SchedulerName)
	<-ctx.Done()
	log.Info("shutdown initiated")

	sdCtx, sdCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		log.Warn("http shutdown error", "error", err)
	}
	log.Info("shutdown complete")
}

func listenAddr() string {
	if addr := os.Getenv("COMPSS_LISTEN_ADDR"); addr != "" {
		return addr
	}
	return ":8082"
}

func gcCronExpr() string {
	if expr := os.Getenv("COMPSS_GC_CRON"); expr != "" {
		return expr
	}
	return "0 */5 * * * *"
}

// instrument wraps next with request-count and latency recording
// against the same instrument set accessproc and transfer report
// through, so HTTP-surfaced operations show up alongside dispatch
// internals in one dashboard.
func instrument(next http.Handler, inst telemetry.Instruments) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		inst.RequestsDispatched.Add(r.Context(), 1, metric.WithAttributes(attribute.String("route", r.URL.Path)))
		inst.DispatchLatencyMs.Record(r.Context(), float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("route", r.URL.Path)))
	})
}

func newMux(api *compssapi.API, store *storage.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		records, err := store.RecentAudit(100)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(records)
	})
	mux.HandleFunc("/v1/apps/{appId}/barrier", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		appId := datamodel.AppId(r.PathValue("appId"))
		if err := api.Barrier(r.Context(), appId); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/apps/{appId}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		appId := datamodel.AppId(r.PathValue("appId"))
		if err := api.CancelApp(r.Context(), appId); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
