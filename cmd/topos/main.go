// Command topos is the topic-workspace daemon: it partitions the tabs of a
// CDP-driven Chrome into topics and keeps exactly the active topic's tabs
// visible, with bookmarks and categories persisted per topic.
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/topos/browser"
	"github.com/hazyhaar/topos/capture"
	"github.com/hazyhaar/topos/dbopen"
	"github.com/hazyhaar/topos/kv"
	"github.com/hazyhaar/topos/mcpquic"
	"github.com/hazyhaar/topos/notify"
	"github.com/hazyhaar/topos/observability"
	"github.com/hazyhaar/topos/shield"
	"github.com/hazyhaar/topos/store"
	"github.com/hazyhaar/topos/tabid"
	"github.com/hazyhaar/topos/tabs"
	"github.com/hazyhaar/topos/topics"
	"github.com/hazyhaar/topos/watch"
)

func main() {
	cfg, err := LoadConfig(env("TOPOS_CONFIG", ""))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	cfg.DataDir = env("TOPOS_DATA", cfg.DataDir)
	cfg.HTTPAddr = env("TOPOS_HTTP_ADDR", cfg.HTTPAddr)
	cfg.MCP.Addr = env("TOPOS_MCP_ADDR", cfg.MCP.Addr)
	cfg.Browser.ControlURL = env("TOPOS_BROWSER_URL", cfg.Browser.ControlURL)

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", cfg.LogLevel) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// State database.
	kvDB, err := dbopen.Open(filepath.Join(cfg.DataDir, "topos.db"), dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("state db", "error", err)
		os.Exit(1)
	}
	defer kvDB.Close()
	kvStore, err := kv.NewSQLite(kvDB)
	if err != nil {
		slog.Error("kv schema", "error", err)
		os.Exit(1)
	}

	// Observability database, kept apart from state so monitoring writes
	// never contend with persistence.
	obsDB, err := dbopen.Open(filepath.Join(cfg.DataDir, "observability.db"), dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}
	metrics := observability.NewMetricsManager(obsDB, 256, 10*time.Second)
	defer metrics.Close()
	audit := observability.NewAuditLogger(obsDB, 256)
	defer audit.Close()
	heartbeat := observability.NewHeartbeatWriter(obsDB, "topos", time.Minute)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()
	go retentionLoop(ctx, obsDB, cfg.Metrics.Retention)

	// Notifications.
	notifier := buildNotifier(logger, cfg.Notify)

	// Store assembly: reducers, logging, write-through persistence.
	st := store.New(store.WithLogger(logger))
	if err := store.RegisterDefaults(st); err != nil {
		slog.Error("register reducers", "error", err)
		os.Exit(1)
	}
	st.Use(store.LoggingMiddleware(logger))
	persister := store.NewPersister(kvStore,
		store.WithPersistLogger(logger),
		store.WithFailureHook(func(err error) {
			metrics.RecordSimple(observability.MetricWriteFailures, 1, "count")
			n := notify.New(notify.Error, "State write failed", err.Error())
			if nerr := notifier.Notify(context.Background(), n); nerr != nil {
				logger.Error("notify failed", "error", nerr)
			}
		}))
	st.Use(persister.Middleware())

	persistCtx, persistCancel := context.WithCancel(context.Background())
	defer persistCancel()
	persister.Start(persistCtx)

	if err := store.Hydrate(ctx, st, kvStore); err != nil {
		slog.Error("hydrate", "error", err)
		// The store is initialized on defaults; keep going.
	}

	// Browser.
	var browserLost atomic.Bool
	mgr := browser.NewManager(browser.Config{
		ControlURL:        cfg.Browser.ControlURL,
		PingInterval:      cfg.Browser.PingInterval,
		ReconnectAttempts: cfg.Browser.ReconnectAttempts,
		ReconnectDelay:    cfg.Browser.ReconnectDelay,
		Logger:            logger,
		OnLost: func(err error) {
			browserLost.Store(true)
			n := notify.New(notify.Critical, "Browser connection lost", err.Error())
			if nerr := notifier.Notify(context.Background(), n); nerr != nil {
				logger.Error("notify failed", "error", nerr)
			}
			cancel()
		},
	})
	if _, err := mgr.Start(ctx); err != nil {
		slog.Error("browser connect", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()
	platform := browser.NewPlatform(mgr, browser.WithLogger(logger))
	if err := platform.Start(ctx); err != nil {
		slog.Error("browser platform", "error", err)
		os.Exit(1)
	}

	// Identity and reconciliation.
	resolver := tabid.New(platform,
		tabid.WithLogger(logger),
		tabid.WithVolatilePrefixes(cfg.Tabs.VolatileParams...))
	assignments := topics.NewAssignments(kvStore, logger)
	if err := assignments.Load(ctx); err != nil {
		slog.Error("load tab assignments", "error", err)
		os.Exit(1)
	}
	if pruned, err := assignments.PruneTopics(ctx, func(id string) bool {
		_, ok := store.SelectTopic(st.State(), id)
		return ok
	}); err != nil {
		slog.Warn("prune tab assignments", "error", err)
	} else if pruned > 0 {
		slog.Info("pruned bindings of deleted topics", "count", pruned)
	}
	rec := topics.NewReconciler(platform, resolver, st, assignments,
		topics.WithLogger(logger),
		topics.WithNotifier(notifier),
		topics.WithNewTabBase(cfg.Tabs.DefaultTabURL))

	svc, err := topics.NewService(topics.Config{
		Store:       st,
		Reconciler:  rec,
		Assignments: assignments,
		Platform:    platform,
		Resolver:    resolver,
		Logger:      logger,
		Metrics:     metrics,
		Audit:       audit,
		Capturer: capture.New(logger,
			capture.WithSiteSelectors(cfg.Capture.SiteSelectors)),
	})
	if err != nil {
		slog.Error("topics service", "error", err)
		os.Exit(1)
	}

	// Initial enforcement, then the event loop and the self-healing sweep.
	if err := rec.Sweep(ctx); err != nil {
		slog.Warn("initial reconciliation", "error", err)
	}
	go rec.Run(ctx)
	if cfg.Tabs.SweepInterval > 0 {
		svc.StartSweeper(ctx, cfg.Tabs.SweepInterval)
	}
	go statsSampler(ctx, rec, metrics)

	// External writers (another tool editing topos.db) trigger rehydration.
	watcher := watch.New(kvDB,
		watch.WithInterval(cfg.Watch.Interval),
		watch.WithDebounce(cfg.Watch.Debounce),
		watch.WithLogger(logger))
	go watcher.OnChange(ctx, func() error {
		n, err := store.Rehydrate(ctx, st, kvStore)
		if err != nil {
			return err
		}
		if err := assignments.Load(ctx); err != nil {
			return err
		}
		if n > 0 {
			logger.Info("state rehydrated after external write", "slices", n)
			return rec.Sweep(ctx)
		}
		return nil
	})

	// Optional MCP over QUIC.
	if cfg.MCP.Addr != "" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "topos", Version: "1.0.0"}, nil)
		svc.RegisterMCP(mcpSrv)

		var tlsCfg *tls.Config
		if cfg.MCP.TLSCert != "" && cfg.MCP.TLSKey != "" {
			tlsCfg, err = mcpquic.ServerTLSConfig(cfg.MCP.TLSCert, cfg.MCP.TLSKey)
		} else {
			tlsCfg, err = mcpquic.SelfSignedTLSConfig()
		}
		if err != nil {
			slog.Error("MCP TLS", "error", err)
		} else if ql, qErr := mcpquic.NewListener(cfg.MCP.Addr, tlsCfg, mcpSrv, logger); qErr != nil {
			slog.Error("MCP listener", "error", qErr)
		} else {
			go func() {
				slog.Info("MCP QUIC starting", "addr", cfg.MCP.Addr)
				if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
					slog.Error("MCP QUIC", "error", sErr)
				}
			}()
		}
	}

	// Control API.
	if err := shield.Init(kvDB); err != nil {
		slog.Error("shield init", "error", err)
		os.Exit(1)
	}
	r := chi.NewRouter()
	stack, rl := shield.APIStack(kvDB)
	rl.StartReloader(ctx.Done())
	for _, mw := range stack {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/api/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, stateView(st.State()))
	})

	r.Get("/api/topics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, svc.ListTopics(r.Context()))
	})

	r.Post("/api/topics", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name          string `json:"name"`
			Color         string `json:"color"`
			CategorySetID string `json:"categorySetId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		topic, err := svc.CreateTopic(r.Context(), req.Name, req.Color, req.CategorySetID)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, 201, topic)
	})

	r.Put("/api/topics/{topicID}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name  *string `json:"name"`
			Color *string `json:"color"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		patch := store.TopicPatch{Name: req.Name, Color: req.Color}
		if err := svc.UpdateTopic(r.Context(), chi.URLParam(r, "topicID"), patch); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "updated"})
	})

	r.Delete("/api/topics/{topicID}", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteTopic(r.Context(), chi.URLParam(r, "topicID")); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "deleted"})
	})

	r.Post("/api/topics/{topicID}/activate", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.SwitchTopic(r.Context(), chi.URLParam(r, "topicID")); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "activated"})
	})

	r.Get("/api/tabs", func(w http.ResponseWriter, r *http.Request) {
		views, err := svc.ListTabs(r.Context())
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, 200, views)
	})

	r.Post("/api/tabs/{tabID}/capture", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CategoryID string `json:"categoryId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		tabID, err := parseTabID(chi.URLParam(r, "tabID"))
		if err != nil {
			writeError(w, 400, err)
			return
		}
		bm, err := svc.CaptureBookmark(r.Context(), tabID, req.CategoryID)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, 201, bm)
	})

	r.Get("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		summary, err := metrics.Summary(r.Context(), time.Now().Add(-24*time.Hour))
		if err != nil {
			logger.Warn("metrics summary", "error", err)
		}
		writeJSON(w, 200, map[string]any{
			"service": svc.Stats(),
			"metrics": summary,
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("server starting", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	if err := persister.Flush(shutdownCtx); err != nil {
		slog.Error("flush persistence", "error", err)
	}
	persistCancel()
	slog.Info("server stopped")

	if browserLost.Load() {
		os.Exit(1)
	}
}

// statsSampler mirrors the reconciler's counters into the metrics
// timeseries once a minute.
func statsSampler(ctx context.Context, rec *topics.Reconciler, metrics *observability.MetricsManager) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := rec.Stats()
			metrics.RecordSimple(observability.MetricSwitches, float64(s.Switches), "count")
			metrics.RecordSimple(observability.MetricTabsHidden, float64(s.TabsHidden), "count")
			metrics.RecordSimple(observability.MetricTabsShown, float64(s.TabsShown), "count")
			metrics.RecordSimple(observability.MetricTabsCreated, float64(s.TabsCreated), "count")
			metrics.RecordSimple(observability.MetricCorrections, float64(s.Corrections), "count")
			metrics.RecordSimple(observability.MetricTabEvents, float64(s.Events), "count")
			metrics.RecordSimple(observability.MetricPlatformFailures, float64(s.PlatformFailures), "count")
		}
	}
}

func retentionLoop(ctx context.Context, db *sql.DB, retention time.Duration) {
	days := int(retention / (24 * time.Hour))
	if days <= 0 {
		days = 1
	}
	cfg := observability.RetentionConfig{
		MetricsDays:    days,
		AuditDays:      days,
		HeartbeatsDays: days,
	}
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := observability.Cleanup(ctx, db, cfg); err != nil {
				slog.Warn("observability cleanup", "error", err)
			}
		}
	}
}

func buildNotifier(logger *slog.Logger, cfg NotifyConfig) notify.Notifier {
	sinks := []notify.Notifier{notify.NewLog(logger)}
	if cfg.WebhookURL != "" {
		wh, err := notify.NewWebhook(cfg.WebhookURL)
		if err != nil {
			logger.Error("notification webhook disabled", "error", err)
		} else {
			sinks = append(sinks, wh)
		}
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return notify.Multi(sinks...)
}

// stateView flattens a snapshot for the API. uiState is ephemeral and
// deliberately absent.
func stateView(snap store.Snapshot) map[string]any {
	topicList := store.SelectTopics(snap)
	categories := map[string][]store.Category{}
	bookmarks := map[string][]store.Bookmark{}
	for _, t := range topicList {
		cats := store.SelectCategories(snap, t.ID)
		if len(cats) > 0 {
			categories[t.ID] = cats
		}
		for _, c := range cats {
			if bms := store.SelectBookmarks(snap, c.ID); len(bms) > 0 {
				bookmarks[c.ID] = bms
			}
		}
	}
	meta := snap.Meta()
	return map[string]any{
		"version":       store.Version,
		"topics":        topicList,
		"activeTopicId": store.SelectActiveTopicID(snap),
		"categories":    categories,
		"bookmarks":     bookmarks,
		"categorySets":  store.SelectCategorySets(snap),
		"meta": map[string]any{
			"lastUpdated": meta.LastUpdated,
			"initialized": meta.Initialized,
			"lastChanged": meta.LastChanged,
		},
	}
}

func httpError(w http.ResponseWriter, err error) {
	var ve *store.ValidationError
	switch {
	case errors.Is(err, topics.ErrSwitchInFlight):
		writeError(w, 409, err)
	case topics.IsNotFound(err):
		writeError(w, 404, err)
	case errors.As(err, &ve), strings.HasPrefix(err.Error(), "guard:"):
		writeError(w, 400, err)
	case errors.Is(err, topics.ErrNotCapturable):
		writeError(w, 422, err)
	case errors.Is(err, tabs.ErrNoScriptPermission):
		writeError(w, 422, err)
	default:
		writeError(w, 500, err)
	}
}

func parseTabID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("tab id must be a positive integer")
	}
	return id, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
