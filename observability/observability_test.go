package observability

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/topos/kit"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	tables := []string{
		"worker_heartbeats", "metrics_timeseries", "audit_log",
		"_observability_metadata",
	}
	for _, table := range tables {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

// --- MetricsManager ---

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.Record(&Metric{
		Name:      MetricSwitchDuration,
		Timestamp: time.Now(),
		Value:     42.5,
		Unit:      "milliseconds",
		Labels:    map[string]string{"topic": "t1"},
	})
	mm.RecordSimple(MetricCorrections, 3, "count")

	// Close flushes the buffer (single call, no defer to avoid double-close).
	mm.Close()

	// Re-create for query (Close stops the flush loop).
	mm2 := NewMetricsManager(db, 100, time.Hour)
	defer mm2.Close()

	metrics, err := mm2.Query(MetricSwitchDuration, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 {
		t.Fatalf("switch duration count: got %d", len(metrics))
	}
	if metrics[0].Value != 42.5 {
		t.Fatalf("value: got %f", metrics[0].Value)
	}
	if metrics[0].Labels["topic"] != "t1" {
		t.Fatalf("labels: got %v", metrics[0].Labels)
	}

	all, err := mm2.Query("", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("total count: got %d", len(all))
	}
}

func TestMetricsManager_QueryWithTimeRange(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	now := time.Now()
	mm.Record(&Metric{Name: "m1", Timestamp: now.Add(-2 * time.Hour), Value: 1, Unit: "x"})
	mm.Record(&Metric{Name: "m1", Timestamp: now, Value: 2, Unit: "x"})
	mm.Close() // flushes

	// New manager for querying.
	mm2 := NewMetricsManager(db, 100, time.Hour)
	defer mm2.Close()

	start := now.Add(-time.Hour)
	metrics, err := mm2.Query("m1", &start, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 {
		t.Fatalf("time-filtered count: got %d", len(metrics))
	}
}

func TestMetricsManager_RecordDuration(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.RecordDuration(MetricCaptureDuration, time.Now().Add(-150*time.Millisecond))
	mm.Close()

	mm2 := NewMetricsManager(db, 100, time.Hour)
	defer mm2.Close()

	metrics, err := mm2.Query(MetricCaptureDuration, nil, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 {
		t.Fatalf("count: got %d", len(metrics))
	}
	if metrics[0].Value < 150 {
		t.Fatalf("duration: got %f, want >= 150", metrics[0].Value)
	}
	if metrics[0].Unit != "milliseconds" {
		t.Fatalf("unit: got %q", metrics[0].Unit)
	}
}

func TestMetricsManager_Summary(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.RecordSimple(MetricSwitchDuration, 100, "milliseconds")
	mm.RecordSimple(MetricSwitchDuration, 300, "milliseconds")
	mm.RecordSimple(MetricTabsHidden, 7, "count")
	mm.Close()

	mm2 := NewMetricsManager(db, 100, time.Hour)
	defer mm2.Close()

	sums, err := mm2.Summary(context.Background(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 2 {
		t.Fatalf("summary rows: got %d", len(sums))
	}

	byName := make(map[string]MetricSummary, len(sums))
	for _, s := range sums {
		byName[s.Name] = s
	}
	sw := byName[MetricSwitchDuration]
	if sw.Count != 2 || sw.Avg != 200 || sw.Max != 300 {
		t.Fatalf("switch summary: got %+v", sw)
	}
	if byName[MetricTabsHidden].Sum != 7 {
		t.Fatalf("hidden summary: got %+v", byName[MetricTabsHidden])
	}
}

// --- HeartbeatWriter ---

func TestCollectRuntimeMetrics(t *testing.T) {
	m := CollectRuntimeMetrics()
	if m.GoroutinesCount <= 0 {
		t.Fatal("goroutines should be > 0")
	}
	if m.MemoryAllocMB <= 0 {
		t.Fatal("memory alloc should be > 0")
	}
}

func TestHeartbeatWriter_WriteHeartbeat(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "topos", time.Minute)

	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}

	var workerName string
	var goroutines int
	db.QueryRow("SELECT worker_name, goroutines_count FROM worker_heartbeats LIMIT 1").
		Scan(&workerName, &goroutines)
	if workerName != "topos" {
		t.Fatalf("worker_name: got %q", workerName)
	}
	if goroutines <= 0 {
		t.Fatal("goroutines should be > 0")
	}
}

func TestHeartbeatWriter_StartStop(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "loop_worker", 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	hw.Start(ctx)

	// Let a few heartbeats fire.
	time.Sleep(200 * time.Millisecond)
	cancel()
	hw.Stop()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats WHERE worker_name='loop_worker'").Scan(&count)
	if count < 2 {
		t.Fatalf("heartbeat count: got %d, want >= 2", count)
	}
}

func TestLatestHeartbeat(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "topos", time.Minute)
	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}

	hs, err := LatestHeartbeat(context.Background(), db, "topos", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil {
		t.Fatal("expected a heartbeat")
	}
	if !hs.Alive {
		t.Fatal("fresh heartbeat should be alive")
	}

	missing, err := LatestHeartbeat(context.Background(), db, "nobody", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown worker, got %+v", missing)
	}
}

func TestLatestHeartbeat_Stale(t *testing.T) {
	db := setupObsDB(t)
	oldTs := time.Now().Add(-time.Hour).Unix()
	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp,
		goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count)
		VALUES ('topos', 'host', 1, ?, 1, 1.0, 1.0, 1)`, oldTs)

	hs, err := LatestHeartbeat(context.Background(), db, "topos", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs.Alive {
		t.Fatal("hour-old heartbeat should be stale")
	}
	if hs.StaleSince == nil || *hs.StaleSince < 50*time.Minute {
		t.Fatalf("stale_since: got %v", hs.StaleSince)
	}
}

// --- AuditLogger ---

func TestAuditLogger_LogSync(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100)
	defer al.Close()

	ctx := kit.WithSessionID(context.Background(), "sess_1")
	ctx = kit.WithRequestID(ctx, "req_1")
	entry := &AuditEntry{
		Component:  "topics",
		Operation:  "switch_topic",
		Status:     "success",
		DurationMs: 42,
	}
	if err := al.Log(ctx, entry); err != nil {
		t.Fatal(err)
	}

	if entry.EntryID == "" {
		t.Fatal("entry_id not generated")
	}

	var component, sessionID, requestID string
	db.QueryRow("SELECT component, session_id, request_id FROM audit_log WHERE entry_id=?", entry.EntryID).
		Scan(&component, &sessionID, &requestID)
	if component != "topics" {
		t.Fatalf("component: got %q", component)
	}
	if sessionID != "sess_1" || requestID != "req_1" {
		t.Fatalf("context fill: got session %q, request %q", sessionID, requestID)
	}
}

func TestAuditLogger_LogAsync(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100)

	al.LogAsync(&AuditEntry{
		Component: "api",
		Operation: "create_topic",
	})
	al.Close()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE component='api'").Scan(&count)
	if count != 1 {
		t.Fatalf("async count: got %d", count)
	}
}

func TestAuditLogger_NewAuditEntry_Success(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100)
	defer al.Close()

	entry := al.NewAuditEntry(context.Background(), "topics", "capture_bookmark",
		map[string]int64{"tab": 7}, map[string]string{"bookmark": "bm_1"}, nil, 150*time.Millisecond)

	if entry.Status != "success" {
		t.Fatalf("status: got %q", entry.Status)
	}
	if entry.Params != `{"tab":7}` {
		t.Fatalf("params: got %q", entry.Params)
	}
	if entry.Result != `{"bookmark":"bm_1"}` {
		t.Fatalf("result: got %q", entry.Result)
	}
	if entry.DurationMs != 150 {
		t.Fatalf("duration: got %d", entry.DurationMs)
	}
}

func TestAuditLogger_NewAuditEntry_Error(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100)
	defer al.Close()

	entry := al.NewAuditEntry(context.Background(), "topics", "switch_topic",
		nil, nil, errors.New("switch already in flight"), 0)

	if entry.Status != "error" {
		t.Fatalf("status: got %q", entry.Status)
	}
	if entry.Error != "switch already in flight" {
		t.Fatalf("error: got %q", entry.Error)
	}
	if entry.Result != "" {
		t.Fatalf("error entries carry no result, got %q", entry.Result)
	}
}

func TestAuditLogger_Query(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100)
	defer al.Close()

	ctx := context.Background()
	al.Log(ctx, &AuditEntry{Component: "topics", Operation: "switch_topic", Status: "success"})
	al.Log(ctx, &AuditEntry{Component: "topics", Operation: "switch_topic", Status: "error", Error: "boom"})
	al.Log(ctx, &AuditEntry{Component: "api", Operation: "create_topic", Status: "success"})

	byComponent, err := al.Query(ctx, &AuditFilter{Component: "topics"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byComponent) != 2 {
		t.Fatalf("component filter: got %d", len(byComponent))
	}

	failed, err := al.Query(ctx, &AuditFilter{Status: "error"})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Error != "boom" {
		t.Fatalf("status filter: got %+v", failed)
	}

	limited, err := al.Query(ctx, &AuditFilter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit: got %d", len(limited))
	}
}

func TestAuditLogger_WithIDGenerator(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100,
		WithAuditIDGenerator(func() string { return "fixed_id" }),
	)
	defer al.Close()

	entry := &AuditEntry{Component: "test", Operation: "op"}
	if err := al.Log(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	if entry.EntryID != "fixed_id" {
		t.Fatalf("entry_id: got %q", entry.EntryID)
	}
}

// --- Retention ---

func TestCleanup_Retention(t *testing.T) {
	db := setupObsDB(t)

	oldTs := time.Now().Add(-40 * 24 * time.Hour).Unix()
	db.Exec(`INSERT INTO metrics_timeseries (metric_name, timestamp, value) VALUES ('old', ?, 1)`, oldTs)
	db.Exec(`INSERT INTO metrics_timeseries (metric_name, timestamp, value) VALUES ('new', ?, 1)`, time.Now().Unix())
	db.Exec(`INSERT INTO audit_log (entry_id, timestamp, component, operation, status)
		VALUES ('a1', ?, 'topics', 'op', 'success')`, oldTs)
	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp)
		VALUES ('topos', 'host', 1, ?)`, oldTs)

	err := Cleanup(context.Background(), db, RetentionConfig{
		MetricsDays:    30,
		AuditDays:      30,
		HeartbeatsDays: 30,
	})
	if err != nil {
		t.Fatal(err)
	}

	var metrics, audits, beats int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&metrics)
	db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&audits)
	db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats").Scan(&beats)
	if metrics != 1 {
		t.Fatalf("metrics remaining: got %d", metrics)
	}
	if audits != 0 {
		t.Fatalf("audits remaining: got %d", audits)
	}
	if beats != 0 {
		t.Fatalf("heartbeats remaining: got %d", beats)
	}
}

func TestCleanup_SkipsZeroDays(t *testing.T) {
	db := setupObsDB(t)

	oldTs := time.Now().Add(-400 * 24 * time.Hour).Unix()
	db.Exec(`INSERT INTO metrics_timeseries (metric_name, timestamp, value) VALUES ('old', ?, 1)`, oldTs)

	if err := Cleanup(context.Background(), db, RetentionConfig{}); err != nil {
		t.Fatal(err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&count)
	if count != 1 {
		t.Fatalf("zero-day retention must not delete, got %d rows", count)
	}
}
