package topics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/topos/capture"
	"github.com/hazyhaar/topos/guard"
	"github.com/hazyhaar/topos/observability"
	"github.com/hazyhaar/topos/store"
	"github.com/hazyhaar/topos/tabid"
	"github.com/hazyhaar/topos/tabs"
)

// DefaultSweepInterval is how often the background sweeper re-enforces
// visibility when nothing else triggers a pass.
const DefaultSweepInterval = 30 * time.Second

const outerHTMLScript = "document.documentElement.outerHTML"

// Config wires a Service. Store, Reconciler, Assignments, Platform and
// Resolver are required; Metrics and Audit are optional monitoring sinks.
type Config struct {
	Store       *store.Store
	Reconciler  *Reconciler
	Assignments *Assignments
	Platform    tabs.Platform
	Resolver    *tabid.Resolver
	Capturer    *capture.Capturer
	Logger      *slog.Logger
	Metrics     *observability.MetricsManager
	Audit       *observability.AuditLogger
}

// Service is the application facade: topic lifecycle, switching, tab
// listing, and bookmark capture. Plain state edits go straight through
// store actions; Service owns the operations that need orchestration
// across the store, the assignment map, and the live browser.
type Service struct {
	st       *store.Store
	rec      *Reconciler
	assign   *Assignments
	platform tabs.Platform
	resolver *tabid.Resolver
	capturer *capture.Capturer
	logger   *slog.Logger
	metrics  *observability.MetricsManager
	audit    *observability.AuditLogger
}

// NewService validates cfg and builds the facade.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Reconciler == nil || cfg.Assignments == nil ||
		cfg.Platform == nil || cfg.Resolver == nil {
		return nil, errors.New("topics: incomplete service config")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capturer := cfg.Capturer
	if capturer == nil {
		capturer = capture.New(logger)
	}
	return &Service{
		st:       cfg.Store,
		rec:      cfg.Reconciler,
		assign:   cfg.Assignments,
		platform: cfg.Platform,
		resolver: cfg.Resolver,
		capturer: capturer,
		logger:   logger,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
	}, nil
}

func (s *Service) recordDuration(name string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordDuration(name, start)
}

func (s *Service) auditLog(ctx context.Context, operation string, params, result interface{}, err error, duration time.Duration) {
	if s.audit == nil {
		return
	}
	s.audit.LogAsync(s.audit.NewAuditEntry(ctx, "topics", operation, params, result, err, duration))
}

// TopicView is a topic plus its runtime standing.
type TopicView struct {
	store.Topic
	Active   bool `json:"active"`
	Bindings int  `json:"bindings"`
}

// TabView describes a physical tab with its durable identity and owner.
type TabView struct {
	ID       int64  `json:"id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Hidden   bool   `json:"hidden"`
	Active   bool   `json:"active"`
	StableID string `json:"stableId,omitempty"`
	TopicID  string `json:"topicId,omitempty"`
}

// ServiceStats aggregates the runtime counters exposed over the API.
type ServiceStats struct {
	Reconciler StatsSnapshot `json:"reconciler"`
	Bindings   int           `json:"bindings"`
	Topics     int           `json:"topics"`
	StoreRev   uint64        `json:"storeRev"`
}

// CreateTopic adds a topic. When categorySetID names a category set, the
// set's categories are created under the new topic in order.
func (s *Service) CreateTopic(ctx context.Context, name, color, categorySetID string) (store.Topic, error) {
	var set store.CategorySet
	if categorySetID != "" {
		if err := guard.ValidateIdentifier(categorySetID); err != nil {
			return store.Topic{}, err
		}
		var ok bool
		if set, ok = store.SelectCategorySet(s.st.State(), categorySetID); !ok {
			return store.Topic{}, &NotFoundError{Kind: "category set", ID: categorySetID}
		}
	}

	act, err := store.AddTopic(name, color)
	if err != nil {
		return store.Topic{}, err
	}
	topic := act.Payload.(store.AddTopicPayload).Topic
	if err := s.st.Dispatch(act); err != nil {
		return store.Topic{}, err
	}

	for _, catName := range set.Categories {
		catAct, err := store.AddCategory(topic.ID, catName)
		if err != nil {
			s.logger.Warn("topics: skipping category from set",
				"set", categorySetID, "name", catName, "error", err)
			continue
		}
		if err := s.st.Dispatch(catAct); err != nil {
			return topic, err
		}
	}

	s.logger.Info("topics: topic created",
		"topic", topic.ID, "name", topic.Name, "categories", len(set.Categories))
	s.auditLog(ctx, "create_topic",
		map[string]string{"name": name}, map[string]string{"topic": topic.ID}, nil, 0)
	return topic, nil
}

// UpdateTopic applies a partial update to a topic.
func (s *Service) UpdateTopic(ctx context.Context, topicID string, patch store.TopicPatch) error {
	if _, ok := store.SelectTopic(s.st.State(), topicID); !ok {
		return &NotFoundError{Kind: "topic", ID: topicID}
	}
	act, err := store.UpdateTopic(topicID, patch)
	if err != nil {
		return err
	}
	return s.st.Dispatch(act)
}

// DeleteTopic removes a topic with its categories and bookmarks, then
// prunes tab bindings that pointed at it. Tabs the topic owned stay open;
// they are unclaimed until the next reconciliation adopts them.
func (s *Service) DeleteTopic(ctx context.Context, topicID string) error {
	snap := s.st.State()
	if _, ok := store.SelectTopic(snap, topicID); !ok {
		return &NotFoundError{Kind: "topic", ID: topicID}
	}
	act, err := store.DeleteTopic(topicID, store.SelectCategoryIDs(snap, topicID)...)
	if err != nil {
		return err
	}
	if err := s.st.Dispatch(act); err != nil {
		return err
	}

	after := s.st.State()
	pruned, err := s.assign.PruneTopics(ctx, func(id string) bool {
		_, ok := store.SelectTopic(after, id)
		return ok
	})
	if err != nil {
		s.logger.Warn("topics: pruning bindings failed", "topic", topicID, "error", err)
	}
	s.logger.Info("topics: topic deleted", "topic", topicID, "prunedBindings", pruned)
	s.auditLog(ctx, "delete_topic",
		map[string]string{"topic": topicID}, map[string]int{"prunedBindings": pruned}, nil, 0)
	return nil
}

// SwitchTopic activates a topic and reconciles tab visibility.
func (s *Service) SwitchTopic(ctx context.Context, topicID string) error {
	if err := guard.ValidateIdentifier(topicID); err != nil {
		return err
	}
	start := time.Now()
	err := s.rec.SwitchTo(ctx, topicID)
	if err == nil {
		s.recordDuration(observability.MetricSwitchDuration, start)
	}
	s.auditLog(ctx, "switch_topic", map[string]string{"topic": topicID}, nil, err, time.Since(start))
	return err
}

// ListTopics returns all topics with activation and binding counts.
func (s *Service) ListTopics(ctx context.Context) []TopicView {
	snap := s.st.State()
	active := store.SelectActiveTopicID(snap)

	perTopic := make(map[string]int)
	for _, owner := range s.assign.All() {
		perTopic[owner]++
	}

	topicList := store.SelectTopics(snap)
	views := make([]TopicView, 0, len(topicList))
	for _, t := range topicList {
		views = append(views, TopicView{
			Topic:    t,
			Active:   t.ID == active,
			Bindings: perTopic[t.ID],
		})
	}
	return views
}

// ListTabs returns the live tabs with their resolved identities and
// owners. Non-regular tabs are listed without identity.
func (s *Service) ListTabs(ctx context.Context) ([]TabView, error) {
	all, err := s.platform.Query(ctx)
	if err != nil {
		return nil, fmt.Errorf("topics: query tabs: %w", err)
	}
	views := make([]TabView, 0, len(all))
	for _, tb := range all {
		v := TabView{
			ID:     tb.ID,
			URL:    tb.URL,
			Title:  tb.Title,
			Hidden: tb.Hidden,
			Active: tb.Active,
		}
		if tabs.Regular(tb) {
			v.StableID = s.resolver.Resolve(ctx, tb)
			if owner, ok := s.assign.TopicOf(v.StableID); ok {
				v.TopicID = owner
			}
		}
		views = append(views, v)
	}
	return views, nil
}

// CaptureBookmark distils the tab's current page into a bookmark under
// categoryID. When the page content cannot be read the bookmark still
// gets created from the tab's metadata.
func (s *Service) CaptureBookmark(ctx context.Context, tabID int64, categoryID string) (store.Bookmark, error) {
	if err := guard.ValidateIdentifier(categoryID); err != nil {
		return store.Bookmark{}, err
	}
	if _, ok := store.SelectCategory(s.st.State(), categoryID); !ok {
		return store.Bookmark{}, &NotFoundError{Kind: "category", ID: categoryID}
	}
	start := time.Now()

	tb, err := s.platform.Get(ctx, tabID)
	if err != nil {
		return store.Bookmark{}, fmt.Errorf("topics: capture: %w", err)
	}
	if !tabs.Regular(tb) {
		return store.Bookmark{}, ErrNotCapturable
	}

	b := store.Bookmark{
		CategoryID: categoryID,
		Title:      tb.Title,
		URL:        tb.URL,
		FavIconURL: tb.FavIconURL,
	}
	if page := s.capturePage(ctx, tb); page != nil {
		if page.Title != "" {
			b.Title = page.Title
		}
		b.Description = page.Description
		b.Content = page.Markdown
		b.ContentHash = page.ContentHash
	}

	act, err := store.AddBookmarkFull(b)
	if err != nil {
		return store.Bookmark{}, err
	}
	if err := s.st.Dispatch(act); err != nil {
		return store.Bookmark{}, err
	}
	saved := act.Payload.(store.AddBookmarkPayload).Bookmark
	s.recordDuration(observability.MetricCaptureDuration, start)
	s.auditLog(ctx, "capture_bookmark",
		map[string]interface{}{"tab": tabID, "category": categoryID},
		map[string]string{"bookmark": saved.ID}, nil, time.Since(start))
	s.logger.Info("topics: bookmark captured",
		"bookmark", saved.ID, "category", categoryID, "tab", tabID, "url", saved.URL)
	return saved, nil
}

// capturePage reads and distils the tab's DOM. Failures degrade to a
// metadata-only bookmark rather than failing the capture.
func (s *Service) capturePage(ctx context.Context, tb tabs.Tab) *capture.Page {
	htmlSrc, err := s.platform.ExecuteScript(ctx, tb.ID, outerHTMLScript)
	if err != nil {
		s.logger.Warn("topics: page read failed, capturing metadata only",
			"tab", tb.ID, "error", err)
		return nil
	}
	page, err := s.capturer.FromHTML([]byte(htmlSrc), tb.URL)
	if err != nil {
		s.logger.Warn("topics: content extraction failed, capturing metadata only",
			"tab", tb.ID, "error", err)
		return nil
	}
	return page
}

// Stats aggregates runtime counters.
func (s *Service) Stats() ServiceStats {
	snap := s.st.State()
	return ServiceStats{
		Reconciler: s.rec.Stats(),
		Bindings:   s.assign.Len(),
		Topics:     len(store.SelectTopics(snap)),
		StoreRev:   snap.Rev(),
	}
}

// StartSweeper launches the periodic self-healing pass. It stops when
// ctx ends.
func (s *Service) StartSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.rec.Sweep(ctx); err != nil {
					s.logger.Warn("topics: sweep failed", "error", err)
				}
			}
		}
	}()
}
