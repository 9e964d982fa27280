// Package browser adapts a CDP-driven Chrome to the tabs.Platform surface.
// The Manager owns the connection lifecycle: launch or attach, health
// monitoring, reconnect with backoff. The Platform translates tab
// operations and target events; it also derives DOM fingerprints for tab
// identity.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Config configures the browser Manager.
type Config struct {
	// ControlURL is the WebSocket URL of a running Chrome instance.
	// Empty launches a local headful Chrome via launcher.
	ControlURL string

	// PingInterval between connection health checks. Default: 15s.
	PingInterval time.Duration

	// ReconnectAttempts before the connection is declared lost. Default: 5.
	ReconnectAttempts int

	// ReconnectDelay between attempts, doubled each retry. Default: 2s.
	ReconnectDelay time.Duration

	// OnLost is called once when all reconnect attempts fail. The daemon
	// cannot reconcile a browser it cannot reach.
	OnLost func(error)

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager manages the Chrome connection.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a browser Manager. Call Start to connect.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start connects to Chrome (or launches a local instance) and starts the
// health monitor. The returned handle stays valid until Close.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}

	b, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	m.browser = b

	go m.monitorLoop(ctx)

	return b, nil
}

// Browser returns the current Rod browser handle. Thread-safe.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Close shuts down the connection. A locally launched Chrome is left
// running: the tabs belong to the user, not to the daemon.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	m.lnch = nil
	return nil
}

func (m *Manager) connect(ctx context.Context) (*rod.Browser, error) {
	log := m.cfg.Logger

	wsURL := m.cfg.ControlURL
	if wsURL == "" {
		l := launcher.New().
			Headless(false).
			Leakless(false).
			Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL)
	} else {
		log.Info("browser: connecting", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}

	return b, nil
}

// ping verifies the connection is alive with a cheap version query.
func (m *Manager) ping() error {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return fmt.Errorf("browser: not connected")
	}
	_, err := proto.BrowserGetVersion{}.Call(b)
	return err
}

func (m *Manager) monitorLoop(ctx context.Context) {
	log := m.cfg.Logger
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ping(); err == nil {
				continue
			}

			log.Warn("browser: connection lost, reconnecting")
			if err := m.reconnect(ctx); err != nil {
				log.Error("browser: reconnect failed", "error", err)
				if m.cfg.OnLost != nil {
					m.cfg.OnLost(err)
				}
				return
			}
			log.Info("browser: reconnected")
		}
	}
}

func (m *Manager) reconnect(ctx context.Context) error {
	delay := m.cfg.ReconnectDelay
	var lastErr error

	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return fmt.Errorf("browser: manager is closed")
		}
		b, err := m.connect(ctx)
		if err == nil {
			m.browser = b
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		lastErr = err
		m.cfg.Logger.Warn("browser: reconnect attempt failed",
			"attempt", attempt, "error", err)
		delay *= 2
	}

	return fmt.Errorf("browser: %d reconnect attempts failed: %w",
		m.cfg.ReconnectAttempts, lastErr)
}
