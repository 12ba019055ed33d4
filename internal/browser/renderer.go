// Package browser renders JavaScript-heavy pages in a headless Chrome so the
// page context handed to the model reflects what a user would see.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"scrapeqa/internal/config"
	"scrapeqa/internal/logging"
)

// Config holds browser configuration.
type Config struct {
	ControlURL     string // attach to a running Chrome instead of launching one
	Headless       bool
	PageTimeout    time.Duration
	ViewportWidth  int
	ViewportHeight int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:       true,
		PageTimeout:    30 * time.Second,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
	}
}

// ConfigFromSettings maps the browser section of the config file.
func ConfigFromSettings(s config.BrowserConfig, pageTimeout time.Duration) Config {
	cfg := DefaultConfig()
	cfg.ControlURL = s.ControlURL
	cfg.Headless = s.Headless
	if pageTimeout > 0 {
		cfg.PageTimeout = pageTimeout
	}
	return cfg
}

// NavigationTimeout returns the per-page timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.PageTimeout <= 0 {
		return 30 * time.Second
	}
	return c.PageTimeout
}

// Renderer owns one Chrome connection and renders pages in throwaway
// incognito contexts.
type Renderer struct {
	cfg        Config
	mu         sync.Mutex
	browser    *rod.Browser
	launcher   *launcher.Launcher
	controlURL string
}

// NewRenderer creates a renderer. Chrome is not contacted until Start or the
// first Render.
func NewRenderer(cfg Config) *Renderer {
	return &Renderer{cfg: cfg}
}

// Start connects to the configured Chrome or launches a new one.
func (r *Renderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		if _, err := r.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("Stale browser connection detected, reconnecting")
		_ = r.browser.Close()
		r.browser = nil
		r.controlURL = ""
	}

	controlURL := r.cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(r.cfg.Headless)
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		r.launcher = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		r.killLauncherLocked()
		return fmt.Errorf("connect to chrome: %w", err)
	}

	r.browser = b
	r.controlURL = controlURL
	logging.Browser("Connected to chrome at %s", controlURL)
	return nil
}

// IsConnected returns whether a browser connection is held.
func (r *Renderer) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.browser != nil
}

// ControlURL returns the DevTools URL of the connected browser.
func (r *Renderer) ControlURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controlURL
}

func (r *Renderer) ensureStarted(ctx context.Context) (*rod.Browser, error) {
	r.mu.Lock()
	b := r.browser
	r.mu.Unlock()
	if b != nil {
		return b, nil
	}
	if err := r.Start(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil, errors.New("browser not connected")
	}
	return r.browser, nil
}

// Render loads url and returns the page HTML once the load event fired.
func (r *Renderer) Render(ctx context.Context, url string) (string, error) {
	timer := logging.StartTimer(logging.CategoryBrowser, "Render")
	defer timer.Stop()

	b, err := r.ensureStarted(ctx)
	if err != nil {
		return "", err
	}

	incognito, err := b.Incognito()
	if err != nil {
		return "", fmt.Errorf("incognito context: %w", err)
	}
	defer func() { _ = incognito.Close() }()

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", fmt.Errorf("create page: %w", err)
	}
	defer func() { _ = page.Close() }()

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             r.cfg.ViewportWidth,
		Height:            r.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		logging.BrowserDebug("Failed to set viewport: %v", err)
	}

	p := page.Context(ctx).Timeout(r.cfg.NavigationTimeout())
	if err := p.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait for %s: %w", url, err)
	}
	html, err := p.HTML()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}

	logging.BrowserDebug("Rendered %s (%d bytes)", url, len(html))
	return html, nil
}

// Shutdown closes the browser and kills it if this renderer launched it.
func (r *Renderer) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	r.controlURL = ""
	r.killLauncherLocked()
	return err
}

func (r *Renderer) killLauncherLocked() {
	if r.launcher != nil {
		r.launcher.Kill()
		r.launcher = nil
	}
}
