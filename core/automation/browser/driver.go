// Package browser drives the attendance portal with go-rod. One shared
// Chromium process serves all sessions; every check-in runs in its own
// incognito context.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/aqasem/rollcall/core/automation"
	"github.com/aqasem/rollcall/core/logger"
	"github.com/aqasem/rollcall/core/store"
)

// Defaults for the portal flow, overridable through configuration.
var (
	defaultStudentIDLabels = []string{"Student ID", "Student No", "ID"}
	defaultPasswordLabels  = []string{"Password"}
	defaultSubmitNames     = []string{"Sign In", "Login"}
	defaultCheckinNames    = []string{"Check In", "Check-In", "Attend"}
	defaultSpinners        = []string{".spinner", ".loading", "[class*='spinner']"}
)

// Options tunes the driver. Empty lists fall back to the defaults above.
type Options struct {
	Headless          bool
	Bin               string
	NavigationTimeout time.Duration

	StudentIDSelector string
	PasswordSelector  string
	SubmitSelector    string
	SubmitNames       []string
	CheckinNames      []string
	SuccessSelectors  []string
	SpinnerSelectors  []string

	ViewportWidth  int
	ViewportHeight int
}

func (o *Options) normalize() {
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 30 * time.Second
	}
	if len(o.SubmitNames) == 0 {
		o.SubmitNames = defaultSubmitNames
	}
	if len(o.CheckinNames) == 0 {
		o.CheckinNames = defaultCheckinNames
	}
	if len(o.SpinnerSelectors) == 0 {
		o.SpinnerSelectors = defaultSpinners
	}
	if o.ViewportWidth <= 0 {
		o.ViewportWidth = 1366
	}
	if o.ViewportHeight <= 0 {
		o.ViewportHeight = 900
	}
}

// Driver owns the Chromium process. Safe for concurrent CheckIn calls.
// The process is relaunched when a session asks for the opposite headless
// mode; the switch waits for sessions running in the old mode to drain.
type Driver struct {
	opts Options

	mu          sync.Mutex
	modeIdle    *sync.Cond
	browser     *rod.Browser
	closeChrome func() error
	headless    bool
	active      int

	launch     func(ctx context.Context, headless bool) (*rod.Browser, func() error, error)
	resolveGeo func(ctx context.Context) (lat, lon float64, err error)
}

// New builds a driver; Start launches the browser.
func New(opts Options) *Driver {
	opts.normalize()
	d := &Driver{opts: opts, resolveGeo: resolveIPLocation}
	d.modeIdle = sync.NewCond(&d.mu)
	d.launch = d.launchChrome
	return d
}

func (d *Driver) launchChrome(ctx context.Context, headless bool) (*rod.Browser, func() error, error) {
	launch := launcher.New().Headless(headless)
	if d.opts.Bin != "" {
		launch = launch.Bin(d.opts.Bin)
	}
	url, err := launch.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("browser: launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(url).Context(ctx)
	if err := browser.Connect(); err != nil {
		launch.Cleanup()
		return nil, nil, fmt.Errorf("browser: connect: %w", err)
	}
	closeChrome := func() error {
		err := browser.Close()
		launch.Cleanup()
		return err
	}
	logger.LogEvent(ctx, logger.Browser, slog.LevelInfo, "browser_started",
		slog.Bool("headless", headless))
	return browser, closeChrome, nil
}

// Start launches Chromium in the configured mode and connects. Idempotent.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser != nil {
		return nil
	}
	return d.launchLocked(ctx, d.opts.Headless)
}

func (d *Driver) launchLocked(ctx context.Context, headless bool) error {
	browser, closeChrome, err := d.launch(ctx, headless)
	if err != nil {
		return err
	}
	d.browser = browser
	d.closeChrome = closeChrome
	d.headless = headless
	return nil
}

// Stop closes the browser process.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked()
}

func (d *Driver) stopLocked() error {
	if d.browser == nil {
		return nil
	}
	var err error
	if d.closeChrome != nil {
		err = d.closeChrome()
	}
	d.browser = nil
	d.closeChrome = nil
	return err
}

// acquire hands out the live browser in the requested headless mode,
// relaunching it if the mode differs. A mode switch waits until sessions
// in the old mode have released the browser.
func (d *Driver) acquire(ctx context.Context, headless bool) (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.browser != nil && d.headless != headless && d.active > 0 {
		d.modeIdle.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, automation.Fail(store.ReasonTimeout, err)
	}
	if d.browser != nil && d.headless != headless {
		logger.LogEvent(ctx, logger.Browser, slog.LevelInfo, "browser_mode_switch",
			slog.Bool("headless", headless))
		if err := d.stopLocked(); err != nil {
			logger.LogEvent(ctx, logger.Browser, slog.LevelWarn, "browser_close_failed",
				slog.String("err", err.Error()))
		}
	}
	if d.browser == nil {
		if err := d.launchLocked(ctx, headless); err != nil {
			return nil, automation.Retryable(store.ReasonSession, err)
		}
	}
	d.active++
	return d.browser, nil
}

func (d *Driver) release() {
	d.mu.Lock()
	d.active--
	if d.active == 0 {
		d.modeIdle.Broadcast()
	}
	d.mu.Unlock()
}

// CheckIn performs one attendance run. Implements automation.Browser.
func (d *Driver) CheckIn(ctx context.Context, job automation.CheckInJob) ([]byte, error) {
	browser, err := d.acquire(ctx, job.Headless)
	if err != nil {
		return nil, err
	}
	defer d.release()

	session, err := newSession(ctx, d, browser, job)
	if err != nil {
		return nil, err
	}
	defer session.close()

	return session.run(ctx)
}
