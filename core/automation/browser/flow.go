package browser

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/aqasem/rollcall/core/automation"
	"github.com/aqasem/rollcall/core/logger"
	"github.com/aqasem/rollcall/core/store"
)

// stealthInit hides the most obvious automation markers before any portal
// script runs.
const stealthInit = `
Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
window.chrome = window.chrome || {runtime: {}};
Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});
`

type session struct {
	d    *Driver
	job  automation.CheckInJob
	page *rod.Page
}

// newSession opens an incognito context with viewport, stealth script and
// geolocation applied.
func newSession(ctx context.Context, d *Driver, browser *rod.Browser, job automation.CheckInJob) (*session, error) {
	incognito, err := browser.Incognito()
	if err != nil {
		return nil, automation.Retryable(store.ReasonSession, fmt.Errorf("incognito context: %w", err))
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, automation.Retryable(store.ReasonSession, fmt.Errorf("create page: %w", err))
	}
	s := &session{d: d, job: job, page: page}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             d.opts.ViewportWidth,
		Height:            d.opts.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logger.LogEvent(ctx, logger.Browser, slog.LevelWarn, "viewport_failed",
			slog.String("task_id", job.TaskID),
			slog.String("err", err.Error()))
	}
	if _, err := page.EvalOnNewDocument(stealthInit); err != nil {
		logger.LogEvent(ctx, logger.Browser, slog.LevelWarn, "stealth_failed",
			slog.String("task_id", job.TaskID),
			slog.String("err", err.Error()))
	}
	if err := s.applyGeolocation(ctx, incognito); err != nil {
		logger.LogEvent(ctx, logger.Browser, slog.LevelWarn, "geolocation_failed",
			slog.String("task_id", job.TaskID),
			slog.String("err", err.Error()))
	}
	return s, nil
}

func (s *session) close() {
	_ = s.page.Close()
}

func (s *session) applyGeolocation(ctx context.Context, incognito *rod.Browser) error {
	var lat, lon, acc float64
	switch s.job.Geo.GeoSource {
	case "fixed":
		lat, lon, acc = s.job.Geo.GeoLatitude, s.job.Geo.GeoLongitude, s.job.Geo.GeoAccuracy
	case "ip":
		var err error
		lat, lon, err = s.d.resolveGeo(ctx)
		if err != nil {
			return err
		}
		acc = 100
	default:
		// browser-provided geolocation, nothing to override
		return nil
	}
	if acc <= 0 {
		acc = 50
	}

	grant := proto.BrowserGrantPermissions{
		Permissions: []proto.BrowserPermissionType{proto.BrowserPermissionTypeGeolocation},
	}
	if err := grant.Call(incognito); err != nil {
		return fmt.Errorf("grant geolocation: %w", err)
	}
	override := proto.EmulationSetGeolocationOverride{
		Latitude:  &lat,
		Longitude: &lon,
		Accuracy:  &acc,
	}
	if err := override.Call(s.page); err != nil {
		return fmt.Errorf("set geolocation: %w", err)
	}
	return nil
}

// run walks the portal flow: navigate, login, check in, verify, screenshot.
func (s *session) run(ctx context.Context) ([]byte, error) {
	page := s.page.Context(ctx)

	if err := page.Timeout(s.d.opts.NavigationTimeout).Navigate(s.job.TargetURL); err != nil {
		return nil, automation.Retryable(store.ReasonNavigation, fmt.Errorf("navigate %s: %w", s.job.TargetURL, err))
	}
	if err := page.Timeout(s.d.opts.NavigationTimeout).WaitLoad(); err != nil {
		return nil, automation.Retryable(store.ReasonNavigation, fmt.Errorf("wait load: %w", err))
	}

	if err := s.login(ctx); err != nil {
		return nil, err
	}
	s.waitSpinnersGone(ctx)

	if err := s.clickByNames(ctx, s.d.opts.CheckinNames); err != nil {
		return nil, automation.Fail(store.ReasonCheckin, err)
	}
	s.waitSpinnersGone(ctx)

	if err := s.waitSuccess(ctx); err != nil {
		return nil, err
	}

	shot, err := page.Screenshot(true, nil)
	if err != nil {
		return nil, automation.Retryable(store.ReasonSession, fmt.Errorf("screenshot: %w", err))
	}
	logger.LogEvent(ctx, logger.Browser, slog.LevelInfo, "checkin_done",
		slog.String("task_id", s.job.TaskID),
		slog.String("student_id", s.job.StudentID))
	return shot, nil
}

// login fills credentials and submits. Configured CSS selectors win; label
// lookup is the fallback for portals without stable ids.
func (s *session) login(ctx context.Context) error {
	idField, err := s.field(ctx, s.d.opts.StudentIDSelector, defaultStudentIDLabels)
	if err != nil {
		return automation.Fail(store.ReasonLogin, fmt.Errorf("student id field: %w", err))
	}
	if err := idField.Input(s.job.StudentID); err != nil {
		return automation.Fail(store.ReasonLogin, fmt.Errorf("fill student id: %w", err))
	}

	pwField, err := s.field(ctx, s.d.opts.PasswordSelector, defaultPasswordLabels)
	if err != nil {
		return automation.Fail(store.ReasonLogin, fmt.Errorf("password field: %w", err))
	}
	if err := pwField.Input(s.job.Password); err != nil {
		return automation.Fail(store.ReasonLogin, fmt.Errorf("fill password: %w", err))
	}

	if sel := s.d.opts.SubmitSelector; sel != "" {
		el, err := s.page.Context(ctx).Timeout(shortWait).Element(sel)
		if err != nil {
			return automation.Fail(store.ReasonLogin, fmt.Errorf("submit selector %q: %w", sel, err))
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return automation.Fail(store.ReasonLogin, fmt.Errorf("click submit: %w", err))
		}
	} else if err := s.clickByNames(ctx, s.d.opts.SubmitNames); err != nil {
		return automation.Fail(store.ReasonLogin, err)
	}

	if err := s.page.Context(ctx).Timeout(s.d.opts.NavigationTimeout).WaitLoad(); err != nil {
		return automation.Retryable(store.ReasonNavigation, fmt.Errorf("post-login load: %w", err))
	}
	return nil
}

const shortWait = 5 * time.Second

// field resolves an input either by CSS selector or by its form label,
// following the label's `for` attribute when present.
func (s *session) field(ctx context.Context, selector string, labels []string) (*rod.Element, error) {
	page := s.page.Context(ctx)
	if selector != "" {
		return page.Timeout(shortWait).Element(selector)
	}
	for _, label := range labels {
		el, err := page.Timeout(shortWait).ElementR("label", labelPattern(label))
		if err != nil {
			continue
		}
		if forAttr, aerr := el.Attribute("for"); aerr == nil && forAttr != nil && *forAttr != "" {
			if input, ferr := page.Timeout(shortWait).Element("#" + *forAttr); ferr == nil {
				return input, nil
			}
		}
		if input, ferr := el.Element("input"); ferr == nil {
			return input, nil
		}
	}
	return nil, fmt.Errorf("no field matched labels %v", labels)
}

// clickByNames clicks the first button whose text matches a candidate name.
func (s *session) clickByNames(ctx context.Context, names []string) error {
	page := s.page.Context(ctx)
	for _, name := range names {
		el, err := page.Timeout(shortWait).ElementR("button, input[type='submit'], a[role='button']", labelPattern(name))
		if err != nil {
			continue
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			continue
		}
		return nil
	}
	return fmt.Errorf("no button matched %v", names)
}

// waitSpinnersGone waits for known loading indicators to disappear. Best
// effort: a missing spinner is not an error.
func (s *session) waitSpinnersGone(ctx context.Context) {
	page := s.page.Context(ctx)
	for _, sel := range s.d.opts.SpinnerSelectors {
		el, err := page.Timeout(2 * time.Second).Element(sel)
		if err != nil {
			continue
		}
		_ = el.Timeout(s.d.opts.NavigationTimeout).WaitInvisible()
	}
}

// waitSuccess requires one of the configured success selectors when any are
// set; with none configured the click counts as verification.
func (s *session) waitSuccess(ctx context.Context) error {
	if len(s.d.opts.SuccessSelectors) == 0 {
		return nil
	}
	page := s.page.Context(ctx)
	for _, sel := range s.d.opts.SuccessSelectors {
		if _, err := page.Timeout(shortWait).Element(sel); err == nil {
			return nil
		}
	}
	return automation.Fail(store.ReasonCheckin, fmt.Errorf("no success marker from %v", s.d.opts.SuccessSelectors))
}

// labelPattern builds a case-insensitive match for visible text.
func labelPattern(text string) string {
	return "(?i)" + regexp.QuoteMeta(strings.TrimSpace(text))
}
