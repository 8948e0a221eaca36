// Package tracker maintains visitor and session identity for one tracked page
// and emits analytics events through a transport.Sender.
//
// A host embeds a Tracker, calls Start on page load and forwards activity,
// navigation, load timing and link clicks. Every emission is best-effort:
// failures are logged and never reach the host.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"sitepulse/pkg/event"
	"sitepulse/pkg/transport"
)

const (
	// SessionTimeout is the inactivity window after which a new session starts.
	SessionTimeout = 30 * time.Minute
	// ActivityThrottle is the minimum spacing between recorded activity.
	ActivityThrottle = 5 * time.Second
	// OutboundClickDelay is how long same-tab outbound navigation is held back.
	OutboundClickDelay = 150 * time.Millisecond
)

// Page visibility states.
const (
	VisibilityVisible   = "visible"
	VisibilityHidden    = "hidden"
	VisibilityPrerender = "prerender"
)

// ActivityKind is a user interaction that keeps a session alive.
type ActivityKind string

const (
	ActivityClick      ActivityKind = "click"
	ActivityTouchStart ActivityKind = "touchstart"
	ActivityKeyDown    ActivityKind = "keydown"
	ActivityMouseMove  ActivityKind = "mousemove"
	ActivityScroll     ActivityKind = "scroll"
)

func (k ActivityKind) valid() bool {
	switch k {
	case ActivityClick, ActivityTouchStart, ActivityKeyDown, ActivityMouseMove, ActivityScroll:
		return true
	}
	return false
}

// SessionInfo is the result of InitializeSession.
type SessionInfo struct {
	SessionID    string
	IsNewSession bool
}

// Page describes the document being tracked.
type Page struct {
	URL        string
	Referrer   string
	Visibility string
	Screen     event.Screen
	Language   string
	UserAgent  string
}

// NavigationTiming carries the navigation-timing entry of a page load, in milliseconds.
type NavigationTiming struct {
	Duration         float64
	DOMContentLoaded float64
	DOMInteractive   float64
}

// Link is an anchor the user clicked.
type Link struct {
	Href   string
	Text   string
	Target string
}

// Config configures a Tracker. Domain and Sender are required.
type Config struct {
	Domain string
	Sender transport.Sender
	Store  Store
	Frames FrameScheduler
	Clock  func() time.Time
	Logger *slog.Logger
}

type storedSession struct {
	ID             string    `json:"id"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	domain  string
	sender  transport.Sender
	store   Store
	frames  FrameScheduler
	now     func() time.Time
	logger  *slog.Logger
	limiter *rate.Limiter

	mu              sync.Mutex
	page            Page
	current         *url.URL
	lastNav         navigationKey
	started         bool
	stopped         bool
	generation      uint64
	stopAfter       func() bool
	awaitingVisible bool
	framePending    bool
	perfCaptured    bool
}

// New creates a tracker. Missing optional collaborators default to a
// MemoryStore, TimerFrames, time.Now and slog.Default.
func New(cfg Config) (*Tracker, error) {
	if strings.TrimSpace(cfg.Domain) == "" {
		return nil, errors.New("tracker: domain is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("tracker: sender is required")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Frames == nil {
		cfg.Frames = TimerFrames{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Tracker{
		domain:  cfg.Domain,
		sender:  cfg.Sender,
		store:   cfg.Store,
		frames:  cfg.Frames,
		now:     cfg.Clock,
		logger:  cfg.Logger,
		limiter: rate.NewLimiter(rate.Every(ActivityThrottle), 1),
	}, nil
}

// Start begins tracking page. The initial pageview is emitted immediately
// unless the page is prerendering, in which case it waits for
// VisibilityChanged. Tracking stops when ctx is done; a later Start replaces
// the earlier page and its context no longer affects the tracker.
func (t *Tracker) Start(ctx context.Context, page Page) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("tracker: start: %w", err)
	}
	u, err := url.Parse(page.URL)
	if err != nil {
		return fmt.Errorf("tracker: parse page url: %w", err)
	}

	t.mu.Lock()
	if t.stopAfter != nil {
		t.stopAfter()
	}
	t.generation++
	gen := t.generation
	t.page = page
	t.current = u
	t.lastNav = keyForURL(u, "")
	t.started = true
	t.stopped = false
	t.framePending = false
	t.perfCaptured = false
	t.awaitingVisible = page.Visibility == VisibilityPrerender
	deferred := t.awaitingVisible
	t.stopAfter = context.AfterFunc(ctx, func() { t.stop(gen) })
	t.mu.Unlock()

	if deferred {
		t.logger.Debug("Page is prerendering, deferring initial pageview")
		return nil
	}
	t.TrackPageView()
	return nil
}

// Active reports whether the tracker has been started and not yet stopped.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked()
}

func (t *Tracker) activeLocked() bool {
	return t.started && !t.stopped
}

// stop ends tracking for the Start call that issued gen.
func (t *Tracker) stop(gen uint64) {
	t.mu.Lock()
	if gen == t.generation {
		t.stopped = true
	}
	t.mu.Unlock()
}

// VisibilityChanged records a page visibility transition and releases a
// deferred initial pageview once the page leaves prerender.
func (t *Tracker) VisibilityChanged(state string) {
	t.mu.Lock()
	t.page.Visibility = state
	release := t.awaitingVisible && state != VisibilityPrerender
	if release {
		t.awaitingVisible = false
	}
	t.mu.Unlock()

	if release {
		t.TrackPageView()
	}
}

// GetOrCreateVisitorID returns the persisted visitor id, creating it on first use.
func (t *Tracker) GetOrCreateVisitorID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visitorIDLocked()
}

func (t *Tracker) visitorIDLocked() string {
	var id string
	found, err := t.store.Get(visitorKey, &id)
	if err != nil {
		t.logger.Warn("Failed to read visitor id", slog.Any("error", err))
	}
	if found && id != "" {
		return id
	}

	id = uuid.NewString()
	if err := t.store.Set(visitorKey, id); err != nil {
		t.logger.Warn("Failed to persist visitor id", slog.Any("error", err))
	}
	return id
}

// InitializeSession returns the current session, starting a new one when none
// is stored or the last activity is older than SessionTimeout. A new session
// emits session_start before returning. Every call slides lastActivityAt.
//
// Outside an active Start nothing is created or persisted: the stored session
// is reported if it is still within the window, otherwise the zero SessionInfo.
func (t *Tracker) InitializeSession() SessionInfo {
	t.mu.Lock()
	if !t.activeLocked() {
		info := t.peekSessionLocked()
		t.mu.Unlock()
		return info
	}
	info, start := t.touchSessionLocked()
	t.mu.Unlock()

	if start != nil {
		t.emit(start)
	}
	return info
}

// touchSessionLocked slides the session and, for a new session, returns the
// session_start payload. Callers hold mu and have checked activeLocked.
func (t *Tracker) touchSessionLocked() (SessionInfo, *event.Payload) {
	now := t.now().UTC()

	s, found := t.loadSessionLocked()
	isNew := !found || s.ID == "" || now.Sub(s.LastActivityAt) > SessionTimeout
	if isNew {
		s.ID = uuid.NewString()
	}
	s.LastActivityAt = now

	if err := t.store.Set(sessionKey, s); err != nil {
		t.logger.Warn("Failed to persist session", slog.Any("error", err))
	}

	info := SessionInfo{SessionID: s.ID, IsNewSession: isNew}
	if !isNew {
		return info, nil
	}
	return info, t.payloadLocked(event.NameSessionStart, s.ID, nil)
}

func (t *Tracker) peekSessionLocked() SessionInfo {
	s, found := t.loadSessionLocked()
	if !found || s.ID == "" || t.now().UTC().Sub(s.LastActivityAt) > SessionTimeout {
		return SessionInfo{}
	}
	return SessionInfo{SessionID: s.ID}
}

func (t *Tracker) loadSessionLocked() (storedSession, bool) {
	var s storedSession
	found, err := t.store.Get(sessionKey, &s)
	if err != nil {
		t.logger.Warn("Failed to read session", slog.Any("error", err))
		return storedSession{}, false
	}
	return s, found
}

func (t *Tracker) sessionIDLocked() string {
	s, _ := t.loadSessionLocked()
	return s.ID
}

// LastActivityAt returns the stored activity timestamp, or the zero time.
func (t *Tracker) LastActivityAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s storedSession
	if found, err := t.store.Get(sessionKey, &s); err != nil || !found {
		return time.Time{}
	}
	return s.LastActivityAt
}

// RecordActivity registers a user interaction. Calls within ActivityThrottle
// of the last admitted call are ignored, as are calls outside an active Start.
// It reports whether the call was admitted.
func (t *Tracker) RecordActivity(kind ActivityKind) bool {
	if !kind.valid() || !t.Active() {
		return false
	}
	if !t.limiter.AllowN(t.now(), 1) {
		return false
	}

	t.InitializeSession()
	return true
}

// TrackPageView emits a pageview for the current location, preceded by
// session_start when it opens a new session. It does nothing outside an
// active Start.
func (t *Tracker) TrackPageView() {
	t.mu.Lock()
	if !t.activeLocked() {
		t.mu.Unlock()
		return
	}
	info, start := t.touchSessionLocked()
	pv := t.payloadLocked(event.NamePageView, info.SessionID, nil)
	t.mu.Unlock()

	if start != nil {
		t.emit(start)
	}
	t.emit(pv)
}

// CapturePerformance emits the page load timing. Only the first call per
// Start has an effect.
func (t *Tracker) CapturePerformance(timing NavigationTiming) bool {
	t.mu.Lock()
	if t.perfCaptured || !t.activeLocked() {
		t.mu.Unlock()
		return false
	}
	t.perfCaptured = true
	p := t.payloadLocked(event.NamePerformance, t.sessionIDLocked(), map[string]interface{}{
		"duration":         timing.Duration,
		"domContentLoaded": timing.DOMContentLoaded,
		"domInteractive":   timing.DOMInteractive,
	})
	t.mu.Unlock()

	t.emit(p)
	return true
}

// HandleClick emits outbound_click when link leaves the current host. The
// returned duration is how long the host should delay a same-tab navigation.
func (t *Tracker) HandleClick(link Link) time.Duration {
	t.mu.Lock()
	if !t.activeLocked() || t.current == nil {
		t.mu.Unlock()
		return 0
	}

	target, err := t.current.Parse(strings.TrimSpace(link.Href))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") ||
		strings.EqualFold(target.Hostname(), t.current.Hostname()) {
		t.mu.Unlock()
		return 0
	}

	p := t.payloadLocked(event.NameOutboundClick, t.sessionIDLocked(), map[string]interface{}{
		"url":    target.String(),
		"text":   strings.TrimSpace(link.Text),
		"target": link.Target,
	})
	t.mu.Unlock()

	t.emit(p)

	if link.Target == "" || link.Target == "_self" {
		return OutboundClickDelay
	}
	return 0
}

func (t *Tracker) payloadLocked(name event.Name, sessionID string, data map[string]interface{}) *event.Payload {
	p := &event.Payload{
		Domain:    t.domain,
		Event:     name,
		Referrer:  t.page.Referrer,
		VisitorID: t.visitorIDLocked(),
		SessionID: sessionID,
		UserAgent: t.page.UserAgent,
		Screen:    t.page.Screen,
		Language:  t.page.Language,
		Timestamp: t.now().UTC(),
		Data:      data,
	}
	if u := t.current; u != nil {
		p.URL = u.String()
		p.Path = u.Path
		if p.Path == "" {
			p.Path = "/"
		}
		p.UTM = utmFromQuery(u.Query())
	}
	return p
}

func utmFromQuery(q url.Values) event.UTM {
	return event.UTM{
		Source:   q.Get("utm_source"),
		Medium:   q.Get("utm_medium"),
		Campaign: q.Get("utm_campaign"),
		Term:     q.Get("utm_term"),
		Content:  q.Get("utm_content"),
	}
}

// emit sends p. Whether to send is decided by the caller under mu, together
// with any session state the payload announces.
func (t *Tracker) emit(p *event.Payload) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Recovered panic while emitting event",
				slog.String("event", string(p.Event)),
				slog.Any("panic", r))
		}
	}()

	t.sender.Send(p, transport.SendOptions{})
	t.logger.Debug("Event emitted",
		slog.String("event", string(p.Event)),
		slog.String("path", p.Path))
}
