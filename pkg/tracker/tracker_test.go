package tracker_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepulse/pkg/event"
	"sitepulse/pkg/tracker"
	"sitepulse/pkg/transport"
)

type recordingSender struct {
	mu     sync.Mutex
	events []*event.Payload
}

func (s *recordingSender) Send(p *event.Payload, _ transport.SendOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, p)
}

func (s *recordingSender) names() []event.Name {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]event.Name, 0, len(s.events))
	for _, p := range s.events {
		names = append(names, p.Event)
	}
	return names
}

func (s *recordingSender) count(name event.Name) int {
	n := 0
	for _, got := range s.names() {
		if got == name {
			n++
		}
	}
	return n
}

func (s *recordingSender) last() *event.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

type panickingSender struct{}

func (panickingSender) Send(*event.Payload, transport.SendOptions) {
	panic("network exploded")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	tracker *tracker.Tracker
	sender  *recordingSender
	clock   *fakeClock
	frames  *tracker.ManualFrames
	store   tracker.Store
}

func newHarness(t *testing.T, store tracker.Store) *harness {
	t.Helper()
	if store == nil {
		store = tracker.NewMemoryStore()
	}
	h := &harness{
		sender: &recordingSender{},
		clock:  &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)},
		frames: &tracker.ManualFrames{},
		store:  store,
	}
	tr, err := tracker.New(tracker.Config{
		Domain: "example.com",
		Sender: h.sender,
		Store:  store,
		Frames: h.frames,
		Clock:  h.clock.Now,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	h.tracker = tr
	return h
}

func (h *harness) start(t *testing.T, page tracker.Page) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.tracker.Start(ctx, page))
}

func defaultPage() tracker.Page {
	return tracker.Page{
		URL:        "https://example.com/pricing?utm_source=newsletter&utm_medium=email",
		Referrer:   "https://news.example.org/",
		Visibility: tracker.VisibilityVisible,
		Screen:     event.Screen{Width: 1440, Height: 900},
		Language:   "en-US",
		UserAgent:  "Mozilla/5.0",
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := tracker.New(tracker.Config{Sender: &recordingSender{}})
	assert.Error(t, err)

	_, err = tracker.New(tracker.Config{Domain: "example.com"})
	assert.Error(t, err)
}

func TestVisitorIDIsStable(t *testing.T) {
	h := newHarness(t, nil)

	first := h.tracker.GetOrCreateVisitorID()
	require.NotEmpty(t, first)
	assert.Equal(t, first, h.tracker.GetOrCreateVisitorID())

	// A second tracker over the same store keeps the identity.
	other, err := tracker.New(tracker.Config{Domain: "example.com", Sender: &recordingSender{}, Store: h.store})
	require.NoError(t, err)
	assert.Equal(t, first, other.GetOrCreateVisitorID())
}

func TestInitializeSessionWithinWindowReusesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, defaultPage())

	first := h.tracker.InitializeSession()
	assert.False(t, first.IsNewSession)
	assert.Equal(t, 1, h.sender.count(event.NameSessionStart))
	assert.Equal(t, first.SessionID, h.sender.last().SessionID)

	for i := 0; i < 3; i++ {
		h.clock.Advance(20 * time.Minute)
		info := h.tracker.InitializeSession()
		assert.False(t, info.IsNewSession)
		assert.Equal(t, first.SessionID, info.SessionID)
	}

	assert.Equal(t, 1, h.sender.count(event.NameSessionStart))
	assert.True(t, h.clock.Now().Equal(h.tracker.LastActivityAt()))
}

func TestInitializeSessionAfterTimeoutStartsNewSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, defaultPage())

	first := h.tracker.InitializeSession()
	h.clock.Advance(31 * time.Minute)
	second := h.tracker.InitializeSession()

	assert.True(t, second.IsNewSession)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 2, h.sender.count(event.NameSessionStart))

	start := h.sender.last()
	require.NotNil(t, start)
	assert.Equal(t, event.NameSessionStart, start.Event)
	assert.Equal(t, second.SessionID, start.SessionID)
	assert.NotEmpty(t, start.URL)
}

func TestRecordActivityIsThrottled(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, defaultPage())
	started := h.tracker.LastActivityAt()

	h.clock.Advance(time.Second)
	assert.True(t, h.tracker.RecordActivity(tracker.ActivityScroll))
	firstActivity := h.tracker.LastActivityAt()
	assert.True(t, firstActivity.After(started))

	h.clock.Advance(2 * time.Second)
	assert.False(t, h.tracker.RecordActivity(tracker.ActivityMouseMove))
	assert.True(t, firstActivity.Equal(h.tracker.LastActivityAt()))

	h.clock.Advance(4 * time.Second)
	assert.True(t, h.tracker.RecordActivity(tracker.ActivityKeyDown))
	assert.True(t, h.clock.Now().Equal(h.tracker.LastActivityAt()))

	assert.False(t, h.tracker.RecordActivity(tracker.ActivityKind("resize")))
}

func TestActivityKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, defaultPage())

	// Activity every 20 minutes keeps the session sliding for two hours.
	for i := 0; i < 6; i++ {
		h.clock.Advance(20 * time.Minute)
		require.True(t, h.tracker.RecordActivity(tracker.ActivityClick))
	}

	assert.Equal(t, 1, h.sender.count(event.NameSessionStart))
}

func TestStartEmitsSessionStartThenPageview(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, defaultPage())

	assert.Equal(t, []event.Name{event.NameSessionStart, event.NamePageView}, h.sender.names())

	pv := h.sender.last()
	require.NotNil(t, pv)
	assert.Equal(t, "example.com", pv.Domain)
	assert.Equal(t, "/pricing", pv.Path)
	assert.Equal(t, "https://example.com/pricing?utm_source=newsletter&utm_medium=email", pv.URL)
	assert.Equal(t, "newsletter", pv.UTM.Source)
	assert.Equal(t, "email", pv.UTM.Medium)
	assert.Equal(t, "https://news.example.org/", pv.Referrer)
	assert.Equal(t, 1440, pv.Screen.Width)
	assert.Equal(t, "en-US", pv.Language)
	assert.NotEmpty(t, pv.VisitorID)
	assert.NotEmpty(t, pv.SessionID)
	assert.True(t, h.clock.Now().Equal(pv.Timestamp))
}

func TestStartDefersWhilePrerendering(t *testing.T) {
	h := newHarness(t, nil)
	page := defaultPage()
	page.Visibility = tracker.VisibilityPrerender
	h.start(t, page)

	assert.Empty(t, h.sender.names())

	h.tracker.VisibilityChanged(tracker.VisibilityPrerender)
	assert.Empty(t, h.sender.names())

	h.tracker.VisibilityChanged(tracker.VisibilityVisible)
	assert.Equal(t, 1, h.sender.count(event.NamePageView))

	h.tracker.VisibilityChanged(tracker.VisibilityHidden)
	h.tracker.VisibilityChanged(tracker.VisibilityVisible)
	assert.Equal(t, 1, h.sender.count(event.NamePageView))
}

func TestNavigateCoalescesIntoOneFrame(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, defaultPage())
	require.Equal(t, 1, h.sender.count(event.NamePageView))

	assert.True(t, h.tracker.Navigate(tracker.NavigationPush, tracker.Location{Path: "/docs"}))
	assert.True(t, h.tracker.Navigate(tracker.NavigationReplace, tracker.Location{Path: "/docs", State: `{"tab":2}`}))
	assert.Equal(t, 1, h.frames.Pending())

	assert.Equal(t, 1, h.frames.Flush())
	assert.Equal(t, 2, h.sender.count(event.NamePageView))

	pv := h.sender.last()
	require.NotNil(t, pv)
	assert.Equal(t, "/docs", pv.Path)
	assert.Equal(t, "https://example.com/docs", pv.URL)
}

func TestNavigateIgnoresUnchangedLocation(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, defaultPage())

	same := tracker.Location{Path: "/pricing", Search: "?utm_source=newsletter&utm_medium=email"}
	assert.False(t, h.tracker.Navigate(tracker.NavigationPopState, same))
	assert.Equal(t, 0, h.frames.Pending())

	assert.True(t, h.tracker.Navigate(tracker.NavigationHashChange, tracker.Location{Path: "/pricing", Hash: "#faq"}))
	h.frames.Flush()
	assert.False(t, h.tracker.Navigate(tracker.NavigationHashChange, tracker.Location{Path: "/pricing", Hash: "#faq"}))
	assert.Equal(t, 0, h.frames.Pending())

	pv := h.sender.last()
	require.NotNil(t, pv)
	assert.Equal(t, "https://example.com/pricing#faq", pv.URL)
	assert.Equal(t, 2, h.sender.count(event.NamePageView))
}

func TestNavigateBeforeStartIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	assert.False(t, h.tracker.Navigate(tracker.NavigationPush, tracker.Location{Path: "/docs"}))
	assert.Equal(t, 0, h.frames.Pending())
}

func TestCapturePerformanceFiresOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, defaultPage())

	assert.True(t, h.tracker.CapturePerformance(tracker.NavigationTiming{
		Duration:         1200,
		DOMContentLoaded: 800,
		DOMInteractive:   650,
	}))
	assert.False(t, h.tracker.CapturePerformance(tracker.NavigationTiming{Duration: 1}))

	assert.Equal(t, 1, h.sender.count(event.NamePerformance))
	perf := h.sender.last()
	require.NotNil(t, perf)
	assert.Equal(t, 1200.0, perf.Data["duration"])
	assert.Equal(t, 800.0, perf.Data["domContentLoaded"])
	assert.Equal(t, 650.0, perf.Data["domInteractive"])
	assert.NotEmpty(t, perf.SessionID)
}

func TestHandleClick(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, defaultPage())

	delay := h.tracker.HandleClick(tracker.Link{Href: "https://partner.example.net/offer", Text: " Partner ", Target: ""})
	assert.Equal(t, tracker.OutboundClickDelay, delay)

	click := h.sender.last()
	require.NotNil(t, click)
	assert.Equal(t, event.NameOutboundClick, click.Event)
	assert.Equal(t, "https://partner.example.net/offer", click.Data["url"])
	assert.Equal(t, "Partner", click.Data["text"])
	assert.Equal(t, "", click.Data["target"])

	assert.Equal(t, time.Duration(0), h.tracker.HandleClick(tracker.Link{Href: "https://partner.example.net/", Target: "_blank"}))
	assert.Equal(t, 2, h.sender.count(event.NameOutboundClick))

	// Same host, relative links and non-web schemes are not outbound.
	assert.Equal(t, time.Duration(0), h.tracker.HandleClick(tracker.Link{Href: "/about"}))
	assert.Equal(t, time.Duration(0), h.tracker.HandleClick(tracker.Link{Href: "https://EXAMPLE.com/blog"}))
	assert.Equal(t, time.Duration(0), h.tracker.HandleClick(tracker.Link{Href: "mailto:hi@example.net"}))
	assert.Equal(t, 2, h.sender.count(event.NameOutboundClick))
}

func TestSenderPanicIsSwallowed(t *testing.T) {
	tr, err := tracker.New(tracker.Config{
		Domain: "example.com",
		Sender: panickingSender{},
		Frames: &tracker.ManualFrames{},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		require.NoError(t, tr.Start(context.Background(), defaultPage()))
		tr.HandleClick(tracker.Link{Href: "https://elsewhere.example.net/"})
	})
}

func TestCancelledContextStopsTracking(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.tracker.Start(ctx, defaultPage()))
	emitted := len(h.sender.names())

	cancel()
	require.Eventually(t, func() bool {
		return !h.tracker.Active()
	}, time.Second, 10*time.Millisecond)

	assert.False(t, h.tracker.Navigate(tracker.NavigationPush, tracker.Location{Path: "/after"}))
	h.tracker.TrackPageView()
	assert.Len(t, h.sender.names(), emitted)
}

func TestRecordActivityBeforeStartIsIgnored(t *testing.T) {
	h := newHarness(t, nil)

	assert.False(t, h.tracker.RecordActivity(tracker.ActivityClick))
	assert.Equal(t, tracker.SessionInfo{}, h.tracker.InitializeSession())
	h.tracker.TrackPageView()
	assert.Empty(t, h.sender.names())
	assert.True(t, h.tracker.LastActivityAt().IsZero())

	h.start(t, defaultPage())
	assert.Equal(t, []event.Name{event.NameSessionStart, event.NamePageView}, h.sender.names())

	// The rejected call did not use up the throttle.
	assert.True(t, h.tracker.RecordActivity(tracker.ActivityClick))
}

func TestCancelledTrackerDoesNotMintSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.tracker.Start(ctx, defaultPage()))
	first := h.sender.last().SessionID
	lastActivity := h.tracker.LastActivityAt()

	cancel()
	require.Eventually(t, func() bool {
		return !h.tracker.Active()
	}, time.Second, 10*time.Millisecond)

	h.clock.Advance(31 * time.Minute)
	assert.Equal(t, tracker.SessionInfo{}, h.tracker.InitializeSession())
	assert.False(t, h.tracker.RecordActivity(tracker.ActivityKeyDown))
	assert.True(t, lastActivity.Equal(h.tracker.LastActivityAt()))
	assert.Equal(t, 1, h.sender.count(event.NameSessionStart))

	h.start(t, defaultPage())
	assert.Equal(t, 2, h.sender.count(event.NameSessionStart))

	pv := h.sender.last()
	require.NotNil(t, pv)
	assert.Equal(t, event.NamePageView, pv.Event)
	assert.NotEqual(t, first, pv.SessionID)
}

func TestStartWithDoneContextFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, h.tracker.Start(ctx, defaultPage()), context.Canceled)
	assert.False(t, h.tracker.Active())
	assert.Empty(t, h.sender.names())
}

func TestRestartIgnoresEarlierContext(t *testing.T) {
	h := newHarness(t, nil)

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	require.NoError(t, h.tracker.Start(ctx1, defaultPage()))

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	next := defaultPage()
	next.URL = "https://example.com/docs"
	require.NoError(t, h.tracker.Start(ctx2, next))

	cancel1()
	assert.Never(t, func() bool {
		return !h.tracker.Active()
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.True(t, h.tracker.Navigate(tracker.NavigationPush, tracker.Location{Path: "/docs/install"}))

	cancel2()
	require.Eventually(t, func() bool {
		return !h.tracker.Active()
	}, time.Second, 10*time.Millisecond)
}

func TestRestartDropsFrameFromEarlierPage(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, defaultPage())
	require.True(t, h.tracker.Navigate(tracker.NavigationPush, tracker.Location{Path: "/old"}))

	next := defaultPage()
	next.URL = "https://example.com/new"
	h.start(t, next)

	assert.Equal(t, 1, h.frames.Flush())
	assert.Equal(t, 2, h.sender.count(event.NamePageView))
	assert.Equal(t, "/new", h.sender.last().Path)
}

func TestEverySessionIsAnnouncedOnce(t *testing.T) {
	waitInactive := func(t *testing.T, h *harness) {
		t.Helper()
		require.Eventually(t, func() bool {
			return !h.tracker.Active()
		}, time.Second, 10*time.Millisecond)
	}

	tests := []struct {
		name     string
		run      func(t *testing.T, h *harness)
		sessions int
	}{
		{
			name: "calls before start",
			run: func(t *testing.T, h *harness) {
				h.tracker.RecordActivity(tracker.ActivityScroll)
				h.tracker.InitializeSession()
				h.tracker.TrackPageView()
				h.tracker.CapturePerformance(tracker.NavigationTiming{Duration: 10})
				h.tracker.HandleClick(tracker.Link{Href: "https://partner.example.net/"})
				h.start(t, defaultPage())
			},
			sessions: 1,
		},
		{
			name: "calls after cancel",
			run: func(t *testing.T, h *harness) {
				ctx, cancel := context.WithCancel(context.Background())
				require.NoError(t, h.tracker.Start(ctx, defaultPage()))
				cancel()
				waitInactive(t, h)

				h.clock.Advance(31 * time.Minute)
				h.tracker.RecordActivity(tracker.ActivityClick)
				h.tracker.InitializeSession()
				h.tracker.TrackPageView()
				h.tracker.HandleClick(tracker.Link{Href: "https://partner.example.net/"})

				h.start(t, defaultPage())
			},
			sessions: 2,
		},
		{
			name: "restart with fresh context",
			run: func(t *testing.T, h *harness) {
				ctx1, cancel1 := context.WithCancel(context.Background())
				require.NoError(t, h.tracker.Start(ctx1, defaultPage()))

				h.clock.Advance(31 * time.Minute)
				h.start(t, defaultPage())
				cancel1()

				h.clock.Advance(31 * time.Minute)
				require.True(t, h.tracker.RecordActivity(tracker.ActivityClick))
			},
			sessions: 3,
		},
		{
			name: "activity while prerendering",
			run: func(t *testing.T, h *harness) {
				page := defaultPage()
				page.Visibility = tracker.VisibilityPrerender
				h.start(t, page)
				h.clock.Advance(10 * time.Second)
				h.tracker.RecordActivity(tracker.ActivityMouseMove)
				h.tracker.VisibilityChanged(tracker.VisibilityVisible)
			},
			sessions: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.run(t, h)

			h.sender.mu.Lock()
			events := append([]*event.Payload(nil), h.sender.events...)
			h.sender.mu.Unlock()

			announced := map[string]int{}
			for _, p := range events {
				if p.Event == event.NameSessionStart {
					assert.NotEmpty(t, p.URL)
					announced[p.SessionID]++
					continue
				}
				assert.Contains(t, announced, p.SessionID, "%s sent before its session_start", p.Event)
			}

			assert.Len(t, announced, tt.sessions)
			for id, n := range announced {
				assert.NotEmpty(t, id)
				assert.Equal(t, 1, n, "session %s announced %d times", id, n)
			}
		})
	}
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := tracker.OpenBadgerStore(dir)
	require.NoError(t, err)
	h := newHarness(t, store)
	h.start(t, defaultPage())
	visitor := h.tracker.GetOrCreateVisitorID()
	session := h.tracker.InitializeSession()
	require.NotEmpty(t, session.SessionID)
	require.NoError(t, store.Close())

	reopened, err := tracker.OpenBadgerStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	h2 := newHarness(t, reopened)
	assert.Equal(t, visitor, h2.tracker.GetOrCreateVisitorID())

	h2.start(t, defaultPage())
	info := h2.tracker.InitializeSession()
	assert.False(t, info.IsNewSession)
	assert.Equal(t, session.SessionID, info.SessionID)
	assert.Equal(t, 0, h2.sender.count(event.NameSessionStart))
	assert.Equal(t, 1, h2.sender.count(event.NamePageView))
}

func TestMemoryStoreMissingKey(t *testing.T) {
	store := tracker.NewMemoryStore()
	var v string
	found, err := store.Get("missing", &v)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set("k", "value"))
	found, err = store.Get("k", &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", v)
}
