package tracker

import (
	"log/slog"
	"net/url"
	"strings"
)

// NavigationKind is the history mechanism that changed the location.
type NavigationKind string

const (
	NavigationPush       NavigationKind = "push"
	NavigationReplace    NavigationKind = "replace"
	NavigationPopState   NavigationKind = "popstate"
	NavigationHashChange NavigationKind = "hashchange"
)

// Location is the document location after a navigation. Search and Hash keep
// their leading "?" and "#". State is the serialized history state.
type Location struct {
	Path   string
	Search string
	Hash   string
	State  string
}

type navigationKey struct {
	href  string
	state string
}

func (l Location) key() navigationKey {
	return navigationKey{href: l.Path + l.Search + l.Hash, state: l.State}
}

func keyForURL(u *url.URL, state string) navigationKey {
	href := u.Path
	if u.RawQuery != "" {
		href += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		href += "#" + u.Fragment
	}
	return navigationKey{href: href, state: state}
}

// Navigate reports a client-side navigation. When the location or history
// state differs from the last one seen, a pageview is scheduled for the next
// frame; further changes before that frame share the same pageview. It
// reports whether the location changed.
func (t *Tracker) Navigate(kind NavigationKind, loc Location) bool {
	t.mu.Lock()
	if !t.activeLocked() {
		t.mu.Unlock()
		return false
	}

	key := loc.key()
	if key == t.lastNav {
		t.mu.Unlock()
		return false
	}
	t.lastNav = key
	t.applyLocationLocked(loc)

	if t.framePending {
		t.mu.Unlock()
		t.logger.Debug("Navigation coalesced into pending frame", slog.String("kind", string(kind)))
		return true
	}
	t.framePending = true
	gen := t.generation
	t.mu.Unlock()

	t.frames.RequestFrame(func() { t.onFrame(gen) })
	return true
}

func (t *Tracker) applyLocationLocked(loc Location) {
	next := url.URL{}
	if t.current != nil {
		next = *t.current
	}
	next.Path = loc.Path
	next.RawPath = ""
	next.RawQuery = strings.TrimPrefix(loc.Search, "?")
	next.Fragment = strings.TrimPrefix(loc.Hash, "#")
	next.RawFragment = ""
	t.current = &next
}

// onFrame flushes the pageview scheduled by Navigate during Start gen. A frame
// left over from an earlier Start is dropped.
func (t *Tracker) onFrame(gen uint64) {
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.framePending = false
	t.mu.Unlock()

	t.TrackPageView()
}
