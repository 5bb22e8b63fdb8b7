package quicklink

import (
	"log/slog"
	"strings"
	"time"

	"github.com/lukeed/quicklink/packages/domain"
	"github.com/lukeed/quicklink/packages/filter"
)

// Scan runs one pass over the root container. It is the scroll handler and
// may be called from any goroutine. Marking is serialized; gates, the
// prefetcher and observers run after the lock is released, so they may call
// back into the Listener.
func (l *Listener) Scan() {
	if l.host == nil {
		return
	}
	for _, link := range l.markVisible() {
		l.dispatch(link)
	}
}

// markVisible marks and returns the candidates seen visible for the first
// time.
func (l *Listener) markVisible() []domain.Candidate {
	l.mu.Lock()
	defer l.mu.Unlock()

	anchors, err := l.host.Anchors(l.root)
	if err != nil {
		slog.Warn("Scan could not enumerate anchors", "root", l.root, "error", err)
		return nil
	}
	height := l.host.ViewportHeight()

	var fresh []domain.Candidate
	for _, link := range anchors {
		if l.ran[link.ID] {
			continue
		}
		rect := l.host.BoundingRect(link)
		// Partially visible; horizontal position is not checked.
		if !(rect.Top < height && rect.Bottom >= 0) {
			continue
		}
		l.ran[link.ID] = true
		fresh = append(fresh, link)
	}
	return fresh
}

func (l *Listener) dispatch(link domain.Candidate) {
	if l.origins != nil {
		if _, ok := l.origins[strings.ToLower(link.Hostname)]; !ok {
			l.emit(link.Href, domain.SkippedOrigin)
			return
		}
	}
	if filter.IsIgnored(link, l.ignores) {
		l.emit(link.Href, domain.SkippedIgnored)
		return
	}
	if l.prefetcher.Prefetch(link.Href, l.priority) {
		l.emit(link.Href, domain.Dispatched)
	} else {
		l.emit(link.Href, domain.Declined)
	}
}

func (l *Listener) dispatchAll(urls []string) {
	for _, u := range urls {
		if l.prefetcher.Prefetch(u, l.priority) {
			l.emit(u, domain.BulkDispatched)
		} else {
			l.emit(u, domain.BulkDeclined)
		}
	}
}

func (l *Listener) emit(url string, outcome domain.Outcome) {
	if len(l.observers) == 0 {
		return
	}
	ev := domain.Event{
		PageURL:      l.pageURL,
		URL:          url,
		Outcome:      outcome,
		HighPriority: l.priority,
		ObservedAt:   time.Now(),
	}
	for _, o := range l.observers {
		o.Observe(ev)
	}
}
