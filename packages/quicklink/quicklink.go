// Package quicklink prefetches links as they enter the viewport.
//
// Listen scans the anchors of a root container once, then again on every
// scroll event. A link that is at least partially visible is marked as
// processed and, when its hostname is allowed and no ignore filter matches,
// handed to the Prefetcher. A processed link is never looked at again for
// the lifetime of the Listener. When Options.URLs is set the scan is skipped
// and every URL is dispatched as-is.
package quicklink

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lukeed/quicklink/packages/domain"
	"github.com/lukeed/quicklink/packages/filter"
	"github.com/lukeed/quicklink/packages/idle"
)

const DefaultTimeout = 2 * time.Second

var (
	ErrNilHost       = errors.New("quicklink: host is required")
	ErrNilPrefetcher = errors.New("quicklink: prefetcher is required")
)

// Host exposes the document, viewport and scroll stream the scanner works on.
type Host interface {
	// Hostname of the current page, used as the default origin allow-list.
	Hostname() string
	// Anchors returns the anchors under root in document order. An empty root
	// means the whole document; an unknown root is an error.
	Anchors(root string) ([]domain.Candidate, error)
	ViewportHeight() float64
	BoundingRect(c domain.Candidate) domain.Rect
	// OnScroll registers a passive scroll handler and returns its remover.
	OnScroll(fn func()) (remove func())
}

// Prefetcher issues the actual request. It returns true when processing
// started and may decline silently.
type Prefetcher interface {
	Prefetch(url string, highPriority bool) bool
}

type PrefetchFunc func(url string, highPriority bool) bool

func (f PrefetchFunc) Prefetch(url string, highPriority bool) bool { return f(url, highPriority) }

// Observer is notified of every dispatch decision.
type Observer interface {
	Observe(ev domain.Event)
}

type ObserverFunc func(ev domain.Event)

func (f ObserverFunc) Observe(ev domain.Event) { f(ev) }

type Options struct {
	// Root is a selector for the container to scan; empty scans the document.
	Root     string
	Priority bool

	// Origins lists allowed hostnames. nil defaults to the host's own
	// hostname, an empty non-nil slice allows every origin.
	Origins    []string
	AllOrigins bool

	// Ignores accepts anything filter.Parse does.
	Ignores any

	Timeout   time.Duration
	TimeoutFn idle.Func

	// URLs switches to bulk mode: every URL is dispatched without scanning.
	URLs []string

	Observers []Observer
	PageURL   string
}

type Listener struct {
	host       Host
	prefetcher Prefetcher
	root       string
	priority   bool
	origins    map[string]struct{}
	ignores    filter.Spec
	observers  []Observer
	pageURL    string

	mu     sync.Mutex
	ran    map[int]bool
	remove func()
}

// Listen validates opts, runs the initial scan and subscribes to scroll
// events. In bulk mode it hands the URL list to opts.TimeoutFn instead and
// returns a Listener that never scans.
func Listen(host Host, prefetcher Prefetcher, opts Options) (*Listener, error) {
	if prefetcher == nil {
		return nil, ErrNilPrefetcher
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.TimeoutFn == nil {
		opts.TimeoutFn = idle.Immediate
	}

	l := &Listener{
		prefetcher: prefetcher,
		priority:   opts.Priority,
		observers:  opts.Observers,
		pageURL:    opts.PageURL,
		ran:        make(map[int]bool),
	}

	if opts.URLs != nil {
		urls := append([]string(nil), opts.URLs...)
		opts.TimeoutFn(func() { l.dispatchAll(urls) }, opts.Timeout)
		return l, nil
	}

	if host == nil {
		return nil, ErrNilHost
	}
	ignores, err := filter.Parse(opts.Ignores)
	if err != nil {
		return nil, fmt.Errorf("parse ignores: %w", err)
	}
	if _, err := host.Anchors(opts.Root); err != nil {
		return nil, fmt.Errorf("resolve root container %q: %w", opts.Root, err)
	}

	l.host = host
	l.root = opts.Root
	l.ignores = ignores
	l.origins = allowedOrigins(host, opts)

	l.Scan()
	remove := host.OnScroll(l.Scan)

	l.mu.Lock()
	l.remove = remove
	l.mu.Unlock()
	return l, nil
}

// Stop unsubscribes from scroll events. It is safe to call more than once.
func (l *Listener) Stop() {
	l.mu.Lock()
	remove := l.remove
	l.remove = nil
	l.mu.Unlock()

	if remove != nil {
		remove()
	}
}

// Processed reports how many candidates have been marked.
func (l *Listener) Processed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ran)
}

func allowedOrigins(host Host, opts Options) map[string]struct{} {
	if opts.AllOrigins {
		return nil
	}
	origins := opts.Origins
	if origins == nil {
		origins = []string{host.Hostname()}
	}
	if len(origins) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		set[strings.ToLower(o)] = struct{}{}
	}
	return set
}
