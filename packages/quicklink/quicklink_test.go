package quicklink

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lukeed/quicklink/packages/domain"
	"github.com/lukeed/quicklink/packages/filter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoSuchRoot = errors.New("no such root")

type fakeAnchor struct {
	c    domain.Candidate
	rect domain.Rect
	root string
}

type fakeHost struct {
	hostname string
	height   float64
	anchors  []*fakeAnchor
	handlers map[int]func()
	nextID   int

	anchorCalls int
}

func newFakeHost() *fakeHost {
	return &fakeHost{hostname: "example.com", height: 800, handlers: map[int]func(){}}
}

func (h *fakeHost) add(href string, top, bottom float64) *fakeAnchor {
	return h.addIn("", href, top, bottom)
}

func (h *fakeHost) addIn(root, href string, top, bottom float64) *fakeAnchor {
	abs := href
	if strings.HasPrefix(href, "/") {
		abs = "https://" + h.hostname + href
	}
	u, _ := url.Parse(abs)
	a := &fakeAnchor{
		c:    domain.Candidate{ID: len(h.anchors), Href: abs, Hostname: strings.ToLower(u.Hostname())},
		rect: domain.Rect{Top: top, Bottom: bottom},
		root: root,
	}
	h.anchors = append(h.anchors, a)
	return a
}

func (h *fakeHost) Hostname() string { return h.hostname }

func (h *fakeHost) Anchors(root string) ([]domain.Candidate, error) {
	h.anchorCalls++
	var out []domain.Candidate
	found := root == ""
	for _, a := range h.anchors {
		if root == "" || a.root == root {
			found = true
			out = append(out, a.c)
		}
	}
	if !found {
		return nil, errNoSuchRoot
	}
	return out, nil
}

func (h *fakeHost) ViewportHeight() float64 { return h.height }

func (h *fakeHost) BoundingRect(c domain.Candidate) domain.Rect { return h.anchors[c.ID].rect }

func (h *fakeHost) OnScroll(fn func()) func() {
	id := h.nextID
	h.nextID++
	h.handlers[id] = fn
	return func() { delete(h.handlers, id) }
}

func (h *fakeHost) scroll() {
	for _, fn := range h.handlers {
		fn()
	}
}

type call struct {
	URL  string
	High bool
}

type recorder struct {
	mu      sync.Mutex
	calls   []call
	decline map[string]bool
}

func (r *recorder) Prefetch(u string, high bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{URL: u, High: high})
	return !r.decline[u]
}

func (r *recorder) urls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.URL)
	}
	return out
}

func TestListen_InitialScanDispatchesOnlyVisible(t *testing.T) {
	host := newFakeHost()
	host.add("/a", 10, 20)
	host.add("/b", 900, 950)
	host.add("/c", -50, -10)
	rec := &recorder{}

	_, err := Listen(host, rec, Options{})
	require.NoError(t, err)

	assert.Equal(t, []call{{URL: "https://example.com/a"}}, rec.calls)
	assert.Len(t, host.handlers, 1)
}

func TestListen_ScrollDispatchesNewlyVisibleOnce(t *testing.T) {
	host := newFakeHost()
	host.add("/a", 10, 20)
	b := host.add("/b", 900, 950)
	host.add("/c", -50, -10)
	rec := &recorder{}

	_, err := Listen(host, rec, Options{})
	require.NoError(t, err)

	b.rect = domain.Rect{Top: 100, Bottom: 150}
	host.scroll()
	host.scroll()

	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, rec.urls())
}

func TestListen_VisibilityBoundaries(t *testing.T) {
	host := newFakeHost()
	host.add("/top-edge", 800, 900)    // top == height: not visible
	host.add("/bottom-edge", -30, 0)   // bottom == 0: visible
	host.add("/spanning", -1000, 5000) // covers the whole viewport
	rec := &recorder{}

	_, err := Listen(host, rec, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/bottom-edge", "https://example.com/spanning"}, rec.urls())
}

func TestListen_NeverVisibleNeverDispatched(t *testing.T) {
	host := newFakeHost()
	host.add("/below", 801, 900)
	host.add("/above", -100, -1)
	rec := &recorder{}

	l, err := Listen(host, rec, Options{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		host.scroll()
	}

	assert.Empty(t, rec.calls)
	assert.Equal(t, 0, l.Processed())
}

func TestListen_DefaultOriginsRejectForeignHosts(t *testing.T) {
	host := newFakeHost()
	host.add("https://cdn.other.test/x", 0, 10)
	host.add("/local", 20, 30)
	rec := &recorder{}

	l, err := Listen(host, rec, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/local"}, rec.urls())

	// The foreign link was visible, so it stays marked.
	host.scroll()
	assert.Equal(t, 2, l.Processed())
	assert.Len(t, rec.calls, 1)
}

func TestListen_AllowAllOrigins(t *testing.T) {
	for name, opts := range map[string]Options{
		"empty list": {Origins: []string{}},
		"all flag":   {AllOrigins: true},
	} {
		t.Run(name, func(t *testing.T) {
			host := newFakeHost()
			host.add("https://cdn.other.test/x", 0, 10)
			rec := &recorder{}

			_, err := Listen(host, rec, opts)
			require.NoError(t, err)
			assert.Equal(t, []string{"https://cdn.other.test/x"}, rec.urls())
		})
	}
}

func TestListen_ExplicitOrigins(t *testing.T) {
	host := newFakeHost()
	host.add("https://cdn.other.test/x", 0, 10)
	host.add("https://Blog.Example.org/post", 0, 10)
	host.add("/local", 0, 10)
	rec := &recorder{}

	_, err := Listen(host, rec, Options{Origins: []string{"blog.example.org", "CDN.other.test"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://cdn.other.test/x", "https://Blog.Example.org/post"}, rec.urls())
}

func TestListen_IgnoreFilters(t *testing.T) {
	host := newFakeHost()
	host.add("/keep", 0, 10)
	host.add("/logout", 0, 10)
	host.add("/files/report.pdf", 0, 10)
	rec := &recorder{}

	_, err := Listen(host, rec, Options{Ignores: []any{
		regexp.MustCompile(`/logout$`),
		filter.Extensions(".pdf"),
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/keep"}, rec.urls())
}

func TestListen_EmptyFilterCollectionIgnoresNothing(t *testing.T) {
	host := newFakeHost()
	host.add("/a", 0, 10)
	host.add("/b", 0, 10)
	rec := &recorder{}

	_, err := Listen(host, rec, Options{Ignores: []any{}})
	require.NoError(t, err)

	assert.Len(t, rec.calls, 2)
}

func TestListen_AlwaysTrueFilterInCollectionIgnoresEverything(t *testing.T) {
	host := newFakeHost()
	host.add("/a", 0, 10)
	host.add("/b", 0, 10)
	rec := &recorder{}

	f1 := func(string, domain.Candidate) bool { return false }
	f2 := func(string, domain.Candidate) bool { return true }
	_, err := Listen(host, rec, Options{Ignores: []any{f1, f2}})
	require.NoError(t, err)

	assert.Empty(t, rec.calls)
}

func TestListen_FilterRunsAfterOriginCheck(t *testing.T) {
	host := newFakeHost()
	host.add("https://other.test/x", 0, 10)
	rec := &recorder{}

	var seen []string
	spy := func(href string, _ domain.Candidate) bool {
		seen = append(seen, href)
		return false
	}
	_, err := Listen(host, rec, Options{Ignores: spy})
	require.NoError(t, err)

	assert.Empty(t, seen)
	assert.Empty(t, rec.calls)
}

func TestListen_DeclinedPrefetchIsNotRetried(t *testing.T) {
	host := newFakeHost()
	host.add("/a", 0, 10)
	rec := &recorder{decline: map[string]bool{"https://example.com/a": true}}

	var outcomes []domain.Outcome
	obs := ObserverFunc(func(ev domain.Event) { outcomes = append(outcomes, ev.Outcome) })

	_, err := Listen(host, rec, Options{Observers: []Observer{obs}})
	require.NoError(t, err)
	host.scroll()

	assert.Len(t, rec.calls, 1)
	assert.Equal(t, []domain.Outcome{domain.Declined}, outcomes)
}

func TestListen_PriorityIsForwarded(t *testing.T) {
	host := newFakeHost()
	host.add("/a", 0, 10)
	rec := &recorder{}

	_, err := Listen(host, rec, Options{Priority: true})
	require.NoError(t, err)

	assert.Equal(t, []call{{URL: "https://example.com/a", High: true}}, rec.calls)
}

func TestListen_RootContainer(t *testing.T) {
	host := newFakeHost()
	host.addIn("#nav", "/nav", 0, 10)
	host.addIn("#main", "/main", 0, 10)
	rec := &recorder{}

	_, err := Listen(host, rec, Options{Root: "#main"})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/main"}, rec.urls())
}

func TestListen_ConfigurationErrors(t *testing.T) {
	host := newFakeHost()
	host.add("/a", 0, 10)

	_, err := Listen(host, &recorder{}, Options{Ignores: 42})
	assert.ErrorIs(t, err, filter.ErrMalformedSpec)

	_, err = Listen(host, &recorder{}, Options{Root: "#missing"})
	assert.ErrorIs(t, err, errNoSuchRoot)

	_, err = Listen(nil, &recorder{}, Options{})
	assert.ErrorIs(t, err, ErrNilHost)

	_, err = Listen(host, nil, Options{})
	assert.ErrorIs(t, err, ErrNilPrefetcher)

	assert.Empty(t, host.handlers)
}

func TestListen_BulkURLsSkipScanning(t *testing.T) {
	host := newFakeHost()
	host.add("/a", 0, 10)
	rec := &recorder{}

	_, err := Listen(host, rec, Options{
		URLs:    []string{"https://x/1", "https://x/2"},
		Ignores: regexp.MustCompile(`.*`),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://x/1", "https://x/2"}, rec.urls())
	assert.Empty(t, host.handlers)
	assert.Zero(t, host.anchorCalls)
}

func TestListen_BulkURLsWithoutHost(t *testing.T) {
	rec := &recorder{}

	_, err := Listen(nil, rec, Options{URLs: []string{"https://x/1"}, Priority: true})
	require.NoError(t, err)

	assert.Equal(t, []call{{URL: "https://x/1", High: true}}, rec.calls)
}

func TestListen_BulkURLsUseTimeoutFn(t *testing.T) {
	rec := &recorder{}

	var gotTimeout time.Duration
	var deferred func()
	_, err := Listen(nil, rec, Options{
		URLs: []string{"https://x/1"},
		TimeoutFn: func(cb func(), timeout time.Duration) {
			gotTimeout = timeout
			deferred = cb
		},
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultTimeout, gotTimeout)
	assert.Empty(t, rec.calls)

	deferred()
	assert.Equal(t, []string{"https://x/1"}, rec.urls())
}

func TestListen_ObserversSeeEveryDecision(t *testing.T) {
	host := newFakeHost()
	host.add("/a", 0, 10)
	host.add("https://other.test/", 0, 10)
	host.add("/skip", 0, 10)
	host.add("/hidden", 2000, 2100)

	var events []domain.Event
	obs := ObserverFunc(func(ev domain.Event) { events = append(events, ev) })

	_, err := Listen(host, &recorder{}, Options{
		Ignores:   `/skip$`,
		Observers: []Observer{obs},
		PageURL:   "https://example.com/",
	})
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, domain.Dispatched, events[0].Outcome)
	assert.Equal(t, domain.SkippedOrigin, events[1].Outcome)
	assert.Equal(t, domain.SkippedIgnored, events[2].Outcome)
	for _, ev := range events {
		assert.Equal(t, "https://example.com/", ev.PageURL)
		assert.False(t, ev.ObservedAt.IsZero())
	}
}

func TestListener_StopUnsubscribes(t *testing.T) {
	host := newFakeHost()
	b := host.add("/b", 900, 950)
	rec := &recorder{}

	l, err := Listen(host, rec, Options{})
	require.NoError(t, err)

	l.Stop()
	l.Stop()
	b.rect = domain.Rect{Top: 0, Bottom: 10}
	host.scroll()

	assert.Empty(t, rec.calls)
	assert.Empty(t, host.handlers)
}

func TestListener_ConcurrentScansDispatchOnce(t *testing.T) {
	host := newFakeHost()
	var anchors []*fakeAnchor
	for i := 0; i < 50; i++ {
		anchors = append(anchors, host.add("/p/"+strings.Repeat("x", i+1), 1000, 1010))
	}

	var mu sync.Mutex
	counts := map[string]int{}
	pf := PrefetchFunc(func(u string, _ bool) bool {
		mu.Lock()
		counts[u]++
		mu.Unlock()
		return true
	})

	l, err := Listen(host, pf, Options{})
	require.NoError(t, err)
	require.Empty(t, counts)

	for _, a := range anchors {
		a.rect = domain.Rect{Top: 0, Bottom: 10}
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Scan()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, l.Processed())
	assert.Len(t, counts, 50)
	for u, n := range counts {
		assert.Equal(t, 1, n, u)
	}
}

func runWithin(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("call did not return")
	}
}

func TestListener_PrefetcherCanStopDuringScroll(t *testing.T) {
	host := newFakeHost()
	b := host.add("/b", 900, 950)
	c := host.add("/c", 900, 950)

	var l *Listener
	var got []string
	pf := PrefetchFunc(func(u string, _ bool) bool {
		got = append(got, u)
		l.Stop()
		return true
	})

	var err error
	l, err = Listen(host, pf, Options{})
	require.NoError(t, err)

	b.rect = domain.Rect{Top: 0, Bottom: 10}
	runWithin(t, 2*time.Second, host.scroll)
	assert.Equal(t, []string{"https://example.com/b"}, got)
	assert.Empty(t, host.handlers)

	c.rect = domain.Rect{Top: 0, Bottom: 10}
	host.scroll()
	assert.Len(t, got, 1)
}

func TestListener_ObserverCanReadProcessed(t *testing.T) {
	host := newFakeHost()
	host.add("/a", 0, 10)
	host.add("/b", 0, 10)

	var l *Listener
	var seen []int
	obs := ObserverFunc(func(domain.Event) {
		if l != nil {
			seen = append(seen, l.Processed())
		}
	})

	var err error
	runWithin(t, 2*time.Second, func() {
		l, err = Listen(host, &recorder{}, Options{Observers: []Observer{obs}})
	})
	require.NoError(t, err)
	assert.Empty(t, seen)

	host.add("/c", 0, 10)
	runWithin(t, 2*time.Second, host.scroll)
	assert.Equal(t, []int{3}, seen)
}

func TestListen_OriginCheckIgnoresHostnameCase(t *testing.T) {
	host := newFakeHost()
	a := host.add("/a", 0, 10)
	a.c.Hostname = "EXAMPLE.com"
	rec := &recorder{}

	_, err := Listen(host, rec, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a"}, rec.urls())
}

func TestListen_NilFiltersAreConfigurationErrors(t *testing.T) {
	host := newFakeHost()
	host.add("/a", 0, 10)

	for _, ignores := range []any{
		filter.Predicate(nil),
		filter.Pattern{},
		[]any{(func(string) bool)(nil)},
	} {
		_, err := Listen(host, &recorder{}, Options{Ignores: ignores})
		assert.ErrorIs(t, err, filter.ErrMalformedSpec, "%#v", ignores)
	}
	assert.Empty(t, host.handlers)
}
