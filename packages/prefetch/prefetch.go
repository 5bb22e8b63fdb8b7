// Package prefetch
package prefetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lukeed/quicklink/packages/domain"
	"github.com/lukeed/quicklink/packages/metrics"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Timeout    time.Duration
	MaxWorkers int
	QueueSize  int
	// SaveData and EffectiveType mirror the client's connection hints.
	// Prefetching is declined on data-saver or 2g connections.
	SaveData      bool
	EffectiveType string
	UserAgent     string
	MaxBodyRead   int64
}

// Fetcher is the network side of prefetching. Prefetch never blocks: it
// queues the URL and returns, and Run drains the queues with a bounded
// number of workers, high priority first.
type Fetcher struct {
	cfg        Config
	seen       Seen
	httpClient *http.Client

	mu     sync.Mutex
	closed bool
	queued map[string]struct{}
	high   chan domain.PrefetchJob
	low    chan domain.PrefetchJob
}

// New creates a Fetcher. seen may be nil, in which case only the in-process
// dedupe applies.
func New(cfg Config, seen Seen) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "quicklink/1.0"
	}
	if cfg.MaxBodyRead <= 0 {
		cfg.MaxBodyRead = 1 << 20
	}

	return &Fetcher{
		cfg:        cfg,
		seen:       seen,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		queued:     make(map[string]struct{}),
		high:       make(chan domain.PrefetchJob, cfg.QueueSize),
		low:        make(chan domain.PrefetchJob, cfg.QueueSize),
	}
}

// Prefetch queues url once per Fetcher lifetime. It returns false when the
// connection hints forbid prefetching, the URL was already queued, the
// Fetcher is closed or the queue is full.
func (f *Fetcher) Prefetch(url string, highPriority bool) bool {
	if f.constrained() {
		metrics.PrefetchDropped.WithLabelValues("constrained").Inc()
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}
	if _, ok := f.queued[url]; ok {
		metrics.PrefetchDropped.WithLabelValues("duplicate").Inc()
		return false
	}

	queue := f.low
	if highPriority {
		queue = f.high
	}
	select {
	case queue <- domain.PrefetchJob{URL: url, HighPriority: highPriority}:
		f.queued[url] = struct{}{}
		return true
	default:
		slog.Warn("Prefetch queue is full. Dropping URL.", "url", url, "high_priority", highPriority)
		metrics.PrefetchDropped.WithLabelValues("queue_full").Inc()
		return false
	}
}

// Close stops accepting URLs. Run returns once the queued jobs are done.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.high)
	close(f.low)
}

// Run processes queued jobs until Close has been called and the queues are
// empty, or ctx is cancelled.
func (f *Fetcher) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.MaxWorkers)

	high, low := f.high, f.low
	dispatch := func(job domain.PrefetchJob) {
		g.Go(func() error {
			if err := f.fetch(gCtx, job); err != nil {
				slog.Debug("Prefetch failed", "url", job.URL, "error", err)
			}
			return nil
		})
	}

	for high != nil || low != nil {
		select {
		case job, ok := <-high:
			if !ok {
				high = nil
				continue
			}
			dispatch(job)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case job, ok := <-high:
			if !ok {
				high = nil
				continue
			}
			dispatch(job)
		case job, ok := <-low:
			if !ok {
				low = nil
				continue
			}
			dispatch(job)
		}
	}
	return g.Wait()
}

func (f *Fetcher) constrained() bool {
	return f.cfg.SaveData || strings.Contains(strings.ToLower(f.cfg.EffectiveType), "2g")
}

func (f *Fetcher) fetch(ctx context.Context, job domain.PrefetchJob) error {
	if f.seen != nil {
		fresh, err := f.seen.MarkSeen(ctx, job.URL)
		if err != nil {
			slog.Warn("Seen set unavailable, prefetching anyway", "url", job.URL, "error", err)
		} else if !fresh {
			metrics.PrefetchDropped.WithLabelValues("seen").Inc()
			return nil
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, job.URL, nil)
	if err != nil {
		metrics.PrefetchRequests.WithLabelValues(metrics.StatusLabel(0)).Inc()
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Sec-Purpose", "prefetch")
	req.Header.Set("Purpose", "prefetch")
	if job.HighPriority {
		req.Header.Set("Priority", "u=1")
	} else {
		req.Header.Set("Priority", "u=5, i")
	}

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	metrics.PrefetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PrefetchRequests.WithLabelValues(metrics.StatusLabel(0)).Inc()
		return fmt.Errorf("prefetch request: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.CopyN(io.Discard, resp.Body, f.cfg.MaxBodyRead)
	metrics.PrefetchRequests.WithLabelValues(metrics.StatusLabel(resp.StatusCode)).Inc()
	slog.Debug("Prefetched URL", "url", job.URL, "status_code", resp.StatusCode, "high_priority", job.HighPriority)
	return nil
}
