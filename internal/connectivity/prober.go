package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Prober is a Monitor that polls a health URL. Any HTTP response below 500
// counts as reachable; transport errors and 5xx count as offline.
type Prober struct {
	*notifier
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewProber creates a prober. It starts offline until the first probe
// succeeds, so the first successful probe produces an online edge.
func NewProber(url string, interval time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := interval / 2
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	logger = logger.With("component", "prober")
	return &Prober{
		notifier: newNotifier(false, logger),
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start probes once immediately and then on every interval until Stop or
// ctx is done.
func (p *Prober) Start(ctx context.Context) {
	go p.poll(ctx)
	p.logger.Info("connectivity prober started", "url", p.url, "interval", p.interval)
}

// Stop halts polling and waits for the poll loop to exit. Safe to call
// more than once, but only after Start.
func (p *Prober) Stop() {
	p.once.Do(func() {
		close(p.stop)
		<-p.done
		p.logger.Info("connectivity prober stopped")
	})
}

func (p *Prober) poll(ctx context.Context) {
	defer close(p.done)

	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe performs one reachability check, updates the state and returns it.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.check(ctx)
	p.set(online)
	return online
}

func (p *Prober) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("build probe request", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "url", p.url, "error", err)
		return false
	}
	resp.Body.Close() //nolint:errcheck
	return resp.StatusCode < http.StatusInternalServerError
}
