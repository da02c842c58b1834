// Package fetch implements the async URL fetcher: a bounded
// worker pool that issues HTTP requests concurrently and emits results
// as soon as they're ready, in no particular order, while a memory
// watchdog abandons the iteration when the process is under pressure.
//
// Results are written to an unordered channel rather than returned in
// request order; callers that need deterministic pairing correlate by
// the opaque tag attached to each request.
package fetch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Request is one HTTP request to issue. Tag is caller-assigned and
// opaque to the fetcher; it is echoed back on the matching Result so
// callers can correlate responses with the request that produced them
// without relying on channel order.
type Request struct {
	Tag    string
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Result is one completed (or exhausted) fetch attempt.
type Result struct {
	Tag        string
	StatusCode int
	Body       []byte
	Err        error
	Attempts   int
	Elapsed    time.Duration
}

// RetryConfig configures the per-request backoff loop. Transport
// errors and 5xx responses are retried; 4xx responses are terminal.
type RetryConfig struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	MaxRetries int
}

func (c RetryConfig) orDefaults() RetryConfig {
	if c.MinBackoff <= 0 {
		c.MinBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// Fetcher is a bounded-concurrency HTTP fetcher.
type Fetcher struct {
	client        *http.Client
	logger        log.Logger
	concurrency   int
	retry         RetryConfig
	watchdog      *Watchdog
	watchdogEvery int
	tracer        trace.Tracer
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithConcurrency sets the worker pool size. Default 4.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithRetry overrides the default retry/backoff policy.
func WithRetry(cfg RetryConfig) Option {
	return func(f *Fetcher) { f.retry = cfg.orDefaults() }
}

// WithWatchdog attaches a memory-pressure watchdog. Every
// watchdogEvery emitted results (default 20, see
// WithWatchdogSampleEvery) the fetcher samples it; if the process is
// under pressure, the fetcher abandons the remaining iteration with a
// terminal MemoryPressure error rather than continue dispatching.
func WithWatchdog(w *Watchdog) Option {
	return func(f *Fetcher) { f.watchdog = w }
}

// WithWatchdogSampleEvery overrides how many emitted results elapse
// between watchdog samples.
func WithWatchdogSampleEvery(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.watchdogEvery = n
		}
	}
}

// WithHTTPClient overrides the default http.Client (e.g. for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// New returns a Fetcher.
func New(logger log.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:        &http.Client{Timeout: 2 * time.Minute},
		logger:        logger,
		concurrency:   4,
		retry:         RetryConfig{}.orDefaults(),
		tracer:        otel.Tracer("seisdl/fetch"),
		watchdogEvery: 20,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch issues every request in reqs through the worker pool and
// returns a channel that yields one Result per request, closed once
// all requests have completed (or the iteration is abandoned under
// memory pressure). Results are emitted as soon as they're
// ready; callers must not assume ordering matches reqs. Callers should
// check errs.IsTerminal on each Result.Err and stop consuming early if
// it reports true, the watchdog cancels the remaining work right
// after emitting that Result.
func (f *Fetcher) Fetch(ctx context.Context, reqs []Request) <-chan Result {
	out := make(chan Result)
	in := make(chan Request)

	fetchCtx, cancel := context.WithCancel(ctx)

	state := &watchdogState{}

	var wg sync.WaitGroup
	wg.Add(f.concurrency)
	for i := 0; i < f.concurrency; i++ {
		workerLogger := log.With(f.logger, "fetcher", i)
		go func() {
			defer wg.Done()
			f.worker(fetchCtx, cancel, workerLogger, in, out, state)
		}()
	}

	go func() {
		defer close(in)
		for _, req := range reqs {
			if req.Tag == "" {
				req.Tag = ulid.Make().String()
			}
			select {
			case in <- req:
			case <-fetchCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		cancel()
		close(out)
	}()

	return out
}

// watchdogState is shared by every worker of a single Fetch call: the
// count of results emitted so far, and whether the watchdog has
// already abandoned the iteration (so only one MemoryPressure Result
// is ever emitted).
type watchdogState struct {
	emitted int64
	aborted int32
}

func (f *Fetcher) worker(ctx context.Context, cancel context.CancelFunc, logger log.Logger, in <-chan Request, out chan<- Result, state *watchdogState) {
	for req := range in {
		if atomic.LoadInt32(&state.aborted) == 1 {
			continue
		}

		result := f.do(ctx, logger, req)

		n := atomic.AddInt64(&state.emitted, 1)
		if f.watchdog != nil && n%int64(f.watchdogEvery) == 0 {
			if pressureErr := f.watchdog.CheckPressure(); pressureErr != nil {
				if atomic.CompareAndSwapInt32(&state.aborted, 0, 1) {
					level.Error(logger).Log("msg", "abandoning fetch iteration under memory pressure", "err", pressureErr)
					select {
					case out <- Result{Tag: req.Tag, Err: pressureErr}:
					case <-ctx.Done():
					}
					cancel()
					continue
				}
			}
		}

		select {
		case out <- result:
		case <-ctx.Done():
			return
		}
	}
}

func (f *Fetcher) do(ctx context.Context, logger log.Logger, req Request) Result {
	ctx, span := f.tracer.Start(ctx, "fetch.do", trace.WithAttributes(
		attribute.String("tag", req.Tag),
		attribute.String("url", req.URL),
	))
	defer span.End()

	start := time.Now()
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: f.retry.MinBackoff,
		MaxBackoff: f.retry.MaxBackoff,
		MaxRetries: f.retry.MaxRetries,
	})

	var last Result
	for b.Ongoing() {
		last = f.attempt(ctx, req)
		last.Attempts = b.NumRetries() + 1
		last.Elapsed = time.Since(start)

		if last.Err == nil && last.StatusCode < 500 {
			// Either success or a terminal client error (4xx); neither retries.
			break
		}
		level.Debug(logger).Log("msg", "retrying fetch", "tag", req.Tag, "attempt", last.Attempts, "status", last.StatusCode, "err", last.Err)
		b.Wait()
	}
	// A response that exhausted its retries still carries its status
	// code; only attempts that never reached the server inherit the
	// backoff loop's error.
	if err := b.Err(); err != nil && last.Err == nil && last.StatusCode == 0 {
		last.Err = err
	}

	if last.Err != nil {
		span.RecordError(last.Err)
		span.SetStatus(codes.Error, last.Err.Error())
	}
	return last
}

func (f *Fetcher) attempt(ctx context.Context, req Request) Result {
	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return Result{Tag: req.Tag, Err: errors.Wrap(err, "build request")}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return Result{Tag: req.Tag, Err: errors.Wrap(err, "transport error")}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Tag: req.Tag, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "read body")}
	}

	return Result{Tag: req.Tag, StatusCode: resp.StatusCode, Body: body}
}
