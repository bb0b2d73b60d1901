// Package stats is the telemetry pipeline: it captures one sample per
// completed public request, keeps the per-tunnel live counters current,
// and batches samples into hourly aggregates.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/burrowlabs/burrow/internal/db/models"
	"github.com/burrowlabs/burrow/internal/geo"
	"github.com/burrowlabs/burrow/internal/store"
	"github.com/burrowlabs/burrow/pkg/logger"
	"github.com/burrowlabs/burrow/pkg/utils"
)

const (
	// FlushThreshold is the buffered-sample count that triggers an early
	// flush.
	FlushThreshold = 100
	// FlushInterval is the periodic flush cadence.
	FlushInterval = 2 * time.Minute
	// DecayWindow is how long a tunnel may stay idle before its rolling
	// counters are zeroed.
	DecayWindow = 10 * time.Minute

	finalizeQueueSize = 512
	finalizeWorkers   = 4
	maxUserAgentLen   = 500
	maxRetryBatches   = 256
)

// Sample is one completed public request.
type Sample struct {
	TunnelID       string
	Method         string
	Path           string
	StatusCode     int
	ResponseTimeMs float64
	RequestSize    int64
	ResponseSize   int64
	ClientIP       string
	Country        string
	UserAgent      string
	Timestamp      time.Time
}

// Pipeline ingests samples from the request path without blocking it.
// Finalisation (country lookup, live counters, request log) happens on a
// bounded worker pool; aggregation happens on a single flusher goroutine
// so concurrent flushes cannot interleave on the same hourly key.
type Pipeline struct {
	store    *store.Store
	resolver *geo.CountryResolver

	inflight sync.Map // request id → *Sample

	mu     sync.Mutex
	buffer []*Sample
	retry  []*store.HourlyBatch

	finalize chan *Sample
	trigger  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPipeline creates the telemetry pipeline. Call Start before use and
// Close during shutdown.
func NewPipeline(st *store.Store, resolver *geo.CountryResolver) *Pipeline {
	if resolver == nil {
		resolver = geo.New(nil)
	}
	return &Pipeline{
		store:    st,
		resolver: resolver,
		finalize: make(chan *Sample, finalizeQueueSize),
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the finalize workers and the flusher.
func (p *Pipeline) Start() {
	for i := 0; i < finalizeWorkers; i++ {
		p.wg.Add(1)
		go p.finalizeWorker()
	}
	p.wg.Add(1)
	go p.flusher()
}

// Begin records the request-side fields of a sample under its telemetry
// id. The id is fresh per request and never reused.
func (p *Pipeline) Begin(id, tunnelID, method, path, clientIP, userAgent string, requestSize int64) {
	p.inflight.Store(id, &Sample{
		TunnelID:    tunnelID,
		Method:      method,
		Path:        path,
		ClientIP:    clientIP,
		UserAgent:   utils.TruncateUserAgent(userAgent, maxUserAgentLen),
		RequestSize: requestSize,
		Timestamp:   time.Now(),
	})
}

// Finish completes a sample and hands it to the finalize queue. When the
// queue is saturated the sample is dropped; telemetry never blocks or
// fails a public request.
func (p *Pipeline) Finish(id string, statusCode int, responseSize int64, elapsed time.Duration) {
	value, ok := p.inflight.LoadAndDelete(id)
	if !ok {
		return
	}
	sample := value.(*Sample)
	sample.StatusCode = statusCode
	sample.ResponseSize = responseSize
	sample.ResponseTimeMs = float64(elapsed.Milliseconds())

	select {
	case p.finalize <- sample:
	default:
		logger.WarnEvent().
			Str("tunnel_id", sample.TunnelID).
			Msg("Telemetry queue saturated, dropping sample")
	}
}

// Discard drops an in-flight sample, for requests that never reached the
// agent.
func (p *Pipeline) Discard(id string) {
	p.inflight.LoadAndDelete(id)
}

func (p *Pipeline) finalizeWorker() {
	defer p.wg.Done()
	for sample := range p.finalize {
		p.finalizeSample(sample)
	}
}

func (p *Pipeline) finalizeSample(sample *Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	country, err := p.resolver.Resolve(ctx, sample.ClientIP)
	if err != nil {
		logger.DebugEvent().Err(err).Str("ip", sample.ClientIP).Msg("Country lookup failed")
	}
	sample.Country = country

	isError := sample.StatusCode >= 400
	if err := p.store.UpsertLiveStats(ctx, sample.TunnelID, sample.ResponseTimeMs, isError); err != nil {
		logger.ErrorEvent().Err(err).Str("tunnel_id", sample.TunnelID).Msg("Failed to update live stats")
	}

	logRow := &models.RequestLog{
		TunnelID:       sample.TunnelID,
		Method:         sample.Method,
		Path:           sample.Path,
		StatusCode:     sample.StatusCode,
		ResponseTimeMs: int(sample.ResponseTimeMs),
		RequestSize:    sample.RequestSize,
		ResponseSize:   sample.ResponseSize,
		ClientIP:       sample.ClientIP,
		Timestamp:      sample.Timestamp,
	}
	if sample.Country != "" {
		logRow.Country = &sample.Country
	}
	if sample.UserAgent != "" {
		ua := sample.UserAgent
		logRow.UserAgent = &ua
	}
	if err := p.store.InsertRequestLog(ctx, logRow); err != nil {
		logger.ErrorEvent().Err(err).Str("tunnel_id", sample.TunnelID).Msg("Failed to insert request log")
	}

	p.bufferSample(sample)
}

func (p *Pipeline) bufferSample(sample *Sample) {
	p.mu.Lock()
	p.buffer = append(p.buffer, sample)
	size := len(p.buffer)
	p.mu.Unlock()

	if size >= FlushThreshold {
		// Coalesced: a trigger already in flight covers this batch too.
		select {
		case p.trigger <- struct{}{}:
		default:
		}
	}
}

// BufferedCount reports samples awaiting aggregation, for tests.
func (p *Pipeline) BufferedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func (p *Pipeline) flusher() {
	defer p.wg.Done()
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.trigger:
			p.flushOnce()
		case <-ticker.C:
			p.flushOnce()
		case <-p.stop:
			return
		}
	}
}

// flushOnce drains the buffer and writes one hourly upsert per
// (tunnel, hour) group. A panic in aggregation is contained here; the
// pipeline keeps running.
func (p *Pipeline) flushOnce() {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorEvent().Interface("panic", r).Msg("Stats flush panicked")
		}
	}()

	p.mu.Lock()
	samples := p.buffer
	p.buffer = nil
	retries := p.retry
	p.retry = nil
	p.mu.Unlock()

	if len(samples) == 0 && len(retries) == 0 {
		return
	}

	// Retried groups go first; the hourly upsert increments, so replaying
	// a failed group alongside a fresh one for the same hour is safe.
	batches := append(retries, aggregate(samples)...)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var failed []*store.HourlyBatch
	for _, batch := range batches {
		if err := p.store.UpsertHourlyStats(ctx, batch); err != nil {
			failed = append(failed, batch)
			logger.ErrorEvent().
				Err(err).
				Str("tunnel_id", batch.TunnelID).
				Time("hour", batch.Hour).
				Msg("Failed to flush hourly stats")
		}
	}

	if len(failed) > 0 {
		if len(failed) > maxRetryBatches {
			failed = failed[len(failed)-maxRetryBatches:]
		}
		p.mu.Lock()
		p.retry = append(p.retry, failed...)
		p.mu.Unlock()
	}

	logger.DebugEvent().
		Int("samples", len(samples)).
		Int("groups", len(batches)).
		Int("failed", len(failed)).
		Msg("Flushed stats buffer")
}

// Flush forces a synchronous flush, for shutdown and tests.
func (p *Pipeline) Flush() {
	p.flushOnce()
}

// DecayLiveStats zeroes rolling counters of tunnels idle past the decay
// window.
func (p *Pipeline) DecayLiveStats(ctx context.Context) {
	count, err := p.store.ResetStaleLiveStats(ctx, time.Now().Add(-DecayWindow))
	if err != nil {
		logger.ErrorEvent().Err(err).Msg("Failed to decay live stats")
		return
	}
	if count > 0 {
		logger.DebugEvent().Int64("count", count).Msg("Decayed idle live stats")
	}
}

// Close drains the finalize queue, stops the flusher and flushes whatever
// is buffered. Call after the request path has stopped producing samples.
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() {
		close(p.finalize)
		close(p.stop)
		p.wg.Wait()
		p.flushOnce()
	})
}
