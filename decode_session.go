package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwsl/rfdemod/demod/blockdemod"
	"github.com/cwsl/rfdemod/demod/calibration"
	"github.com/cwsl/rfdemod/demod/chromaafc"
	"github.com/cwsl/rfdemod/demod/diag"
	"github.com/cwsl/rfdemod/demod/envelope"
	"github.com/cwsl/rfdemod/demod/scheduler"
)

// progressInterval rate-limits progress updates to sinks
const progressInterval = 500 * time.Millisecond

// Progress is a snapshot of a running decode, published on /status, /ws and MQTT
type Progress struct {
	Session    string    `json:"session"`
	Format     string    `json:"format"`
	System     string    `json:"system"`
	State      string    `json:"state"` // starting, decoding, finished, failed
	Blocks     int64     `json:"blocks"`
	Degraded   int64     `json:"degraded"`
	Samples    int64     `json:"samples"`
	Dropouts   int64     `json:"dropouts"`
	Start      int64     `json:"start"`    // first capture position requested
	Position   int64     `json:"position"` // capture position reached
	Total      int64     `json:"total"`    // samples to decode, -1 when unknown
	CarrierHz  float64   `json:"carrier_hz,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	DriftHz    float64   `json:"drift_hz,omitempty"`
	Elapsed    float64   `json:"elapsed_seconds"`
	Realtime   float64   `json:"realtime_factor"` // capture seconds decoded per wall second
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProgressSink receives progress snapshots
type ProgressSink interface {
	PublishProgress(p Progress)
}

// DecodeSession runs one decode: it feeds blocks from the loader to the
// scheduler, releases records in block order, writes them, and feeds each
// record's chroma back to the AFC so later blocks use the new carrier.
type DecodeSession struct {
	dc      *DecoderContext
	config  *Config
	loader  *RFLoader
	writer  *OutputWriter
	metrics *PrometheusMetrics
	afc     *chromaafc.AFC
	log     *diag.Logger

	sinks []ProgressSink

	// resync is set by RequestResync and applied by the consumer
	resync atomic.Bool

	mu        sync.Mutex
	progress  Progress
	started   time.Time
	lastEmit  time.Time
	submitted map[int64]time.Time
}

// NewDecodeSession prepares a session. metrics may be nil.
func NewDecodeSession(dc *DecoderContext, config *Config, loader *RFLoader, writer *OutputWriter, metrics *PrometheusMetrics) (*DecodeSession, error) {
	s := &DecodeSession{
		dc:        dc,
		config:    config,
		loader:    loader,
		writer:    writer,
		metrics:   metrics,
		log:       dc.Log.With("Session"),
		submitted: make(map[int64]time.Time),
	}
	if dc.Params.AFC {
		afcCfg, err := config.AFCTracker(dc.Params)
		if err != nil {
			return nil, err
		}
		afc, err := chromaafc.New(afcCfg, dc.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to create chroma AFC: %w", err)
		}
		s.afc = afc
		metrics.SetCorrection(afc.Correction())
	}
	s.progress = Progress{
		Session: dc.ID,
		Format:  dc.Params.Format.String(),
		System:  dc.Params.System.String(),
		State:   "starting",
		Total:   -1,
	}
	return s, nil
}

// AddSink registers a progress receiver
func (s *DecodeSession) AddSink(sink ProgressSink) {
	s.sinks = append(s.sinks, sink)
}

// AFC returns the carrier tracker, nil when the format has none or AFC is off
func (s *DecodeSession) AFC() *chromaafc.AFC {
	return s.afc
}

// RequestResync asks for the carrier estimate to go back to nominal before
// the next record is released. It reports false when there is no tracker.
func (s *DecodeSession) RequestResync() bool {
	if s.afc == nil {
		return false
	}
	s.resync.Store(true)
	return true
}

// applyResync performs a pending resync: the tracker restarts at nominal,
// cached records are dropped and workers get the nominal carrier. cache may
// be nil.
func (s *DecodeSession) applyResync(sched *scheduler.Scheduler, cache *scheduler.BlockCache) {
	if s.afc == nil || !s.resync.CompareAndSwap(true, false) {
		return
	}
	s.afc.Reset()
	if cache != nil {
		cache.Flush()
	}
	est := s.afc.Estimate()
	sched.Broadcast(scheduler.NewParams(est))
	s.metrics.RecordResync(est)
	s.log.Infof("carrier resync requested, back to %.2f Hz", est.FreqHz)

	s.mu.Lock()
	s.progress.CarrierHz = est.FreqHz
	s.progress.Confidence = est.Confidence
	s.progress.DriftHz = 0
	s.mu.Unlock()
}

// Progress returns the latest snapshot
func (s *DecodeSession) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Calibrate installs a linearization fit: a stored one when store has a
// compatible fit, otherwise a fresh sweep when the configuration asks for it.
// A rejected sweep leaves the identity correction in place and is not an error.
func (s *DecodeSession) Calibrate(store *calibration.Store) error {
	if s.afc == nil {
		return nil
	}
	p := s.dc.Params
	key := calibration.Key{
		Format:     p.Format.String(),
		System:     p.System.String(),
		SampleRate: p.SampleRate,
		MeasureLen: s.config.AFC.MeasureLen,
	}

	if store != nil {
		fit, err := store.Lookup(key)
		switch {
		case err == nil:
			if err := s.afc.SetCorrection(fit.Correction()); err != nil {
				s.log.Warnf("stored calibration for %s is implausible, ignoring it: %v", key, err)
			} else {
				s.log.Infof("using stored calibration for %s: m=%.6f c=%.2f (%d tones, %s)",
					key, fit.Slope, fit.Intercept, fit.Points, fit.CreatedAt.Format(time.RFC3339))
				s.metrics.SetCorrection(s.afc.Correction())
				return nil
			}
		case errors.Is(err, calibration.ErrNotFound):
			s.log.Debugf("no stored calibration for %s", key)
		default:
			return err
		}
	}

	if !s.config.AFC.Linearize {
		return nil
	}
	points := s.config.AFC.LinearizePoints
	fit, err := s.afc.Linearize(points)
	var calErr *chromaafc.CalibrationError
	if errors.As(err, &calErr) {
		s.log.Warnf("AFC linearization rejected, continuing uncorrected: %v", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to linearize AFC: %w", err)
	}
	s.metrics.SetCorrection(fit)
	if store != nil {
		if err := store.Save(key, fit, points); err != nil {
			s.log.Warnf("failed to store calibration: %v", err)
		}
	}
	return nil
}

// Run decodes until the capture or the requested range ends, or ctx is cancelled
func (s *DecodeSession) Run(ctx context.Context) error {
	p := s.dc.Params
	cfg := scheduler.Config{
		Workers:    s.config.Workers.Threads,
		QueueDepth: s.config.Workers.QueueDepth,
		EdgeCut:    p.EdgeCut,
		BlockSize:  p.BlockSize(),
		BlockLen:   p.BlockLen,
	}
	if s.afc != nil {
		cfg.Carrier = s.afc.Estimate()
	}
	sched, err := scheduler.New(cfg, s.dc.NewDemodulator, s.dc.Log)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.started = time.Now()
	s.progress.State = "decoding"
	s.mu.Unlock()

	ranged := s.config.Input.Start > 0 || s.config.Input.Length > 0
	if ranged {
		err = s.runRange(ctx, sched)
	} else {
		err = s.runStream(ctx, sched)
	}

	s.mu.Lock()
	if err != nil {
		s.progress.State = "failed"
		s.progress.Error = err.Error()
	} else {
		s.progress.State = "finished"
	}
	s.mu.Unlock()
	s.emit(true)
	return err
}

// runStream decodes the whole capture through the scheduler
func (s *DecodeSession) runStream(ctx context.Context, sched *scheduler.Scheduler) error {
	p := s.dc.Params
	s.mu.Lock()
	s.progress.Total = s.loader.Len()
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if err := sched.Start(gctx); err != nil {
		return err
	}
	defer sched.Stop()

	g.Go(func() error {
		defer sched.Close()
		bs := int64(p.BlockSize())
		for b := int64(0); ; b++ {
			offset := b * bs
			samples := make([]float64, p.BlockLen)
			n, err := s.loader.ReadSamples(samples, offset)
			last := n < p.BlockLen
			if last {
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				s.log.Debugf("capture ends in block %d after %s samples", b, formatCount(offset+int64(n)))
				if n <= p.EdgeCut {
					if b == 0 {
						s.log.Warnf("capture holds %d samples, no more than the %d sample edge cut; nothing to decode", n, p.EdgeCut)
					}
					return nil
				}
				// the final block is demodulated at its own length
				samples = samples[:n]
			}
			s.mu.Lock()
			s.submitted[b] = time.Now()
			s.mu.Unlock()
			job := scheduler.Job{Index: b, Block: blockdemod.RFBlock{Index: b, Offset: offset, Samples: samples}}
			if err := sched.Submit(gctx, job); err != nil {
				return fmt.Errorf("failed to submit block %d: %w", b, err)
			}
			if last {
				return nil
			}
		}
	})

	g.Go(func() error {
		rb := scheduler.NewReorderBuffer(0)
		for res := range sched.Results() {
			for _, r := range rb.Push(res) {
				if err := s.handleRecord(r, sched); err != nil {
					return err
				}
			}
			s.metrics.UpdateScheduler(sched.States(), rb.Pending())
		}
		if n := rb.Pending(); n > 0 && gctx.Err() == nil {
			return fmt.Errorf("%d blocks after block %d were never released", n, rb.Next())
		}
		return nil
	})

	return g.Wait()
}

// handleRecord writes one in-order record and feeds its chroma to the AFC
func (s *DecodeSession) handleRecord(r scheduler.Result, sched *scheduler.Scheduler) error {
	rec := r.Record
	if r.Err != nil {
		s.log.Warnf("block %d degraded: %v", r.Index, r.Err)
	}
	if err := s.writer.WriteRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	var latency time.Duration
	if t, ok := s.submitted[r.Index]; ok {
		latency = time.Since(t)
		delete(s.submitted, r.Index)
	}
	s.mu.Unlock()
	s.metrics.RecordBlock(rec, latency)

	s.applyResync(sched, nil)
	// a short final block has too little chroma to measure
	if !rec.Degraded && rec.Len() >= s.dc.Params.BlockSize() {
		if est, ok := s.track(rec.Chroma); ok {
			sched.Broadcast(scheduler.NewParams(est))
		}
	}

	s.mu.Lock()
	s.progress.Blocks++
	if rec.Degraded {
		s.progress.Degraded++
	}
	s.progress.Samples += int64(rec.Len())
	s.progress.Dropouts += int64(len(rec.Dropouts))
	s.progress.Position = rec.Offset + int64(rec.Len())
	s.mu.Unlock()
	s.emit(false)
	return nil
}

// track measures the carrier in chroma. It reports false when there is no
// tracker or no new estimate.
func (s *DecodeSession) track(chroma []float64) (chromaafc.CarrierEstimate, bool) {
	if s.afc == nil {
		return chromaafc.CarrierEstimate{}, false
	}
	est, err := s.afc.Measure(chroma)
	measured := err == nil
	switch {
	case err == nil:
	case errors.Is(err, chromaafc.ErrNoCarrier):
		s.log.Debugf("no chroma carrier found, keeping %.2f Hz", est.FreqHz)
	default:
		s.log.Warnf("chroma carrier measurement failed: %v", err)
	}
	drift := s.afc.Drift()
	s.metrics.UpdateAFC(est, drift, measured)

	s.mu.Lock()
	s.progress.CarrierHz = est.FreqHz
	s.progress.Confidence = est.Confidence
	s.progress.DriftHz = drift.LogDrift
	s.mu.Unlock()
	return est, measured
}

// runRange decodes [start, start+length) through the block cache
func (s *DecodeSession) runRange(ctx context.Context, sched *scheduler.Scheduler) error {
	p := s.dc.Params
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	cache, err := scheduler.NewBlockCache(scheduler.CacheConfig{
		BlockLen:   p.BlockLen,
		EdgeCut:    p.EdgeCut,
		EdgeCutEnd: p.EdgeCutEnd,
		Capacity:   s.config.Workers.CacheCapacity,
		Prefetch:   s.config.Workers.Prefetch,
	}, s.loader, sched, s.dc.Log)
	if err != nil {
		return err
	}

	bs := int64(p.BlockSize())
	begin := s.config.Input.Start
	end := int64(-1)
	if s.config.Input.Length > 0 {
		end = begin + s.config.Input.Length
	}
	s.mu.Lock()
	s.progress.Start = begin
	if end > 0 {
		s.progress.Total = end - begin
	}
	s.mu.Unlock()

	chunk := bs * int64(max(1, s.config.Workers.Threads))
	for pos := begin; end < 0 || pos < end; {
		s.applyResync(sched, cache)

		length := chunk
		if end > 0 && pos+length > end {
			length = end - pos
		}
		if last := cache.End(); last >= 0 && pos+length > last {
			length = last - pos
		}
		var span *scheduler.Span
		if length > 0 {
			span, err = cache.Read(ctx, pos, length)
			if errors.Is(err, io.EOF) {
				// the capture ends inside this chunk; read what remains of it
				span = nil
				if last := cache.End(); last > pos && last < pos+length {
					length = last - pos
					span, err = cache.Read(ctx, pos, length)
				}
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
		}
		if span == nil {
			s.log.Debugf("capture ends before sample %s", formatCount(pos))
			return nil
		}

		out := trimSpan(span, pos, pos+length)
		if err := s.writer.WriteSpan(out); err != nil {
			return err
		}
		blocks := int((int64(len(span.Luma)) + bs - 1) / bs)
		s.metrics.RecordSpan(out, blocks)
		s.metrics.UpdateCache(cache.Stats())
		s.metrics.UpdateScheduler(sched.States(), 0)

		if span.Degraded == 0 {
			chroma := span.Chroma
			if int64(len(chroma)) > bs {
				chroma = chroma[int64(len(chroma))-bs:]
			}
			if est, ok := s.track(chroma); ok {
				sched.Broadcast(scheduler.NewParams(est))
			}
		}

		s.mu.Lock()
		s.progress.Blocks += int64(blocks)
		s.progress.Degraded += int64(span.Degraded)
		s.progress.Samples += int64(len(out.Luma))
		s.progress.Dropouts += int64(len(out.Dropouts))
		s.progress.Position = out.StartLoc + int64(len(out.Luma))
		s.mu.Unlock()
		s.emit(false)

		pos += length
	}
	return nil
}

// trimSpan cuts a whole-block span down to [begin, end). Samples before the
// first block's edge cut do not exist and are skipped.
func trimSpan(span *scheduler.Span, begin, end int64) *scheduler.Span {
	lo := begin - span.StartLoc
	if lo < 0 {
		lo = 0
	}
	hi := end - span.StartLoc
	if n := int64(len(span.Luma)); hi > n {
		hi = n
	}
	if hi < lo {
		hi = lo
	}
	out := &scheduler.Span{
		StartLoc: span.StartLoc + lo,
		Luma:     span.Luma[lo:hi],
		LumaAux:  span.LumaAux[lo:hi],
		Chroma:   span.Chroma[lo:hi],
		Envelope: span.Envelope[lo:hi],
		Degraded: span.Degraded,
	}
	for _, d := range span.Dropouts {
		start, stop := int64(d.Start)-lo, int64(d.End)-lo
		if stop <= 0 || start >= hi-lo {
			continue
		}
		out.Dropouts = append(out.Dropouts, envelope.Span{
			Start: int(max(start, 0)),
			End:   int(min(stop, hi-lo)),
		})
	}
	return out
}

// emit sends the current snapshot to every sink, at most every
// progressInterval unless force is set
func (s *DecodeSession) emit(force bool) {
	s.mu.Lock()
	now := time.Now()
	if !force && now.Sub(s.lastEmit) < progressInterval {
		s.mu.Unlock()
		return
	}
	s.lastEmit = now
	if !s.started.IsZero() {
		elapsed := now.Sub(s.started).Seconds()
		s.progress.Elapsed = elapsed
		if elapsed > 0 {
			s.progress.Realtime = float64(s.progress.Samples) / s.dc.Params.SampleRate / elapsed
		}
	}
	s.progress.UpdatedAt = now
	snap := s.progress
	s.mu.Unlock()

	if snap.Total > 0 {
		s.metrics.SetProgress(float64(snap.Position-snap.Start) / float64(snap.Total))
	}
	for _, sink := range s.sinks {
		sink.PublishProgress(snap)
	}
	if s.log.DebugEnabled() || force {
		s.log.Infof("%s blocks, %s samples, %d degraded, %s dropouts, %.2fx realtime",
			formatCount(snap.Blocks), formatCount(snap.Samples), snap.Degraded, formatCount(snap.Dropouts), snap.Realtime)
	}
}
