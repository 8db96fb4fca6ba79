package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/cwsl/rfdemod/demod/blockdemod"
	"github.com/cwsl/rfdemod/demod/chromaafc"
	"github.com/cwsl/rfdemod/demod/diag"
)

// ErrClosed is returned by Submit after Close or Stop
var ErrClosed = errors.New("scheduler closed")

// BlockProcessor demodulates one block. Each worker owns one.
type BlockProcessor interface {
	Demodulate(block blockdemod.RFBlock, est chromaafc.CarrierEstimate) (*blockdemod.Record, error)
}

// Job is one block to demodulate. A valid Carrier overrides the worker's
// current estimate for this block only.
type Job struct {
	Index   int64
	Block   blockdemod.RFBlock
	Carrier chromaafc.CarrierEstimate
}

// Result is the outcome of one job. Record is never nil; when the block
// failed it is a degraded placeholder and Err says why.
type Result struct {
	Index  int64
	Record *blockdemod.Record
	Err    error
}

type controlKind int

const (
	ctlNewParams controlKind = iota
	ctlEnd
)

// Control is a message to every worker
type Control struct {
	kind    controlKind
	Carrier chromaafc.CarrierEstimate
}

// NewParams replaces the carrier estimate workers use for later blocks
func NewParams(est chromaafc.CarrierEstimate) Control {
	return Control{kind: ctlNewParams, Carrier: est}
}

// End makes a worker exit once it is idle
var End = Control{kind: ctlEnd}

// State is what a worker is doing
type State int32

const (
	Idle State = iota
	Demodulating
	Exited
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Demodulating:
		return "demodulating"
	case Exited:
		return "exited"
	}
	return "unknown"
}

// Config sizes the pool. EdgeCut, BlockSize and BlockLen shape degraded
// records; a block shorter than BlockLen is a final block whose record runs
// to its last sample.
type Config struct {
	Workers    int
	QueueDepth int
	EdgeCut    int
	BlockSize  int
	BlockLen   int
	Carrier    chromaafc.CarrierEstimate
}

// degradedSize is the length of the placeholder record for block
func (c Config) degradedSize(block blockdemod.RFBlock) int {
	if n := len(block.Samples); c.BlockLen > 0 && n < c.BlockLen {
		return max(n-c.EdgeCut, 0)
	}
	return c.BlockSize
}

// Scheduler fans blocks out to a fixed pool of workers. Results arrive in
// completion order; use a ReorderBuffer to restore block order.
type Scheduler struct {
	cfg     Config
	factory func() (BlockProcessor, error)
	log     *diag.Logger

	jobs     chan Job
	results  chan Result
	controls []chan Control
	states   []atomic.Int32

	mu       sync.Mutex
	running  bool
	closed   bool
	wg       sync.WaitGroup
	stopOnce sync.Once

	processed atomic.Int64
	degraded  atomic.Int64
}

// New creates a scheduler; workers start with Start
func New(cfg Config, factory func() (BlockProcessor, error), log *diag.Logger) (*Scheduler, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("invalid worker count %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 2 * cfg.Workers
	}
	if factory == nil {
		return nil, errors.New("no block processor factory")
	}
	s := &Scheduler{
		cfg:      cfg,
		factory:  factory,
		log:      log.With("Scheduler"),
		jobs:     make(chan Job, cfg.QueueDepth),
		results:  make(chan Result, cfg.QueueDepth),
		controls: make([]chan Control, cfg.Workers),
		states:   make([]atomic.Int32, cfg.Workers),
	}
	for i := range s.controls {
		// one slot: a newer NewParams replaces an unread one
		s.controls[i] = make(chan Control, 1)
	}
	return s, nil
}

// Start creates one processor per worker and launches the pool. Workers exit
// when ctx is cancelled, on End, or once Close has drained the queue.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already started")
	}
	if s.closed {
		return ErrClosed
	}

	procs := make([]BlockProcessor, s.cfg.Workers)
	for i := range procs {
		p, err := s.factory()
		if err != nil {
			return fmt.Errorf("failed to create block processor %d: %w", i, err)
		}
		procs[i] = p
	}

	s.running = true
	for i, p := range procs {
		s.wg.Add(1)
		go s.worker(ctx, i, p)
	}
	go func() {
		s.wg.Wait()
		close(s.results)
	}()
	s.log.Debugf("started %d workers, queue depth %d", s.cfg.Workers, s.cfg.QueueDepth)
	return nil
}

// Submit queues a job, blocking while the queue is full
func (s *Scheduler) Submit(ctx context.Context, job Job) (err error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() {
		// Close raced with us and closed the queue
		if recover() != nil {
			err = ErrClosed
		}
	}()
	select {
	case s.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast delivers a control message to every worker. Workers apply it
// before their next job; blocks already being demodulated are not touched.
func (s *Scheduler) Broadcast(c Control) {
	for _, ch := range s.controls {
		for {
			select {
			case ch <- c:
			default:
				// replace the unread message
				select {
				case old := <-ch:
					if old.kind == ctlEnd {
						c = End
					}
				default:
				}
				continue
			}
			break
		}
	}
}

// Results returns the channel results are delivered on. It is closed once
// every worker has exited.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// Close stops accepting jobs. Workers finish everything already queued and
// exit; Results is closed after the last one.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.jobs)
}

// Stop sends End to every worker and waits for them. Queued jobs are dropped.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.Close()
		s.Broadcast(End)
	})
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		s.wg.Wait()
	}
}

// Processed returns how many blocks have completed, degraded ones included
func (s *Scheduler) Processed() int64 {
	return s.processed.Load()
}

// Degraded returns how many blocks produced a placeholder record
func (s *Scheduler) Degraded() int64 {
	return s.degraded.Load()
}

// States returns a snapshot of every worker's state
func (s *Scheduler) States() []State {
	out := make([]State, len(s.states))
	for i := range s.states {
		out[i] = State(s.states[i].Load())
	}
	return out
}

func (s *Scheduler) worker(ctx context.Context, id int, proc BlockProcessor) {
	defer s.wg.Done()
	defer s.states[id].Store(int32(Exited))

	ctl := s.controls[id]
	est := s.cfg.Carrier

	for {
		if s.applyControls(ctl, &est) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case c := <-ctl:
			if c.kind == ctlEnd {
				return
			}
			est = c.Carrier
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			// the job is not in flight yet, so later parameters still apply
			end := s.applyControls(ctl, &est)
			s.states[id].Store(int32(Demodulating))
			res := s.run(id, proc, job, est)
			s.states[id].Store(int32(Idle))
			select {
			case s.results <- res:
			case <-ctx.Done():
				return
			}
			if end {
				return
			}
		}
	}
}

// applyControls drains pending control messages into est and reports
// whether End was among them
func (s *Scheduler) applyControls(ctl chan Control, est *chromaafc.CarrierEstimate) bool {
	for {
		select {
		case c := <-ctl:
			if c.kind == ctlEnd {
				return true
			}
			*est = c.Carrier
		default:
			return false
		}
	}
}

// run demodulates one job, turning errors and panics into degraded records
func (s *Scheduler) run(id int, proc BlockProcessor, job Job, est chromaafc.CarrierEstimate) (res Result) {
	if job.Carrier.Valid() {
		est = job.Carrier
	}
	res.Index = job.Index
	defer func() {
		s.processed.Add(1)
		if r := recover(); r != nil {
			s.log.Errorf("worker %d: block %d panicked: %v\n%s", id, job.Index, r, debug.Stack())
			res.Err = fmt.Errorf("block %d panicked: %v", job.Index, r)
		}
		if res.Record == nil {
			s.degraded.Add(1)
			res.Record = blockdemod.DegradedRecord(job.Block, s.cfg.EdgeCut, s.cfg.degradedSize(job.Block))
			res.Record.Index = job.Index
			res.Record.Carrier = est
		}
	}()

	rec, err := proc.Demodulate(job.Block, est)
	if err != nil {
		s.log.Errorf("worker %d: %v", id, err)
		res.Err = err
		return res
	}
	rec.Index = job.Index
	res.Record = rec
	return res
}
