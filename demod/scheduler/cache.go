package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cwsl/rfdemod/demod/blockdemod"
	"github.com/cwsl/rfdemod/demod/diag"
	"github.com/cwsl/rfdemod/demod/envelope"
)

const (
	DefaultCacheCapacity = 256
	DefaultPrefetch      = 32
)

// Source supplies raw RF samples. ReadSamples fills dst from capture position
// offset and returns how many samples it read, with io.EOF once offset is at
// or past the end of the capture.
type Source interface {
	ReadSamples(dst []float64, offset int64) (int, error)
}

// CacheConfig describes the block layout and cache sizes
type CacheConfig struct {
	BlockLen   int
	EdgeCut    int
	EdgeCutEnd int
	Capacity   int
	Prefetch   int
}

// BlockSize is the number of samples each block contributes after cropping
func (c CacheConfig) BlockSize() int {
	return c.BlockLen - c.EdgeCut - c.EdgeCutEnd
}

// Span is a run of demodulated samples covering whole blocks. StartLoc is
// the capture position of the first sample. The final block of a capture may
// be shorter or longer than BlockSize.
type Span struct {
	StartLoc int64
	Luma     []float64
	LumaAux  []float64
	Chroma   []float64
	Envelope []float64
	Dropouts []envelope.Span
	Degraded int
}

// BlockCache serves demodulated samples for arbitrary capture ranges. Block b
// is demodulated from the raw window starting at b x BlockSize, so cropped
// records butt together. Records are kept in an LRU and blocks after the
// requested range are demodulated ahead of time. The window that runs off the
// end of the capture is demodulated as a shorter final block reaching the
// last sample.
// Not safe for concurrent use. The cache is the only reader of the
// scheduler's results.
type BlockCache struct {
	cfg   CacheConfig
	src   Source
	sched *Scheduler
	log   *diag.Logger

	lru      *list.List
	entries  map[int64]*list.Element
	inflight map[int64]bool
	// maxInflight keeps submissions below what the pool can hold unread
	maxInflight int
	// endBlock is the first block past the capture, -1 until known
	endBlock int64
	// tailBlock is the final, shorter block, -1 when there is none or it is not known yet
	tailBlock int64
	// end is the capture position after the last demodulated sample, -1 until known
	end int64

	hits   int64
	misses int64
}

// NewBlockCache serves blocks of src through a started scheduler
func NewBlockCache(cfg CacheConfig, src Source, sched *Scheduler, log *diag.Logger) (*BlockCache, error) {
	if cfg.BlockSize() <= 0 {
		return nil, fmt.Errorf("invalid block layout: %d samples less %d+%d edge cut", cfg.BlockLen, cfg.EdgeCut, cfg.EdgeCutEnd)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCacheCapacity
	}
	if cfg.Prefetch < 0 {
		cfg.Prefetch = 0
	}
	return &BlockCache{
		cfg:         cfg,
		src:         src,
		sched:       sched,
		log:         log.With("BlockCache"),
		lru:         list.New(),
		entries:     make(map[int64]*list.Element),
		inflight:    make(map[int64]bool),
		maxInflight: sched.cfg.QueueDepth,
		endBlock:    -1,
		tailBlock:   -1,
		end:         -1,
	}, nil
}

// Read returns the blocks covering [begin, begin+length) of the capture.
// It returns io.EOF when part of the range lies past the end of the capture;
// End then reports where the capture ends.
func (c *BlockCache) Read(ctx context.Context, begin, length int64) (*Span, error) {
	if length <= 0 {
		return nil, fmt.Errorf("invalid read length %d", length)
	}
	first := c.blockAt(begin)
	last := c.blockAt(begin + length - 1)
	if last < first {
		last = first
	}

	got := make(map[int64]*blockdemod.Record, last-first+1)
	for b := first; b <= last; b++ {
		if rec, ok := c.get(b); ok {
			got[b] = rec
			c.hits++
		} else if c.inflight[b] {
			// prefetched, still being demodulated
			c.hits++
		} else {
			c.misses++
		}
	}

	for b := first; b <= last+int64(c.cfg.Prefetch); b++ {
		if c.endBlock >= 0 && b >= c.endBlock {
			break
		}
		if _, ok := c.entries[b]; ok || c.inflight[b] {
			continue
		}
		if err := c.request(ctx, b, got, first, last); err != nil {
			return nil, err
		}
	}
	if (c.endBlock >= 0 && last >= c.endBlock) || (c.end >= 0 && begin+length > c.end) {
		return nil, io.EOF
	}

	for b := first; b <= last; b++ {
		for got[b] == nil {
			if rec, ok := c.get(b); ok {
				got[b] = rec
				break
			}
			if !c.inflight[b] {
				return nil, fmt.Errorf("block %d was evicted before it could be read", b)
			}
			if err := c.collect(ctx, got, first, last); err != nil {
				return nil, err
			}
		}
	}
	return c.coalesce(first, last, got), nil
}

// Stats returns cache hits and misses since creation
func (c *BlockCache) Stats() (hits, misses int64) {
	return c.hits, c.misses
}

// End returns the capture position after the last sample Read can return,
// or -1 while the end of the capture has not been reached
func (c *BlockCache) End() int64 {
	return c.end
}

// Flush drops every cached record so later reads demodulate again, for
// example with the carrier estimate after a resync
func (c *BlockCache) Flush() {
	c.lru.Init()
	c.entries = make(map[int64]*list.Element)
}

func (c *BlockCache) blockAt(pos int64) int64 {
	rel := pos - int64(c.cfg.EdgeCut)
	if rel < 0 {
		return 0
	}
	b := rel / int64(c.cfg.BlockSize())
	// the final block can run past BlockSize
	if c.tailBlock >= 0 && b > c.tailBlock && pos < c.end {
		return c.tailBlock
	}
	return b
}

// request reads the raw window of block b and submits it
func (c *BlockCache) request(ctx context.Context, b int64, got map[int64]*blockdemod.Record, first, last int64) error {
	for len(c.inflight) >= c.maxInflight {
		if err := c.collect(ctx, got, first, last); err != nil {
			return err
		}
	}

	offset := b * int64(c.cfg.BlockSize())
	samples := make([]float64, c.cfg.BlockLen)
	n, err := c.src.ReadSamples(samples, offset)
	if n < c.cfg.BlockLen {
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read block %d at %d: %w", b, offset, err)
		}
		c.endBlock = b
		c.end = offset + int64(n)
		if n <= c.cfg.EdgeCut {
			// the previous block already reached the last sample; a first
			// block this short leaves nothing after its edge cut
			if b == 0 {
				c.end = 0
			}
			c.log.Debugf("capture ends in block %d", b)
			return nil
		}
		c.endBlock = b + 1
		c.tailBlock = b
		c.log.Debugf("capture ends in block %d after %d samples", b, c.end)
		samples = samples[:n]
	}

	job := Job{Index: b, Block: blockdemod.RFBlock{Index: b, Offset: offset, Samples: samples}}
	if err := c.sched.Submit(ctx, job); err != nil {
		return fmt.Errorf("failed to submit block %d: %w", b, err)
	}
	c.inflight[b] = true
	return nil
}

// collect waits for one result and caches it
func (c *BlockCache) collect(ctx context.Context, got map[int64]*blockdemod.Record, first, last int64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res, ok := <-c.sched.Results():
		if !ok {
			return ErrClosed
		}
		delete(c.inflight, res.Index)
		if res.Err != nil {
			c.log.Warnf("block %d degraded: %v", res.Index, res.Err)
		}
		c.put(res.Index, res.Record)
		if res.Index >= first && res.Index <= last {
			got[res.Index] = res.Record
		}
		return nil
	}
}

type entry struct {
	index  int64
	record *blockdemod.Record
}

func (c *BlockCache) get(b int64) (*blockdemod.Record, bool) {
	el, ok := c.entries[b]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*entry).record, true
}

func (c *BlockCache) put(b int64, rec *blockdemod.Record) {
	if el, ok := c.entries[b]; ok {
		el.Value.(*entry).record = rec
		c.lru.MoveToFront(el)
		return
	}
	c.entries[b] = c.lru.PushFront(&entry{index: b, record: rec})
	for c.lru.Len() > c.cfg.Capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).index)
	}
}

func (c *BlockCache) coalesce(first, last int64, got map[int64]*blockdemod.Record) *Span {
	bs := c.cfg.BlockSize()
	total := int(last-first+1) * bs
	span := &Span{
		StartLoc: first*int64(bs) + int64(c.cfg.EdgeCut),
		Luma:     make([]float64, 0, total),
		LumaAux:  make([]float64, 0, total),
		Chroma:   make([]float64, 0, total),
		Envelope: make([]float64, 0, total),
	}
	for b := first; b <= last; b++ {
		rec := got[b]
		base := len(span.Luma)
		span.Luma = append(span.Luma, rec.Luma...)
		span.LumaAux = append(span.LumaAux, rec.LumaAux...)
		span.Chroma = append(span.Chroma, rec.Chroma...)
		span.Envelope = append(span.Envelope, rec.Envelope...)
		for _, d := range rec.Dropouts {
			span.Dropouts = append(span.Dropouts, envelope.Span{Start: d.Start + base, End: d.End + base})
		}
		if rec.Degraded {
			span.Degraded++
		}
	}
	return span
}
