package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/cwsl/rfdemod/demod/blockdemod"
	"github.com/cwsl/rfdemod/demod/envelope"
	"github.com/cwsl/rfdemod/demod/scheduler"
)

// sampleStream is one float32 little endian output file, optionally zstd
// compressed
type sampleStream struct {
	path string
	file *os.File
	buf  *bufio.Writer
	zenc *zstd.Encoder
	tmp  []byte
}

func createSampleStream(path string, compress bool) (*sampleStream, error) {
	if compress {
		path += ".zst"
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	s := &sampleStream{path: path, file: f, buf: bufio.NewWriterSize(f, 1<<20)}
	if compress {
		zenc, err := zstd.NewWriter(s.buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		s.zenc = zenc
	}
	return s, nil
}

func (s *sampleStream) write(x []float64) error {
	if cap(s.tmp) < 4*len(x) {
		s.tmp = make([]byte, 4*len(x))
	}
	b := s.tmp[:4*len(x)]
	for i, v := range x {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(float32(v)))
	}
	var err error
	if s.zenc != nil {
		_, err = s.zenc.Write(b)
	} else {
		_, err = s.buf.Write(b)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}
	return nil
}

func (s *sampleStream) close() error {
	if s.zenc != nil {
		if err := s.zenc.Close(); err != nil {
			s.file.Close()
			return fmt.Errorf("failed to finish %s: %w", s.path, err)
		}
	}
	if err := s.buf.Flush(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to flush %s: %w", s.path, err)
	}
	return s.file.Close()
}

// OutputWriter writes demodulated records as raw sample streams next to a
// dropout list. Luma is instantaneous frequency in Hz.
type OutputWriter struct {
	streams  map[string]*sampleStream
	order    []string
	dropouts *os.File
	dropBuf  *bufio.Writer

	samples  int64
	spans    int64
	degraded int64
}

// NewOutputWriter creates <base>.luma.f32, <base>.chroma.f32, the optional
// streams cfg asks for and <base>.dropouts.csv
func NewOutputWriter(cfg OutputConfig) (*OutputWriter, error) {
	w := &OutputWriter{streams: make(map[string]*sampleStream)}
	names := []string{"luma", "chroma"}
	if cfg.WriteAux {
		names = append(names, "aux")
	}
	if cfg.WriteEnvelope {
		names = append(names, "env")
	}
	for _, name := range names {
		s, err := createSampleStream(fmt.Sprintf("%s.%s.f32", cfg.Base, name), cfg.Compress)
		if err != nil {
			w.Close()
			return nil, err
		}
		w.streams[name] = s
		w.order = append(w.order, name)
	}

	f, err := os.Create(cfg.Base + ".dropouts.csv")
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to create dropout list: %w", err)
	}
	w.dropouts = f
	w.dropBuf = bufio.NewWriter(f)
	if _, err := w.dropBuf.WriteString("start,end\n"); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// WriteRecord appends one block's samples. Dropout positions are written as
// absolute capture positions.
func (w *OutputWriter) WriteRecord(rec *blockdemod.Record) error {
	if rec.Degraded {
		w.degraded++
	}
	return w.write(rec.Offset, rec.Luma, rec.LumaAux, rec.Chroma, rec.Envelope, rec.Dropouts)
}

// WriteSpan appends the samples of a ranged read
func (w *OutputWriter) WriteSpan(span *scheduler.Span) error {
	w.degraded += int64(span.Degraded)
	return w.write(span.StartLoc, span.Luma, span.LumaAux, span.Chroma, span.Envelope, span.Dropouts)
}

func (w *OutputWriter) write(start int64, luma, aux, chroma, env []float64, dropouts []envelope.Span) error {
	data := map[string][]float64{"luma": luma, "aux": aux, "chroma": chroma, "env": env}
	for _, name := range w.order {
		if err := w.streams[name].write(data[name]); err != nil {
			return err
		}
	}
	for _, d := range dropouts {
		if _, err := fmt.Fprintf(w.dropBuf, "%d,%d\n", start+int64(d.Start), start+int64(d.End)); err != nil {
			return fmt.Errorf("failed to write dropout list: %w", err)
		}
	}
	w.samples += int64(len(luma))
	w.spans += int64(len(dropouts))
	return nil
}

// Samples returns how many samples per stream have been written
func (w *OutputWriter) Samples() int64 {
	return w.samples
}

// Dropouts returns how many dropout spans have been written
func (w *OutputWriter) Dropouts() int64 {
	return w.spans
}

// Degraded returns how many placeholder blocks were written
func (w *OutputWriter) Degraded() int64 {
	return w.degraded
}

// Paths returns the files being written
func (w *OutputWriter) Paths() []string {
	var paths []string
	for _, name := range w.order {
		paths = append(paths, w.streams[name].path)
	}
	if w.dropouts != nil {
		paths = append(paths, w.dropouts.Name())
	}
	return paths
}

// Close flushes and closes every file, returning the first error
func (w *OutputWriter) Close() error {
	var first error
	for _, name := range w.order {
		if err := w.streams[name].close(); err != nil && first == nil {
			first = err
		}
	}
	w.order = nil
	if w.dropouts != nil {
		if err := w.dropBuf.Flush(); err != nil && first == nil {
			first = fmt.Errorf("failed to flush dropout list: %w", err)
		}
		if err := w.dropouts.Close(); err != nil && first == nil {
			first = err
		}
		w.dropouts = nil
	}
	return first
}
