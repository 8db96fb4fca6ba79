package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// SampleFormat is the on-disk encoding of one RF sample
type SampleFormat int

const (
	SampleU8  SampleFormat = iota // unsigned 8 bit, cxadc
	SampleS16                     // signed 16 bit little endian, DdD
	SampleU16                     // unsigned 16 bit little endian
	SampleF32                     // float32 little endian
)

// streamChunk is how many bytes are pulled from a compressed or piped input at once
const streamChunk = 1 << 20

func (f SampleFormat) String() string {
	switch f {
	case SampleU8:
		return "u8"
	case SampleS16:
		return "s16"
	case SampleU16:
		return "u16"
	case SampleF32:
		return "f32"
	}
	return fmt.Sprintf("SampleFormat(%d)", int(f))
}

// Size returns the number of bytes per sample
func (f SampleFormat) Size() int {
	switch f {
	case SampleU8:
		return 1
	case SampleS16, SampleU16:
		return 2
	}
	return 4
}

// ParseSampleFormat accepts the names printed by String
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "u8", "r8":
		return SampleU8, nil
	case "s16", "r16":
		return SampleS16, nil
	case "u16":
		return SampleU16, nil
	case "f32", "float32":
		return SampleF32, nil
	}
	return 0, fmt.Errorf("unknown sample format %q (want u8, s16, u16 or f32)", s)
}

// sampleFormatFromPath guesses the encoding from the file extension, looking
// through a trailing .zst
func sampleFormatFromPath(path string) (SampleFormat, bool, error) {
	name := strings.ToLower(filepath.Base(path))
	compressed := false
	if strings.HasSuffix(name, ".zst") {
		compressed = true
		name = strings.TrimSuffix(name, ".zst")
	}
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	switch ext {
	case "ddd", "raw":
		return SampleS16, compressed, nil
	case "tbc", "lds":
		return 0, compressed, fmt.Errorf("%s files are not RF captures", ext)
	}
	f, err := ParseSampleFormat(ext)
	if err != nil {
		return 0, compressed, fmt.Errorf("cannot tell the sample format of %s, set input.sample_format", path)
	}
	return f, compressed, nil
}

// RFLoader reads RF samples from a capture file as float64 values centered on
// zero. Plain files are read at random offsets; zstd-compressed captures and
// stdin are decoded as a stream, so reads must move forward apart from the
// overlap of the previous read.
type RFLoader struct {
	path   string
	format SampleFormat

	mu   sync.Mutex
	file *os.File
	size int64 // samples, -1 for streams

	// stream state
	stream   *bufio.Reader
	zdec     *zstd.Decoder
	base     int64 // capture position of window[0]
	window   []float64
	raw      []byte
	pending  []byte // bytes of a sample split across chunks
	streamed bool
	eof      bool
}

// OpenRFLoader opens path. format overrides the extension guess when set.
func OpenRFLoader(path, format string) (*RFLoader, error) {
	var (
		sf         SampleFormat
		compressed bool
		err        error
	)
	if path != "-" {
		sf, compressed, err = sampleFormatFromPath(path)
	}
	if format != "" {
		sf, err = ParseSampleFormat(format)
		compressed = strings.HasSuffix(strings.ToLower(path), ".zst")
	}
	if err != nil {
		return nil, err
	}
	if path == "-" && format == "" {
		return nil, errors.New("reading from stdin needs input.sample_format")
	}

	l := &RFLoader{path: path, format: sf, size: -1}
	if path == "-" {
		l.streamed = true
		l.stream = bufio.NewReaderSize(os.Stdin, streamChunk)
		return l, nil
	}
	if err := l.open(compressed); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *RFLoader) open(compressed bool) error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("failed to open RF capture: %w", err)
	}
	adviseSequential(f)
	l.file = f

	if !compressed {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to stat RF capture: %w", err)
		}
		l.size = st.Size() / int64(l.format.Size())
		return nil
	}

	zdec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	l.zdec = zdec
	l.streamed = true
	l.stream = bufio.NewReaderSize(zdec, streamChunk)
	l.base = 0
	l.window = l.window[:0]
	l.pending = l.pending[:0]
	l.eof = false
	return nil
}

// Format returns the sample encoding
func (l *RFLoader) Format() SampleFormat {
	return l.format
}

// Len returns the capture length in samples, or -1 when it is not known
// before the end is reached
func (l *RFLoader) Len() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// ReadSamples fills dst from capture position offset. It returns io.EOF with
// a short count when the capture ends inside dst.
func (l *RFLoader) ReadSamples(dst []float64, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("negative sample offset %d", offset)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streamed {
		return l.readStream(dst, offset)
	}
	return l.readAt(dst, offset)
}

func (l *RFLoader) readAt(dst []float64, offset int64) (int, error) {
	if offset >= l.size {
		return 0, io.EOF
	}
	sz := l.format.Size()
	need := len(dst) * sz
	if cap(l.raw) < need {
		l.raw = make([]byte, need)
	}
	raw := l.raw[:need]
	n, err := l.file.ReadAt(raw, offset*int64(sz))
	got := n / sz
	decodeSamples(dst[:got], raw[:got*sz], l.format)
	if err != nil && !errors.Is(err, io.EOF) {
		return got, fmt.Errorf("failed to read RF capture at sample %d: %w", offset, err)
	}
	if got < len(dst) {
		return got, io.EOF
	}
	return got, nil
}

func (l *RFLoader) readStream(dst []float64, offset int64) (int, error) {
	if offset < l.base {
		if l.zdec == nil {
			return 0, fmt.Errorf("cannot seek back to sample %d on a piped input (stream is at %d)", offset, l.base)
		}
		// compressed files restart from the beginning
		l.closeStream()
		if err := l.open(true); err != nil {
			return 0, err
		}
	}

	// discard what lies before offset
	for l.base < offset {
		if len(l.window) == 0 {
			if l.eof {
				return 0, io.EOF
			}
			if err := l.fill(); err != nil {
				return 0, err
			}
			continue
		}
		drop := min(offset-l.base, int64(len(l.window)))
		l.window = append(l.window[:0], l.window[drop:]...)
		l.base += drop
	}

	for len(l.window) < len(dst) && !l.eof {
		if err := l.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(dst, l.window)
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// fill decodes one chunk of the stream onto the end of the window
func (l *RFLoader) fill() error {
	if cap(l.raw) < streamChunk {
		l.raw = make([]byte, streamChunk)
	}
	raw := l.raw[:streamChunk]
	k := copy(raw, l.pending)
	n, err := io.ReadFull(l.stream, raw[k:])
	n += k
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		l.eof = true
		l.size = l.base + int64(len(l.window)) + int64(n/l.format.Size())
	default:
		return fmt.Errorf("failed to read RF stream: %w", err)
	}

	sz := l.format.Size()
	whole := n / sz * sz
	l.pending = append(l.pending[:0], raw[whole:n]...)
	start := len(l.window)
	l.window = append(l.window, make([]float64, whole/sz)...)
	decodeSamples(l.window[start:], raw[:whole], l.format)
	return nil
}

func (l *RFLoader) closeStream() {
	if l.zdec != nil {
		l.zdec.Close()
		l.zdec = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// Close releases the capture file
func (l *RFLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.zdec != nil {
		l.zdec.Close()
		l.zdec = nil
	}
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// decodeSamples converts len(dst) samples of raw into dst, centering
// unsigned formats on zero
func decodeSamples(dst []float64, raw []byte, f SampleFormat) {
	switch f {
	case SampleU8:
		for i := range dst {
			dst[i] = float64(raw[i]) - 128
		}
	case SampleS16:
		for i := range dst {
			dst[i] = float64(int16(binary.LittleEndian.Uint16(raw[2*i:])))
		}
	case SampleU16:
		for i := range dst {
			dst[i] = float64(binary.LittleEndian.Uint16(raw[2*i:])) - 32768
		}
	case SampleF32:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
		}
	}
}
