package main

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

// encodeSamples writes x in format f; values must be representable
func encodeSamples(x []float64, f SampleFormat) []byte {
	b := make([]byte, len(x)*f.Size())
	for i, v := range x {
		switch f {
		case SampleU8:
			b[i] = byte(int(v) + 128)
		case SampleS16:
			binary.LittleEndian.PutUint16(b[2*i:], uint16(int16(v)))
		case SampleU16:
			binary.LittleEndian.PutUint16(b[2*i:], uint16(int(v)+32768))
		case SampleF32:
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(float32(v)))
		}
	}
	return b
}

// ramp returns n values cycling through -100..99
func ramp(n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i%200 - 100)
	}
	return x
}

func writeCapture(t *testing.T, name string, data []byte, compress bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatalf("zstd.NewWriter() error = %v", err)
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestParseSampleFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    SampleFormat
		wantErr bool
	}{
		{"u8", SampleU8, false},
		{"R8", SampleU8, false},
		{"s16", SampleS16, false},
		{"r16", SampleS16, false},
		{"u16", SampleU16, false},
		{"f32", SampleF32, false},
		{"float32", SampleF32, false},
		{"s24", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSampleFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSampleFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseSampleFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSampleFormatFromPath(t *testing.T) {
	tests := []struct {
		path           string
		want           SampleFormat
		wantCompressed bool
		wantErr        bool
	}{
		{"tape.u8", SampleU8, false, false},
		{"tape.r8", SampleU8, false, false},
		{"/caps/tape.ddd", SampleS16, false, false},
		{"tape.RAW", SampleS16, false, false},
		{"tape.s16.zst", SampleS16, true, false},
		{"tape.u16", SampleU16, false, false},
		{"tape.f32.zst", SampleF32, true, false},
		{"tape.tbc", 0, false, true},
		{"tape.bin", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, compressed, err := sampleFormatFromPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want || compressed != tt.wantCompressed {
				t.Errorf("got (%v, %v), want (%v, %v)", got, compressed, tt.want, tt.wantCompressed)
			}
		})
	}
}

func TestRFLoaderFormats(t *testing.T) {
	want := ramp(1000)
	for _, f := range []SampleFormat{SampleU8, SampleS16, SampleU16, SampleF32} {
		t.Run(f.String(), func(t *testing.T) {
			path := writeCapture(t, "capture."+f.String(), encodeSamples(want, f), false)
			l, err := OpenRFLoader(path, "")
			if err != nil {
				t.Fatalf("OpenRFLoader() error = %v", err)
			}
			defer l.Close()

			if l.Len() != int64(len(want)) {
				t.Fatalf("Len() = %d, want %d", l.Len(), len(want))
			}
			dst := make([]float64, 100)
			n, err := l.ReadSamples(dst, 250)
			if err != nil || n != len(dst) {
				t.Fatalf("ReadSamples() = %d, %v", n, err)
			}
			for i, v := range dst {
				if v != want[250+i] {
					t.Fatalf("sample %d = %g, want %g", 250+i, v, want[250+i])
				}
			}
		})
	}
}

func TestRFLoaderShortRead(t *testing.T) {
	want := ramp(300)
	path := writeCapture(t, "capture.s16", encodeSamples(want, SampleS16), false)
	l, err := OpenRFLoader(path, "")
	if err != nil {
		t.Fatalf("OpenRFLoader() error = %v", err)
	}
	defer l.Close()

	dst := make([]float64, 100)
	n, err := l.ReadSamples(dst, 250)
	if !errors.Is(err, io.EOF) || n != 50 {
		t.Fatalf("ReadSamples() at the tail = %d, %v; want 50, EOF", n, err)
	}
	if dst[49] != want[299] {
		t.Errorf("last sample = %g, want %g", dst[49], want[299])
	}
	if n, err := l.ReadSamples(dst, 400); n != 0 || !errors.Is(err, io.EOF) {
		t.Errorf("ReadSamples() past the end = %d, %v", n, err)
	}
	if _, err := l.ReadSamples(dst, -1); err == nil {
		t.Error("negative offset: expected an error")
	}
}

func TestRFLoaderOverride(t *testing.T) {
	want := ramp(64)
	// extension says s16, the data is f32
	path := writeCapture(t, "capture.raw", encodeSamples(want, SampleF32), false)
	l, err := OpenRFLoader(path, "f32")
	if err != nil {
		t.Fatalf("OpenRFLoader() error = %v", err)
	}
	defer l.Close()
	if l.Format() != SampleF32 || l.Len() != 64 {
		t.Fatalf("format %v, len %d", l.Format(), l.Len())
	}
}

func TestRFLoaderCompressed(t *testing.T) {
	// several stream chunks so reads cross chunk boundaries
	want := ramp(3*streamChunk/2 + 77)
	path := writeCapture(t, "capture.s16.zst", encodeSamples(want, SampleS16), true)
	l, err := OpenRFLoader(path, "")
	if err != nil {
		t.Fatalf("OpenRFLoader() error = %v", err)
	}
	defer l.Close()

	if l.Len() != -1 {
		t.Errorf("Len() before the end = %d, want -1", l.Len())
	}

	check := func(offset int64, n int) {
		t.Helper()
		dst := make([]float64, n)
		got, err := l.ReadSamples(dst, offset)
		if err != nil || got != n {
			t.Fatalf("ReadSamples(%d) = %d, %v", offset, got, err)
		}
		for i, v := range dst {
			if v != want[offset+int64(i)] {
				t.Fatalf("sample %d = %g, want %g", offset+int64(i), v, want[offset+int64(i)])
			}
		}
	}

	check(0, 4096)
	// overlapping read, like consecutive blocks
	check(3000, 4096)
	check(int64(streamChunk)-10, 4096)
	// seeking back reopens the stream
	check(100, 1000)

	dst := make([]float64, 1000)
	tail := int64(len(want)) - 500
	n, err := l.ReadSamples(dst, tail)
	if n != 500 || !errors.Is(err, io.EOF) {
		t.Fatalf("tail read = %d, %v; want 500, EOF", n, err)
	}
	if l.Len() != int64(len(want)) {
		t.Errorf("Len() after the end = %d, want %d", l.Len(), len(want))
	}
}

func TestOpenRFLoaderErrors(t *testing.T) {
	if _, err := OpenRFLoader(filepath.Join(t.TempDir(), "missing.u8"), ""); err == nil {
		t.Error("missing file: expected an error")
	}
	if _, err := OpenRFLoader("-", ""); err == nil {
		t.Error("stdin without a sample format: expected an error")
	}
	if _, err := OpenRFLoader("capture.tbc", ""); err == nil {
		t.Error("tbc input: expected an error")
	}
}
