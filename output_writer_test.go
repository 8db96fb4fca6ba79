package main

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/cwsl/rfdemod/demod/blockdemod"
	"github.com/cwsl/rfdemod/demod/envelope"
	"github.com/cwsl/rfdemod/demod/scheduler"
)

func testRecord(index, offset int64, n int, base float64) *blockdemod.Record {
	x := make([]float64, n)
	for i := range x {
		x[i] = base + float64(i)
	}
	return &blockdemod.Record{
		Index:    index,
		Offset:   offset,
		Luma:     x,
		LumaAux:  x,
		Chroma:   x,
		Envelope: x,
	}
}

func readFloat32s(t *testing.T, path string) []float32 {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			t.Fatalf("zstd.NewReader() error = %v", err)
		}
		defer dec.Close()
		if data, err = dec.DecodeAll(data, nil); err != nil {
			t.Fatalf("DecodeAll() error = %v", err)
		}
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out
}

func TestOutputWriter(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			base := filepath.Join(t.TempDir(), "tape")
			w, err := NewOutputWriter(OutputConfig{Base: base, WriteEnvelope: true, Compress: compress})
			if err != nil {
				t.Fatalf("NewOutputWriter() error = %v", err)
			}

			rec := testRecord(0, 1024, 100, 0)
			rec.Dropouts = []envelope.Span{{Start: 10, End: 20}}
			if err := w.WriteRecord(rec); err != nil {
				t.Fatalf("WriteRecord() error = %v", err)
			}
			degraded := testRecord(1, 1124, 100, 1000)
			degraded.Degraded = true
			if err := w.WriteRecord(degraded); err != nil {
				t.Fatalf("WriteRecord() error = %v", err)
			}

			if w.Samples() != 200 || w.Dropouts() != 1 || w.Degraded() != 1 {
				t.Errorf("counts = %d samples, %d dropouts, %d degraded", w.Samples(), w.Dropouts(), w.Degraded())
			}
			paths := w.Paths()
			// luma, chroma, env and the dropout list; no aux
			if len(paths) != 4 {
				t.Fatalf("Paths() = %v", paths)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			luma := readFloat32s(t, paths[0])
			if len(luma) != 200 {
				t.Fatalf("luma has %d samples, want 200", len(luma))
			}
			if luma[5] != 5 || luma[150] != 1050 {
				t.Errorf("luma[5] = %g, luma[150] = %g", luma[5], luma[150])
			}
			if !strings.Contains(paths[2], ".env.f32") {
				t.Errorf("third stream = %s, want the envelope", paths[2])
			}

			csv, err := os.ReadFile(base + ".dropouts.csv")
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if got, want := string(csv), "start,end\n1034,1044\n"; got != want {
				t.Errorf("dropout list = %q, want %q", got, want)
			}
		})
	}
}

func TestOutputWriterSpan(t *testing.T) {
	base := filepath.Join(t.TempDir(), "range")
	w, err := NewOutputWriter(OutputConfig{Base: base, WriteAux: true})
	if err != nil {
		t.Fatalf("NewOutputWriter() error = %v", err)
	}
	x := []float64{1, 2, 3, 4}
	span := &scheduler.Span{
		StartLoc: 5000,
		Luma:     x,
		LumaAux:  x,
		Chroma:   x,
		Envelope: x,
		Dropouts: []envelope.Span{{Start: 1, End: 3}},
		Degraded: 2,
	}
	if err := w.WriteSpan(span); err != nil {
		t.Fatalf("WriteSpan() error = %v", err)
	}
	if w.Degraded() != 2 {
		t.Errorf("Degraded() = %d, want 2", w.Degraded())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if aux := readFloat32s(t, base+".aux.f32"); len(aux) != 4 {
		t.Errorf("aux has %d samples, want 4", len(aux))
	}
	if _, err := os.Stat(base + ".env.f32"); !os.IsNotExist(err) {
		t.Errorf("envelope stream written without write_envelope: %v", err)
	}
	csv, err := os.ReadFile(base + ".dropouts.csv")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got, want := string(csv), "start,end\n5001,5003\n"; got != want {
		t.Errorf("dropout list = %q, want %q", got, want)
	}
}

func TestNewOutputWriterBadPath(t *testing.T) {
	base := filepath.Join(t.TempDir(), "missing", "dir", "tape")
	if _, err := NewOutputWriter(OutputConfig{Base: base}); err == nil {
		t.Error("expected an error for a missing directory")
	}
}
