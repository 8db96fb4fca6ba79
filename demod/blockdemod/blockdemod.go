package blockdemod

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/cwsl/rfdemod/demod/chromaafc"
	"github.com/cwsl/rfdemod/demod/diag"
	"github.com/cwsl/rfdemod/demod/dsp"
	"github.com/cwsl/rfdemod/demod/envelope"
	"github.com/cwsl/rfdemod/demod/filterbank"
	"github.com/cwsl/rfdemod/demod/fmdemod"
	"github.com/cwsl/rfdemod/demod/formats"
	"github.com/cwsl/rfdemod/demod/nonlinear"
)

// RFBlock is one window of raw RF samples. Offset is the position of
// Samples[0] in the capture. Immutable once handed to a worker.
type RFBlock struct {
	Index   int64
	Offset  int64
	Samples []float64
}

// Record is the demodulated, edge-cropped output of one block. Luma and
// LumaAux are in Hz of instantaneous frequency; Chroma is the recovered
// color signal at capture rate. All slices share one length.
type Record struct {
	Index  int64
	Offset int64 // capture position of Luma[0]

	Luma     []float64
	LumaAux  []float64 // luma low-passed at 0.5 MHz
	Chroma   []float64
	Envelope []float64

	// Dropouts are spans of Envelope below the dropout threshold, in
	// record sample positions
	Dropouts []envelope.Span

	Carrier  chromaafc.CarrierEstimate
	Repaired int
	// Degraded marks a placeholder for a block that failed to demodulate
	Degraded bool
}

// Len returns the number of samples in the record
func (r *Record) Len() int {
	return len(r.Luma)
}

// DegradedRecord is the placeholder emitted for a failed block: every signal
// is zero for size samples
func DegradedRecord(block RFBlock, edgeCut, size int) *Record {
	return &Record{
		Index:    block.Index,
		Offset:   block.Offset + int64(edgeCut),
		Luma:     make([]float64, size),
		LumaAux:  make([]float64, size),
		Chroma:   make([]float64, size),
		Envelope: make([]float64, size),
		Degraded: true,
	}
}

// Demodulator runs the whole per-block pipeline. One per worker; the filter
// bank is shared, FFT plans and scratch are not.
type Demodulator struct {
	p    formats.DeviceParams
	bank *filterbank.Bank
	log  *diag.Logger
	root *diag.Logger

	// tail demodulates the last, shorter window of a capture
	tail *Demodulator

	fft      *dsp.FFT
	detector *envelope.Detector
	fm       *fmdemod.Demodulator

	chromaDelay int
	boost       float64
	deviation   float64
}

// New creates a block demodulator for p using a bank built for p.BlockLen
func New(p formats.DeviceParams, bank *filterbank.Bank, log *diag.Logger) (*Demodulator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if bank == nil || bank.BlockLen != p.BlockLen || bank.SampleRate != p.SampleRate {
		return nil, &formats.ConfigurationError{Field: "filter bank", Value: p.BlockLen, Reason: "bank was built for a different block length or sample rate"}
	}
	d := &Demodulator{
		p:         p,
		bank:      bank,
		log:       log.With("BlockDemod"),
		root:      log,
		fft:       dsp.NewFFT(p.BlockLen),
		detector:  envelope.New(envelope.ConfigFrom(p), bank, log),
		fm:        fmdemod.New(fmdemod.ConfigFrom(p), log),
		boost:     p.BoostMultiplier(),
		deviation: p.Sys.Deviation(),
	}
	if tp := p.Params.Tape; tp != nil {
		d.chromaDelay = int(math.Round(tp.ChromaDelay * p.SampleRate))
	}
	return d, nil
}

// Demodulate turns one RF block into a record. est is the chroma carrier to
// band-pass around; an invalid estimate selects the nominal carrier.
// A block shorter than BlockLen is the end of the capture: it is demodulated
// with a filter bank built for its own length and its record runs to the last
// sample, with no tail edge cut.
func (d *Demodulator) Demodulate(block RFBlock, est chromaafc.CarrierEstimate) (*Record, error) {
	n := len(block.Samples)
	if n == d.p.BlockLen {
		return d.demodulate(block, est)
	}
	if n > d.p.BlockLen || n <= d.p.EdgeCut {
		return nil, fmt.Errorf("failed to demodulate block %d: got %d samples, want %d (or a final block longer than the %d sample edge cut)",
			block.Index, n, d.p.BlockLen, d.p.EdgeCut)
	}
	tail, err := d.tailDemodulator(n)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare final block %d of %d samples: %w", block.Index, n, err)
	}
	return tail.demodulate(block, est)
}

// tailDemodulator returns a demodulator for a final window of n samples,
// rounded up to the even length the Hilbert mask needs
func (d *Demodulator) tailDemodulator(n int) (*Demodulator, error) {
	length := n + n%2
	if d.tail != nil && d.tail.p.BlockLen == length {
		return d.tail, nil
	}
	p := d.p
	p.BlockLen = length
	p.EdgeCutEnd = 0
	bank, err := filterbank.Build(p, length)
	if err != nil {
		return nil, err
	}
	tail, err := New(p, bank, d.root)
	if err != nil {
		return nil, err
	}
	d.log.Debugf("filter bank rebuilt for a final block of %d samples", length)
	d.tail = tail
	return tail, nil
}

func (d *Demodulator) demodulate(block RFBlock, est chromaafc.CarrierEstimate) (*Record, error) {
	n := d.p.BlockLen
	bank := d.bank

	samples := block.Samples
	if len(samples) < n {
		// odd final block: repeat the last sample
		samples = append(append(make([]float64, 0, n), samples...), samples[len(samples)-1])
	}
	spectrum := d.fft.ForwardReal(nil, samples)
	rfSpec := make([]complex128, n)
	for k, v := range spectrum {
		rfSpec[k] = v * bank.RFVideo[k]
		if bank.RFRamp != nil {
			rfSpec[k] += v * bank.RFVideo[k] * bank.RFRamp[k]
		}
	}

	analytic := d.fft.Analytic(nil, rfSpec, bank.Hilbert)
	env, mask := d.detector.DetectAnalytic(analytic)
	dropouts := d.detector.Spans(mask)

	if d.boost > 0 && bank.RFBoost != nil {
		analytic = d.highBoost(rfSpec, env)
	}

	demod, repaired := d.fm.DemodAnalytic(analytic)
	if repaired > 0 {
		d.log.Debugf("block %d: repaired %d spike samples", block.Index, repaired)
	}
	demodSpec := d.fft.ForwardReal(nil, demod)

	luma := d.fft.Filter(nil, demodSpec, bank.FVideo)
	var aux []float64
	if bank.FVideo05 != nil {
		aux = dsp.Roll(d.fft.Filter(nil, demodSpec, bank.FVideo05), -bank.F05Offset)
	} else {
		aux = append([]float64(nil), luma...)
	}

	if tp := d.p.Params.Tape; tp != nil && d.p.NonLinear && tp.NonLinear.Enabled() {
		lumaSpec := d.fft.ForwardReal(nil, luma)
		if d.p.Limiter {
			luma = nonlinear.Limit(luma, lumaSpec, bank, d.deviation, d.p.LimiterSmooth, d.fft)
		} else {
			luma = nonlinear.Apply(luma, lumaSpec, bank, d.deviation, tp.NonLinear, d.fft)
		}
	}
	if bank.InterferenceNotch != nil {
		luma = d.fft.Filter(nil, d.fft.ForwardReal(nil, luma), bank.InterferenceNotch)
	}

	if !est.Valid() && d.p.Params.Tape != nil {
		est = chromaafc.Nominal(d.p.Params.Tape.ColorUnderCarrier)
	}
	chroma, err := d.chroma(spectrum, demodSpec, est)
	if err != nil {
		return nil, fmt.Errorf("failed to extract chroma for block %d: %w", block.Index, err)
	}

	return d.crop(block, luma, aux, chroma, env, dropouts, est, repaired), nil
}

// highBoost adds the band-limited upper RF back in, scaled up where the
// envelope sags, and returns the new analytic signal
func (d *Demodulator) highBoost(rfSpec []complex128, env []float64) []complex128 {
	rf := d.fft.InverseReal(nil, rfSpec)
	band := d.fft.Filter(nil, rfSpec, d.bank.RFBoost)
	target := stat.Mean(env, nil)
	for i, e := range env {
		if e > 0 {
			rf[i] += band[i] * (target / e) * d.boost
		}
	}
	return d.fft.Analytic(nil, d.fft.ForwardReal(nil, rf), d.bank.Hilbert)
}

// chroma recovers the color signal: the color-under band from raw RF for tape,
// the burst band of the demodulated video for disc
func (d *Demodulator) chroma(spectrum, demodSpec []complex128, est chromaafc.CarrierEstimate) ([]float64, error) {
	if d.p.Params.Tape == nil {
		if d.bank.FVideoBurst == nil {
			return make([]float64, d.p.BlockLen), nil
		}
		return d.fft.Filter(nil, demodSpec, d.bank.FVideoBurst), nil
	}
	bpf, err := d.bank.ChromaBandpass(est.FreqHz)
	if err != nil {
		return nil, err
	}
	out := d.fft.Filter(nil, spectrum, bpf)
	floats.AddConst(-stat.Mean(out, nil), out)
	if d.chromaDelay != 0 {
		out = dsp.Roll(out, d.chromaDelay)
	}
	return out, nil
}

func (d *Demodulator) crop(block RFBlock, luma, aux, chroma, env []float64, dropouts []envelope.Span, est chromaafc.CarrierEstimate, repaired int) *Record {
	lo := d.p.EdgeCut
	hi := min(d.p.BlockLen-d.p.EdgeCutEnd, len(block.Samples))
	size := hi - lo

	var spans []envelope.Span
	for _, s := range dropouts {
		start, end := s.Start-lo, s.End-lo
		if end <= 0 || start >= size {
			continue
		}
		if start < 0 {
			start = 0
		}
		if end > size {
			end = size
		}
		spans = append(spans, envelope.Span{Start: start, End: end})
	}

	return &Record{
		Index:    block.Index,
		Offset:   block.Offset + int64(lo),
		Luma:     append([]float64(nil), luma[lo:hi]...),
		LumaAux:  append([]float64(nil), aux[lo:hi]...),
		Chroma:   append([]float64(nil), chroma[lo:hi]...),
		Envelope: append([]float64(nil), env[lo:hi]...),
		Dropouts: spans,
		Carrier:  est,
		Repaired: repaired,
	}
}
