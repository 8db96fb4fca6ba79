package filterbank

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/cwsl/rfdemod/demod/dsp"
	"github.com/cwsl/rfdemod/demod/formats"
)

// Response names accepted by Get
const (
	NameRFVideo           = "RFVideo"
	NameHilbert           = "Hilbert"
	NameRFNotch           = "RFNotch"
	NameRFBoost           = "RFBoost"
	NameRFRamp            = "RFRamp"
	NameEnvelopeLPF       = "EnvelopeLPF"
	NameVideoLPF          = "VideoLPF"
	NameDeemphasis        = "Deemphasis"
	NameVideoEQ           = "VideoEQ"
	NameSubcarrierTrap    = "SubcarrierTrap"
	NameFVideo            = "FVideo"
	NameF05               = "F05"
	NameFVideo05          = "FVideo05"
	NameNLHighPass        = "NLHighPass"
	NameNLAmplitudeLPF    = "NLAmplitudeLPF"
	NameInterferenceNotch = "InterferenceNotch"
	NameFVideoBurst       = "FVideoBurst"
)

const (
	envelopeCorner   = 500e3
	f05Taps          = 65
	f05Corner        = 0.5e6
	chromaLowCorner  = 50e3
	chromaOrder      = 2
	chromaCacheLimit = 64
)

// Bank holds every frequency response one decode needs, sampled for one block
// length and sample rate. Read-only after Build and shared by all workers.
// Optional filters the format does not use are nil.
type Bank struct {
	BlockLen   int
	SampleRate float64

	RFVideo     dsp.Response
	Hilbert     dsp.Response
	RFNotch     dsp.Response
	RFBoost     dsp.Response
	RFRamp      dsp.Response
	EnvelopeLPF dsp.Response

	VideoLPF       dsp.Response
	Deemphasis     dsp.Response
	VideoEQ        dsp.Response
	SubcarrierTrap dsp.Response
	FVideo         dsp.Response

	F05       dsp.Response
	F05Offset int
	FVideo05  dsp.Response

	NLHighPass     dsp.Response
	NLAmplitudeLPF dsp.Response

	InterferenceNotch dsp.Response
	FVideoBurst       dsp.Response

	named map[string]dsp.Response

	tape          *formats.TapeParams
	chromaMu      sync.Mutex
	chromaCache   map[int64]dsp.Response
	chromaRecency []int64
}

// builder accumulates the first design error so Build reads top to bottom
type builder struct {
	n   int
	fs  float64
	nyq float64
	err error
}

func (b *builder) fail(field string, value interface{}, reason string) {
	if b.err == nil {
		b.err = &formats.ConfigurationError{Field: field, Value: value, Reason: reason}
	}
}

func (b *builder) butter(field string, order int, bt dsp.BandType, freqs ...float64) dsp.Filter {
	if b.err != nil {
		return nil
	}
	wn := make([]float64, len(freqs))
	for i, f := range freqs {
		if f <= 0 || f >= b.nyq {
			b.fail(field, f, fmt.Sprintf("corner must be between 0 and Nyquist (%.0f Hz)", b.nyq))
			return nil
		}
		wn[i] = f / b.nyq
	}
	zpk, err := dsp.Butter(order, wn, bt)
	if err != nil {
		b.fail(field, freqs, err.Error())
		return nil
	}
	return zpk
}

func (b *builder) freqz(f dsp.Filter) dsp.Response {
	if f == nil {
		return nil
	}
	return dsp.Freqz(f, b.n)
}

func (b *builder) magnitude(f dsp.Filter) dsp.Response {
	if f == nil {
		return nil
	}
	return dsp.Magnitude(f, b.n)
}

func (b *builder) zeroPhase(f dsp.Filter) dsp.Response {
	if f == nil {
		return nil
	}
	return dsp.ZeroPhase(f, b.n)
}

func (b *builder) notch(field string, n formats.Notch) dsp.Filter {
	if b.err != nil {
		return nil
	}
	if n.Freq <= 0 || n.Freq >= b.nyq {
		b.fail(field, n.Freq, fmt.Sprintf("notch must be between 0 and Nyquist (%.0f Hz)", b.nyq))
		return nil
	}
	q := n.Q
	if q <= 0 {
		q = 10
	}
	tf, err := dsp.Notch(n.Freq/b.nyq, q)
	if err != nil {
		b.fail(field, n.Freq, err.Error())
		return nil
	}
	return tf
}

// Build designs every filter for p at blockLen bins. Pure: identical inputs
// give identical responses.
func Build(p formats.DeviceParams, blockLen int) (*Bank, error) {
	if blockLen <= 0 {
		return nil, &formats.ConfigurationError{Field: "block length", Value: blockLen, Reason: "must be positive"}
	}
	if blockLen%2 != 0 {
		return nil, &formats.ConfigurationError{Field: "block length", Value: blockLen, Reason: "must be even for the Hilbert mask"}
	}
	if !(p.SampleRate > 0) {
		return nil, &formats.ConfigurationError{Field: "sample rate", Value: p.SampleRate, Reason: "must be positive"}
	}
	rf := p.Params.RF()
	if rf == nil {
		return nil, &formats.ConfigurationError{Field: "format params", Value: p.Format, Reason: "variant does not match its kind"}
	}

	b := &builder{n: blockLen, fs: p.SampleRate, nyq: p.SampleRate / 2}
	bank := &Bank{
		BlockLen:    blockLen,
		SampleRate:  p.SampleRate,
		tape:        p.Params.Tape,
		chromaCache: make(map[int64]dsp.Response),
	}

	// RF side
	for i, n := range rf.Notches {
		bank.RFNotch = dsp.Mul(bank.RFNotch, b.freqz(b.notch(fmt.Sprintf("rf notch %d", i), n)))
	}
	bpf := b.freqz(b.butter("video_bpf", rf.VideoBPF.Order, dsp.Bandpass, rf.VideoBPF.Low, rf.VideoBPF.High))
	var lpfExtra, hpfExtra dsp.Response
	if rf.VideoLPFExtra.Freq > 0 {
		lpfExtra = b.freqz(b.butter("video_lpf_extra", rf.VideoLPFExtra.Order, dsp.Lowpass, rf.VideoLPFExtra.Freq))
	}
	if rf.VideoHPFExtra.Freq > 0 {
		hpfExtra = b.freqz(b.butter("video_hpf_extra", rf.VideoHPFExtra.Order, dsp.Highpass, rf.VideoHPFExtra.Freq))
	}
	bank.RFVideo = dsp.Mul(bpf, lpfExtra, hpfExtra, bank.RFNotch)
	bank.Hilbert = dsp.Hilbert(blockLen)
	bank.EnvelopeLPF = b.zeroPhase(b.butter("envelope lpf", 1, dsp.Lowpass, math.Min(envelopeCorner, b.nyq/2)))

	if tp := p.Params.Tape; tp != nil {
		if tp.BoostBPF.High > 0 {
			order := tp.BoostBPF.Order
			if order < 1 {
				order = 1
			}
			bank.RFBoost = b.freqz(b.butter("boost_bpf", order, dsp.Bandpass, tp.BoostBPF.Low, tp.BoostBPF.High))
		}
	}
	if p.RFRamp {
		ramp := formats.Ramp{Boost20: 1}
		if p.Params.Tape != nil && p.Params.Tape.RFRamp != (formats.Ramp{}) {
			ramp = p.Params.Tape.RFRamp
		}
		bank.RFRamp = dsp.Ramp(blockLen, p.SampleRate, ramp.Start, ramp.Boost0, ramp.Boost20)
	}

	// Demodulated side
	if rf.VideoLPFSupergauss {
		if rf.VideoLPF.Freq <= 0 || rf.VideoLPF.Freq >= b.nyq {
			b.fail("video_lpf_freq", rf.VideoLPF.Freq, "corner must be between 0 and Nyquist")
		} else {
			bank.VideoLPF = dsp.Supergauss(blockLen, p.SampleRate, rf.VideoLPF.Freq, rf.VideoLPF.Order, 0)
		}
	} else {
		bank.VideoLPF = b.magnitude(b.butter("video_lpf_freq", rf.VideoLPF.Order, dsp.Lowpass, rf.VideoLPF.Freq))
	}

	switch p.Params.Kind {
	case formats.KindTape:
		tp := p.Params.Tape
		d := tp.Deemphasis
		if d.Mid <= 0 || d.Mid >= b.nyq {
			b.fail("deemph_mid", d.Mid, "must be between 0 and Nyquist")
		} else {
			// main de-emphasis is the inverse of the recording high shelf
			bank.Deemphasis = b.freqz(dsp.Shelf(d.Mid, d.Gain, d.Q, p.SampleRate, true).Inverse())
		}
		if tp.VideoEQ.Gain > 0 && tp.VideoEQ.Gain != 1 {
			bank.VideoEQ = eqResponse(blockLen, p.SampleRate, tp.VideoEQ)
		}
		if tp.SubcarrierTrap.High > 0 {
			order := tp.SubcarrierTrap.Order
			if order < 1 {
				order = 1
			}
			bank.SubcarrierTrap = b.magnitude(b.butter("subcarrier trap", order, dsp.Bandstop, tp.SubcarrierTrap.Low, tp.SubcarrierTrap.High))
		}
		if nl := tp.NonLinear; nl.Enabled() {
			order := nl.BandpassOrder
			if order < 1 {
				order = 1
			}
			if nl.BandpassUpper > 0 {
				bank.NLHighPass = b.freqz(b.butter("nonlinear_bandpass", order, dsp.Bandpass, nl.HighpassFreq, nl.BandpassUpper))
			} else {
				bank.NLHighPass = b.freqz(b.butter("nonlinear_highpass_freq", order, dsp.Highpass, nl.HighpassFreq))
			}
			bank.NLAmplitudeLPF = b.zeroPhase(b.butter("nonlinear amplitude lpf", 1, dsp.Lowpass, nl.AmplitudeLPF))
		}
	case formats.KindDisc:
		dp := p.Params.Disc
		if dp.DeemphT1 <= 0 || dp.DeemphT2 <= 0 {
			b.fail("deemph time constants", [2]float64{dp.DeemphT1, dp.DeemphT2}, "must be positive")
		} else {
			bank.Deemphasis = b.freqz(dsp.EmphasisIIR(dp.DeemphT1, dp.DeemphT2, p.SampleRate))
		}
	}

	bank.FVideo = dsp.Mul(bank.VideoLPF, bank.Deemphasis, bank.VideoEQ, bank.SubcarrierTrap)

	if f05Corner < b.nyq {
		bank.F05 = b.freqz(dsp.Firwin(f05Taps, f05Corner/b.nyq))
		bank.F05Offset = (f05Taps - 1) / 2
		bank.FVideo05 = dsp.Mul(bank.FVideo, bank.F05)
	}

	if rf.InterferenceNotch.Freq > 0 {
		bank.InterferenceNotch = b.zeroPhase(b.notch("interference notch", rf.InterferenceNotch))
	}

	if dp := p.Params.Disc; dp != nil {
		fsc := p.Sys.FSC()
		burst := b.freqz(b.butter("burst bpf", 1, dsp.Bandpass, fsc-dp.BurstWidth, fsc+dp.BurstWidth))
		bank.FVideoBurst = dsp.Mul(bank.FVideo, burst)
	}

	if b.err != nil {
		return nil, b.err
	}

	// chroma band-pass at the nominal carrier must be designable up front
	if bank.tape != nil {
		if _, err := bank.ChromaBandpass(bank.tape.ColorUnderCarrier); err != nil {
			return nil, err
		}
	}

	bank.named = map[string]dsp.Response{
		NameRFVideo:           bank.RFVideo,
		NameHilbert:           bank.Hilbert,
		NameRFNotch:           bank.RFNotch,
		NameRFBoost:           bank.RFBoost,
		NameRFRamp:            bank.RFRamp,
		NameEnvelopeLPF:       bank.EnvelopeLPF,
		NameVideoLPF:          bank.VideoLPF,
		NameDeemphasis:        bank.Deemphasis,
		NameVideoEQ:           bank.VideoEQ,
		NameSubcarrierTrap:    bank.SubcarrierTrap,
		NameFVideo:            bank.FVideo,
		NameF05:               bank.F05,
		NameFVideo05:          bank.FVideo05,
		NameNLHighPass:        bank.NLHighPass,
		NameNLAmplitudeLPF:    bank.NLAmplitudeLPF,
		NameInterferenceNotch: bank.InterferenceNotch,
		NameFVideoBurst:       bank.FVideoBurst,
	}
	return bank, nil
}

// Get returns a named response. ok is false for unknown names and for
// optional filters the format does not use.
func (b *Bank) Get(name string) (dsp.Response, bool) {
	r, ok := b.named[name]
	return r, ok && r != nil
}

// Names lists the responses present in this bank
func (b *Bank) Names() []string {
	names := make([]string, 0, len(b.named))
	for name, r := range b.named {
		if r != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ChromaBandpass returns the color-under band-pass for a tracked carrier.
// The upper edge scales with carrier / nominal carrier. Responses are cached
// per whole Hz of carrier; the cache is safe for concurrent workers.
func (b *Bank) ChromaBandpass(carrierHz float64) (dsp.Response, error) {
	if b.tape == nil {
		return nil, &formats.ConfigurationError{Field: "chroma", Reason: "format has no color-under carrier"}
	}
	key := int64(math.Round(carrierHz))

	b.chromaMu.Lock()
	if r, ok := b.chromaCache[key]; ok {
		b.chromaMu.Unlock()
		return r, nil
	}
	b.chromaMu.Unlock()

	upper := b.tape.ChromaBPFUpper
	if nominal := b.tape.ColorUnderCarrier; nominal > 0 && carrierHz > 0 {
		upper *= carrierHz / nominal
	}
	bl := &builder{n: b.BlockLen, fs: b.SampleRate, nyq: b.SampleRate / 2}
	r := bl.freqz(bl.butter("chroma_bpf_upper", chromaOrder, dsp.Bandpass, chromaLowCorner, upper))
	if bl.err != nil {
		return nil, bl.err
	}

	b.chromaMu.Lock()
	defer b.chromaMu.Unlock()
	if len(b.chromaRecency) >= chromaCacheLimit {
		oldest := b.chromaRecency[0]
		b.chromaRecency = b.chromaRecency[1:]
		delete(b.chromaCache, oldest)
	}
	if _, ok := b.chromaCache[key]; !ok {
		b.chromaRecency = append(b.chromaRecency, key)
	}
	b.chromaCache[key] = r
	return r, nil
}

// eqResponse boosts everything above the corner by Gain with a raised cosine
// transition, leaving DC untouched.
func eqResponse(n int, fs float64, eq formats.EQ) dsp.Response {
	r := make(dsp.Response, n)
	lo := eq.Corner - eq.Transition/2
	hi := eq.Corner + eq.Transition/2
	for k := range r {
		f := math.Abs(dsp.BinFreq(k, n, fs))
		var s float64
		switch {
		case f <= lo:
			s = 0
		case f >= hi:
			s = 1
		default:
			s = 0.5 - 0.5*math.Cos(math.Pi*(f-lo)/(hi-lo))
		}
		r[k] = complex(1+(eq.Gain-1)*s, 0)
	}
	return r
}
