package formats

import (
	"fmt"
	"math"
)

// Capture devices set the default dropout threshold
type CaptureDevice int

const (
	DdD CaptureDevice = iota
	CXADC
)

func (d CaptureDevice) String() string {
	switch d {
	case DdD:
		return "DdD"
	case CXADC:
		return "cxadc"
	}
	return fmt.Sprintf("CaptureDevice(%d)", int(d))
}

const (
	DefaultBlockLen   = 32 * 1024
	DefaultEdgeCut    = 1024
	DefaultMaxIRE     = 100
	DefaultHysteresis = 1.25
	DefaultMergeGap   = 30
	DefaultMinLength  = 10

	DdDDropoutFraction   = 0.18
	CXADCDropoutFraction = 0.35
)

// DropoutParams configures the envelope threshold detector
type DropoutParams struct {
	ThresholdFraction float64 // of the block mean envelope
	ThresholdAbs      float64 // absolute threshold, takes precedence when > 0
	Hysteresis        float64
	MergeGap          int
	MinLength         int
}

// DeviceParams is the immutable description of one decode: what was captured,
// how fast, and which optional stages run. Build with NewDeviceParams and
// adjust fields before the first use.
type DeviceParams struct {
	SampleRate float64
	Format     Format
	System     System
	Device     CaptureDevice

	Params FormatParams
	Sys    SystemParams

	BlockLen   int
	EdgeCut    int
	EdgeCutEnd int
	MaxIRE     float64

	Dropout DropoutParams

	AFC              bool
	NonLinear        bool
	Limiter          bool
	LimiterSmooth    bool
	DisableDiffDemod bool
	RFRamp           bool
	// HighBoost overrides the format boost multiplier when >= 0
	HighBoost float64
}

// NewDeviceParams looks up the format tables and fills defaults
func NewDeviceParams(format Format, system System, sampleRate float64, device CaptureDevice) (DeviceParams, error) {
	fp, sys, err := Lookup(format, system)
	if err != nil {
		return DeviceParams{}, err
	}
	fraction := DdDDropoutFraction
	if device == CXADC {
		fraction = CXADCDropoutFraction
	}
	p := DeviceParams{
		SampleRate: sampleRate,
		Format:     format,
		System:     system,
		Device:     device,
		Params:     fp,
		Sys:        sys,
		BlockLen:   DefaultBlockLen,
		EdgeCut:    DefaultEdgeCut,
		EdgeCutEnd: DefaultEdgeCut,
		MaxIRE:     DefaultMaxIRE,
		Dropout: DropoutParams{
			ThresholdFraction: fraction,
			Hysteresis:        DefaultHysteresis,
			MergeGap:          DefaultMergeGap,
			MinLength:         DefaultMinLength,
		},
		AFC:       format.ColorUnder(),
		NonLinear: true,
		HighBoost: -1,
	}
	return p, p.Validate()
}

// Nyquist returns half the sample rate
func (p DeviceParams) Nyquist() float64 {
	return p.SampleRate / 2
}

// BlockSize is the number of usable samples each block contributes
func (p DeviceParams) BlockSize() int {
	return p.BlockLen - p.EdgeCut - p.EdgeCutEnd
}

// GlitchCeiling is the demodulated frequency above which a sample is a spike
func (p DeviceParams) GlitchCeiling() float64 {
	return 2 * p.Sys.IRE(p.MaxIRE)
}

// FineTuneStep is the AFC quantization step in Hz
func (p DeviceParams) FineTuneStep() float64 {
	div := float64(UMaticFineTuneDivisor)
	if p.Params.Tape != nil && p.Params.Tape.FineTuneDivisor > 0 {
		div = p.Params.Tape.FineTuneDivisor
	}
	return p.Sys.LineRate() / div
}

// BoostMultiplier returns the adaptive HF boost gain
func (p DeviceParams) BoostMultiplier() float64 {
	if p.HighBoost >= 0 {
		return p.HighBoost
	}
	if p.Params.Tape != nil {
		return p.Params.Tape.BoostMultiplier
	}
	return 0
}

// Validate rejects parameter sets the filter bank cannot be built from
func (p DeviceParams) Validate() error {
	if !(p.SampleRate > 0) || math.IsInf(p.SampleRate, 0) {
		return &ConfigurationError{Field: "sample rate", Value: p.SampleRate, Reason: "must be positive"}
	}
	if !p.Params.valid() {
		return &ConfigurationError{Field: "format params", Value: p.Format, Reason: "variant does not match its kind"}
	}
	if p.BlockLen <= 0 {
		return &ConfigurationError{Field: "block length", Value: p.BlockLen, Reason: "must be positive"}
	}
	if p.BlockLen%2 != 0 {
		return &ConfigurationError{Field: "block length", Value: p.BlockLen, Reason: "must be even"}
	}
	if p.EdgeCut < 0 || p.EdgeCutEnd < 0 || p.BlockSize() <= 0 {
		return &ConfigurationError{
			Field:  "edge cut",
			Value:  fmt.Sprintf("%d+%d", p.EdgeCut, p.EdgeCutEnd),
			Reason: fmt.Sprintf("leaves no usable samples in a %d sample block", p.BlockLen),
		}
	}
	if p.Sys.HzIRE <= 0 {
		return &ConfigurationError{Field: "hz_ire", Value: p.Sys.HzIRE, Reason: "must be positive"}
	}
	if p.Dropout.Hysteresis <= 1 {
		return &ConfigurationError{Field: "dropout hysteresis", Value: p.Dropout.Hysteresis, Reason: "must be greater than 1"}
	}
	if p.Dropout.ThresholdAbs <= 0 && (p.Dropout.ThresholdFraction <= 0 || p.Dropout.ThresholdFraction >= 1) {
		return &ConfigurationError{Field: "dropout threshold", Value: p.Dropout.ThresholdFraction, Reason: "fraction must be in (0, 1)"}
	}

	nyq := p.Nyquist()
	rf := p.Params.RF()
	corners := []struct {
		name string
		freq float64
	}{
		{"video_bpf_low", rf.VideoBPF.Low},
		{"video_bpf_high", rf.VideoBPF.High},
		{"video_lpf_freq", rf.VideoLPF.Freq},
	}
	if p.Params.Tape != nil {
		corners = append(corners, struct {
			name string
			freq float64
		}{"color_under_carrier", p.Params.Tape.ColorUnderCarrier})
	}
	for _, c := range corners {
		if c.freq <= 0 || c.freq >= nyq {
			return &ConfigurationError{
				Field:  c.name,
				Value:  c.freq,
				Reason: fmt.Sprintf("must be between 0 and Nyquist (%.0f Hz)", nyq),
			}
		}
	}
	return nil
}
