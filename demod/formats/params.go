package formats

// Kind tags which variant a FormatParams carries
type Kind int

const (
	KindTape Kind = iota // color-under tape families
	KindDisc             // laserdisc, chroma in band
)

// Corner is a Butterworth corner; a zero Freq disables the filter
type Corner struct {
	Freq  float64
	Order int
}

// Band is a Butterworth band; a zero High disables the filter
type Band struct {
	Low   float64
	High  float64
	Order int
}

// Notch is one RF interference notch
type Notch struct {
	Freq float64
	Q    float64
}

// RFParams are the luma RF filter settings shared by every family
type RFParams struct {
	VideoBPF           Band
	VideoLPFExtra      Corner
	VideoHPFExtra      Corner
	VideoLPF           Corner
	VideoLPFSupergauss bool
	Notches            []Notch
	// InterferenceNotch is applied zero-phase on the demodulated video
	InterferenceNotch Notch
}

// Shelf describes the tape main de-emphasis as the inverse of a high shelf
type Shelf struct {
	Mid  float64
	Gain float64 // dB
	Q    float64
}

// EQ is the post-demod low band video equalizer. Gain 1 disables it.
type EQ struct {
	Corner     float64
	Transition float64
	Gain       float64
}

// Ramp is the linear RF boost applied above Start
type Ramp struct {
	Start   float64
	Boost0  float64
	Boost20 float64 // boost at 20 MHz
}

// NonLinearParams controls the amplitude dependent de-emphasis.
// Zero HighpassFreq disables it.
type NonLinearParams struct {
	HighpassFreq  float64
	BandpassUpper float64 // 0 selects a plain high-pass
	BandpassOrder int
	AmplitudeLPF  float64
	ExpScaling    float64
	Scaling1      float64 // 0 means unset
	Scaling2      float64 // 0 means unset
	StaticFactor  float64 // 0 means unset
	LogisticMid   float64
	LogisticRate  float64 // 0 disables the logistic saturation
}

// Enabled reports whether the format defines a non-linear stage
func (p NonLinearParams) Enabled() bool {
	return p.HighpassFreq > 0
}

// Splice sizes the diff-demod repair window around a spike
type Splice struct {
	Before int
	After  int
}

// TapeParams is the color-under tape variant
type TapeParams struct {
	RFParams

	ColorUnderCarrier float64
	ChromaBPFUpper    float64
	ChromaDelay       float64 // seconds chroma is delayed to line up with luma

	BoostBPF        Band
	BoostMultiplier float64
	RFRamp          Ramp

	Deemphasis     Shelf
	VideoEQ        EQ
	SubcarrierTrap Band
	NonLinear      NonLinearParams

	// FineTuneDivisor splits fh into the AFC quantization step
	FineTuneDivisor float64
	Splice          Splice
}

// DiscParams is the laserdisc variant
type DiscParams struct {
	RFParams

	// Emphasis time constants, de-emphasis when T1 < T2
	DeemphT1 float64
	DeemphT2 float64
	// BurstWidth is the half width of the in-band chroma band-pass around fsc
	BurstWidth float64
	Splice     Splice
}

// FormatParams is a tagged variant: exactly one of Tape or Disc is set, as Kind says
type FormatParams struct {
	Kind Kind
	Tape *TapeParams
	Disc *DiscParams
}

// RF returns the shared luma filter settings of whichever variant is set
func (p FormatParams) RF() *RFParams {
	switch p.Kind {
	case KindTape:
		if p.Tape != nil {
			return &p.Tape.RFParams
		}
	case KindDisc:
		if p.Disc != nil {
			return &p.Disc.RFParams
		}
	}
	return nil
}

// SpliceWindow returns the diff-demod repair window
func (p FormatParams) SpliceWindow() Splice {
	if p.Kind == KindDisc && p.Disc != nil {
		return p.Disc.Splice
	}
	if p.Tape != nil {
		return p.Tape.Splice
	}
	return Splice{}
}

func (p FormatParams) valid() bool {
	switch p.Kind {
	case KindTape:
		return p.Tape != nil && p.Disc == nil
	case KindDisc:
		return p.Disc != nil && p.Tape == nil
	}
	return false
}
