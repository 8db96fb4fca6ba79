package formats

import "fmt"

// Diff-demod splice windows (samples before/after a spike). Tuned by eye on
// head switch glitches, kept per family.
const (
	TapeSpliceBefore = 8
	TapeSpliceAfter  = 30
	DiscSpliceBefore = 4
	DiscSpliceAfter  = 12
)

// AFC fine tune steps as fractions of the line rate fh
const (
	VHSFineTuneDivisor     = 4 // VHS, S-VHS, Video8, Hi8: fh/4
	BetamaxFineTuneDivisor = 2 // fh/2
	UMaticFineTuneDivisor  = 1 // fh
)

const (
	defaultDeemphQ        = 0.5
	defaultNLExpScaling   = 0.25
	defaultNLAmplitudeLPF = 700e3
	colorUnderDelay       = 140 / 40e6
	ntscLineRate          = 525 * (30 / 1.001)
	palLineRate           = 625 * 25
)

// Lookup returns the parameter variant and system levels for a format.
// Unsupported combinations are a ConfigurationError.
func Lookup(format Format, system System) (FormatParams, SystemParams, error) {
	sys := baseSystem(system)
	pal := system == PAL

	switch format {
	case VHS, VHSHQ:
		tp := vhsParams(pal)
		vhsLevels(&sys, pal)
		if format == VHSHQ {
			if pal {
				sys.TrackIRE0Offset = [2]float64{7812.5, 0}
			} else {
				sys.TrackIRE0Offset = [2]float64{7867, 0}
			}
		}
		return tape(tp), sys, nil

	case SVHS:
		tp := vhsParams(pal)
		tp.VideoBPF = Band{Low: 2e6, High: 8.98e6, Order: 1}
		tp.VideoLPFExtra = Corner{Freq: 9.21e6, Order: 3}
		tp.VideoHPFExtra = Corner{Freq: 1.72e6, Order: 3}
		tp.VideoLPF = Corner{Freq: 6.5e6, Order: 6}
		tp.BoostBPF = Band{Low: 7e6, High: 8.4e6, Order: 1}
		tp.BoostMultiplier = 1.1
		tp.Deemphasis.Mid = 350000
		if pal {
			tp.NonLinear.HighpassFreq = 500000
		}
		sys.HzIRE = 1.6e6 / 140
		sys.IRE0 = 7e6 - sys.HzIRE*100
		return tape(tp), sys, nil

	case Betamax:
		tp := betamaxParams(pal)
		if pal {
			sys.HzIRE = 1.4e6 / (100 - sys.VsyncIRE)
			sys.IRE0 = 5.2e6 - sys.HzIRE*100
		} else {
			sys.HzIRE = 1.2e6 / (100 - sys.VsyncIRE)
			sys.IRE0 = 4.8e6 - sys.HzIRE*100
		}
		sys.NonLinearDeviation = sys.HzIRE * (100 - sys.VsyncIRE)
		return tape(tp), sys, nil

	case Video8, Hi8:
		tp := video8Params(pal, format == Hi8)
		if format == Hi8 {
			sys.HzIRE = 2e6 / (100 - sys.VsyncIRE)
			sys.IRE0 = 7.7e6 - sys.HzIRE*100
		} else {
			sys.HzIRE = 1.2e6 / (100 - sys.VsyncIRE)
			sys.IRE0 = 5.2e6 - sys.HzIRE*100
		}
		return tape(tp), sys, nil

	case UMatic:
		tp := umaticParams(pal)
		sys.IRE0 = 4257143
		sys.HzIRE = 1.6e6 / 140
		return tape(tp), sys, nil

	case UMaticHi:
		if !pal {
			return FormatParams{}, SystemParams{}, &ConfigurationError{
				Field:  "format",
				Value:  fmt.Sprintf("%s/%s", format, system),
				Reason: "high band U-matic is only defined for PAL",
			}
		}
		tp := umaticParams(true)
		tp.VideoBPF = Band{Low: 2.5e6, High: 7e6, Order: 1}
		tp.VideoLPFExtra = Corner{Freq: 7.2e6, Order: 3}
		tp.VideoHPFExtra = Corner{Freq: 1.5e6, Order: 8}
		tp.VideoLPF = Corner{Freq: 4.2e6, Order: 6}
		tp.ColorUnderCarrier = 923828
		tp.BoostBPF = Band{Low: 6e6, High: 6.8e6, Order: 1}
		tp.BoostMultiplier = 0
		sys.HzIRE = 1.6e6 / 140
		sys.IRE0 = 6.4e6 - sys.HzIRE*100
		return tape(tp), sys, nil

	case Laserdisc:
		dp := discParams(pal)
		if pal {
			sys.IRE0 = 7.1e6
			sys.HzIRE = 800000 / 100.0
		} else {
			sys.IRE0 = 8.1e6
			sys.HzIRE = 1.7e6 / 140
		}
		return FormatParams{Kind: KindDisc, Disc: dp}, sys, nil
	}

	return FormatParams{}, SystemParams{}, &ConfigurationError{Field: "format", Value: format, Reason: "unknown tape/disc format"}
}

func tape(tp *TapeParams) FormatParams {
	return FormatParams{Kind: KindTape, Tape: tp}
}

func tapeDefaults() *TapeParams {
	return &TapeParams{
		ChromaDelay: colorUnderDelay,
		Deemphasis:  Shelf{Q: defaultDeemphQ},
		VideoEQ:     EQ{Gain: 1},
		NonLinear: NonLinearParams{
			BandpassOrder: 1,
			AmplitudeLPF:  defaultNLAmplitudeLPF,
			ExpScaling:    defaultNLExpScaling,
		},
		FineTuneDivisor: VHSFineTuneDivisor,
		Splice:          Splice{Before: TapeSpliceBefore, After: TapeSpliceAfter},
	}
}

func vhsParams(pal bool) *TapeParams {
	tp := tapeDefaults()
	// IEC 774-1 first order shelf, 1.3us with a 4:1 divider
	tp.Deemphasis = Shelf{Mid: 273755.82, Gain: 13.9794, Q: 0.462088186}
	tp.NonLinear.HighpassFreq = 600000
	if pal {
		tp.VideoBPF = Band{Low: 2.2e6, High: 5.68e6, Order: 1}
		tp.VideoLPFExtra = Corner{Freq: 6.01e6, Order: 3}
		tp.VideoHPFExtra = Corner{Freq: 1.52e6, Order: 1}
		tp.VideoLPF = Corner{Freq: 3.5e6, Order: 6}
		tp.ColorUnderCarrier = palLineRate*40 + 1953
		tp.ChromaBPFUpper = 1.2e6
		tp.BoostBPF = Band{Low: 4.2e6, High: 5.6e6, Order: 1}
		tp.BoostMultiplier = 2
	} else {
		tp.VideoBPF = Band{Low: 1.5e6, High: 5.3e6, Order: 2}
		tp.VideoLPFExtra = Corner{Freq: 6.08e6, Order: 3}
		tp.VideoHPFExtra = Corner{Freq: 1.3e6, Order: 2}
		tp.VideoLPF = Corner{Freq: 3e6, Order: 6}
		tp.ColorUnderCarrier = ntscLineRate * 40
		tp.ChromaBPFUpper = 1.4e6
		tp.BoostBPF = Band{Low: 4.1e6, High: 5e6, Order: 1}
		tp.BoostMultiplier = 1
	}
	return tp
}

func vhsLevels(sys *SystemParams, pal bool) {
	if pal {
		sys.HzIRE = 1e6 / (100 - sys.VsyncIRE)
		sys.IRE0 = 4.8e6 - sys.HzIRE*100
		return
	}
	sys.HzIRE = 1e6 / 140
	sys.IRE0 = 4.4e6 - sys.HzIRE*100
}

func betamaxParams(pal bool) *TapeParams {
	tp := tapeDefaults()
	tp.FineTuneDivisor = BetamaxFineTuneDivisor
	if pal {
		tp.VideoBPF = Band{Low: 1.9e6, High: 6.1e6, Order: 2}
		tp.VideoLPFExtra = Corner{Freq: 6.55e6, Order: 2}
		tp.VideoHPFExtra = Corner{Freq: 1.32e6, Order: 2}
		tp.VideoLPF = Corner{Freq: 3.5e6, Order: 1}
		// tracks A and B sit at 685546.88 and 689453.12 Hz
		tp.ColorUnderCarrier = (685546.88 + 689453.12) / 2
		tp.ChromaBPFUpper = 1.3e6
		tp.BoostBPF = Band{Low: 4.45e6, High: 5.7e6, Order: 1}
		tp.BoostMultiplier = 1
		tp.Deemphasis = Shelf{Mid: 330000, Gain: 12.5, Q: defaultDeemphQ}
		tp.NonLinear.HighpassFreq = 662300
		tp.NonLinear.BandpassUpper = 4.5e6
		tp.NonLinear.Scaling1 = 0.7
		return tp
	}
	tp.VideoBPF = Band{Low: 1.6e6, High: 5.38e6, Order: 1}
	tp.VideoLPFExtra = Corner{Freq: 5.91e6, Order: 3}
	tp.VideoHPFExtra = Corner{Freq: 1.32e6, Order: 1}
	tp.VideoLPF = Corner{Freq: 3e6, Order: 1}
	tp.ColorUnderCarrier = 43.75 * ntscLineRate
	tp.ChromaBPFUpper = 1.4e6
	tp.BoostBPF = Band{Low: 4.3e6, High: 5.6e6, Order: 1}
	tp.BoostMultiplier = 1
	tp.Deemphasis = Shelf{Mid: 250000, Gain: 12.5, Q: defaultDeemphQ}
	tp.NonLinear.HighpassFreq = 600000
	return tp
}

func video8Params(pal, hi8 bool) *TapeParams {
	tp := tapeDefaults()
	tp.Deemphasis = Shelf{Mid: 260000, Gain: 14, Q: defaultDeemphQ}
	tp.NonLinear.HighpassFreq = 600000
	tp.ChromaBPFUpper = 1.2e6
	if pal {
		tp.ColorUnderCarrier = palLineRate * 46.875
	} else {
		tp.ColorUnderCarrier = ntscLineRate * 47.25
	}
	if hi8 {
		tp.VideoBPF = Band{Low: 2.1e6, High: 8.3e6, Order: 1}
		tp.VideoLPFExtra = Corner{Freq: 8.81e6, Order: 3}
		tp.VideoHPFExtra = Corner{Freq: 1.52e6, Order: 1}
		tp.VideoLPF = Corner{Freq: 5.5e6, Order: 1}
		tp.BoostBPF = Band{Low: 7.2e6, High: 7.8e6, Order: 1}
		return tp
	}
	tp.VideoBPF = Band{Low: 2.1e6, High: 6.3e6, Order: 1}
	tp.VideoLPFExtra = Corner{Freq: 6.31e6, Order: 3}
	tp.VideoHPFExtra = Corner{Freq: 1.52e6, Order: 1}
	tp.VideoLPF = Corner{Freq: 3.5e6, Order: 1}
	tp.BoostBPF = Band{Low: 5.2e6, High: 5.7e6, Order: 1}
	return tp
}

func umaticParams(pal bool) *TapeParams {
	tp := tapeDefaults()
	tp.FineTuneDivisor = UMaticFineTuneDivisor
	tp.Deemphasis = Shelf{Mid: 500000, Gain: 10.8, Q: defaultDeemphQ}
	tp.NonLinear.HighpassFreq = 1e6
	tp.BoostMultiplier = 1
	if pal {
		tp.VideoBPF = Band{Low: 1.4e6, High: 7e6, Order: 1}
		tp.VideoLPFExtra = Corner{Freq: 7e6, Order: 8}
		tp.VideoHPFExtra = Corner{Freq: 1.4e6, Order: 14}
		tp.VideoLPF = Corner{Freq: 4.2e6, Order: 6}
		tp.ColorUnderCarrier = palLineRate * 351 / 8
		tp.ChromaBPFUpper = 1.3e6
		tp.BoostBPF = Band{Low: 5e6, High: 5.8e6, Order: 1}
		return tp
	}
	tp.VideoBPF = Band{Low: 1.4e6, High: 6.5e6, Order: 1}
	tp.VideoLPFExtra = Corner{Freq: 6.5e6, Order: 8}
	tp.VideoHPFExtra = Corner{Freq: 1.4e6, Order: 14}
	tp.VideoLPF = Corner{Freq: 4e6, Order: 6}
	tp.ColorUnderCarrier = ntscLineRate * 175 / 4
	tp.ChromaBPFUpper = 1.5e6
	tp.BoostBPF = Band{Low: 5e6, High: 5.8e6, Order: 1}
	return tp
}

func discParams(pal bool) *DiscParams {
	dp := &DiscParams{
		BurstWidth: 0.1e6,
		Splice:     Splice{Before: DiscSpliceBefore, After: DiscSpliceAfter},
	}
	if pal {
		dp.VideoBPF = Band{Low: 2.7e6, High: 13.5e6, Order: 1}
		dp.VideoLPF = Corner{Freq: 4.8e6, Order: 7}
		dp.DeemphT1, dp.DeemphT2 = 100e-9, 400e-9
		return dp
	}
	dp.VideoBPF = Band{Low: 3.4e6, High: 13.8e6, Order: 4}
	dp.VideoLPF = Corner{Freq: 4.5e6, Order: 6}
	dp.DeemphT1, dp.DeemphT2 = 120e-9, 320e-9
	return dp
}
