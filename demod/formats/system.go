package formats

import "math"

// SystemParams holds the timing and level constants of one broadcast system.
// Frequencies are in Hz unless the field name says otherwise.
type SystemParams struct {
	System     System
	FSCMHz     float64 // colour subcarrier
	LinePeriod float64 // microseconds
	FPS        float64
	FrameLines int
	FieldLines [2]int
	VsyncIRE   float64
	OutLineLen int // samples per line at 4 x fsc

	IRE0  float64 // demodulated frequency at 0 IRE
	HzIRE float64 // Hz per IRE

	// TrackIRE0Offset shifts 0 IRE on one head track (VHS HQ)
	TrackIRE0Offset [2]float64
	// NonLinearDeviation is the FM deviation used to normalize the
	// non-linear de-emphasis amplitude, 0 selects HzIRE x (100 - VsyncIRE)
	NonLinearDeviation float64
}

// baseSystem returns the broadcast constants before a format sets its levels
func baseSystem(sys System) SystemParams {
	switch sys {
	case PAL:
		fsc := 283.75/64 + 25e-6
		return SystemParams{
			System:     PAL,
			FSCMHz:     fsc,
			LinePeriod: 64,
			FPS:        25,
			FrameLines: 625,
			FieldLines: [2]int{312, 313},
			VsyncIRE:   -0.3 * (100 / 0.7),
			OutLineLen: int(math.Round(64 * fsc * 4)),
		}
	default:
		fsc := 315.0 / 88.0
		linePeriod := 227.5 / fsc
		return SystemParams{
			System:     NTSC,
			FSCMHz:     fsc,
			LinePeriod: linePeriod,
			FPS:        1e6 / (525 * linePeriod),
			FrameLines: 525,
			FieldLines: [2]int{263, 262},
			VsyncIRE:   -40,
			OutLineLen: int(math.Round(linePeriod * fsc * 4)),
		}
	}
}

// FSC returns the colour subcarrier in Hz
func (s SystemParams) FSC() float64 {
	return s.FSCMHz * 1e6
}

// LineRate returns the horizontal line frequency fh in Hz
func (s SystemParams) LineRate() float64 {
	return 1e6 / s.LinePeriod
}

// OutRate returns the 4 x fsc output sample rate
func (s SystemParams) OutRate() float64 {
	return 4 * s.FSC()
}

// FieldLen returns the number of output samples in the longer field
func (s SystemParams) FieldLen() int {
	lines := s.FieldLines[0]
	if s.FieldLines[1] > lines {
		lines = s.FieldLines[1]
	}
	return lines * s.OutLineLen
}

// IRE converts an IRE level into demodulated frequency (iretohz)
func (s SystemParams) IRE(ire float64) float64 {
	return s.IRE0 + s.HzIRE*ire
}

// HzToIRE converts demodulated frequency into IRE
func (s SystemParams) HzToIRE(hz float64) float64 {
	return (hz - s.IRE0) / s.HzIRE
}

// Deviation returns the FM deviation between sync tip and 100 IRE
func (s SystemParams) Deviation() float64 {
	if s.NonLinearDeviation > 0 {
		return s.NonLinearDeviation
	}
	return s.HzIRE * (100 - s.VsyncIRE)
}
