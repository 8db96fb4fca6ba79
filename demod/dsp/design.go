package dsp

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
)

// Filter is anything with a frequency response on the unit circle.
// w is the normalized angular frequency in radians/sample.
type Filter interface {
	Response(w float64) complex128
}

// TF is a digital transfer function B(z)/A(z) with coefficients in powers of z^-1
type TF struct {
	B []float64
	A []float64
}

// Response evaluates the transfer function at e^{jw}
func (t TF) Response(w float64) complex128 {
	return polyZ(t.B, w) / polyZ(t.A, w)
}

func polyZ(c []float64, w float64) complex128 {
	var sum complex128
	for k, v := range c {
		sum += complex(v, 0) * cmplx.Exp(complex(0, -w*float64(k)))
	}
	return sum
}

// Inverse swaps numerator and denominator
func (t TF) Inverse() TF {
	return TF{B: t.A, A: t.B}
}

// ZPK is a digital filter in zero/pole/gain form, H(z) = K * prod(z - Z) / prod(z - P)
type ZPK struct {
	Z []complex128
	P []complex128
	K float64
}

// Response evaluates the filter at e^{jw}
func (f ZPK) Response(w float64) complex128 {
	e := cmplx.Exp(complex(0, w))
	h := complex(f.K, 0)
	for _, z := range f.Z {
		h *= e - z
	}
	for _, p := range f.P {
		h /= e - p
	}
	return h
}

// BandType selects the Butterworth band transformation
type BandType int

const (
	Lowpass BandType = iota
	Highpass
	Bandpass
	Bandstop
)

func (b BandType) String() string {
	switch b {
	case Lowpass:
		return "lowpass"
	case Highpass:
		return "highpass"
	case Bandpass:
		return "bandpass"
	case Bandstop:
		return "bandstop"
	}
	return fmt.Sprintf("BandType(%d)", int(b))
}

// ErrBadCorner reports a corner frequency outside (0, 1) of Nyquist
var ErrBadCorner = errors.New("corner frequency must be between 0 and Nyquist")

// Butter designs a digital Butterworth filter.
// wn holds one corner (low/high pass) or two band edges (band pass/stop),
// normalized so that 1.0 is Nyquist.
func Butter(order int, wn []float64, bt BandType) (ZPK, error) {
	if order < 1 {
		return ZPK{}, fmt.Errorf("butterworth order must be >= 1, got %d", order)
	}
	want := 1
	if bt == Bandpass || bt == Bandstop {
		want = 2
	}
	if len(wn) != want {
		return ZPK{}, fmt.Errorf("%s needs %d corner(s), got %d", bt, want, len(wn))
	}
	for _, w := range wn {
		if !(w > 0 && w < 1) {
			return ZPK{}, fmt.Errorf("%w: %g", ErrBadCorner, w)
		}
	}
	if want == 2 && wn[0] >= wn[1] {
		return ZPK{}, fmt.Errorf("band edges out of order: %g >= %g", wn[0], wn[1])
	}

	// Analog prototype, poles on the left half of the unit circle
	z, p, k := []complex128(nil), buttap(order), 1.0

	// Pre-warp for the bilinear transform with fs = 2
	const fs = 2.0
	warped := make([]float64, len(wn))
	for i, w := range wn {
		warped[i] = 2 * fs * math.Tan(math.Pi*w/fs)
	}

	switch bt {
	case Lowpass:
		z, p, k = lp2lp(z, p, k, warped[0])
	case Highpass:
		z, p, k = lp2hp(z, p, k, warped[0])
	case Bandpass:
		bw := warped[1] - warped[0]
		wo := math.Sqrt(warped[0] * warped[1])
		z, p, k = lp2bp(z, p, k, wo, bw)
	case Bandstop:
		bw := warped[1] - warped[0]
		wo := math.Sqrt(warped[0] * warped[1])
		z, p, k = lp2bs(z, p, k, wo, bw)
	default:
		return ZPK{}, fmt.Errorf("unknown band type %d", int(bt))
	}

	z, p, k = bilinearZPK(z, p, k, fs)
	return ZPK{Z: z, P: p, K: k}, nil
}

func buttap(n int) []complex128 {
	p := make([]complex128, 0, n)
	for m := -n + 1; m < n; m += 2 {
		p = append(p, -cmplx.Exp(complex(0, math.Pi*float64(m)/(2*float64(n)))))
	}
	return p
}

func lp2lp(z, p []complex128, k, wo float64) ([]complex128, []complex128, float64) {
	degree := len(p) - len(z)
	zl := scale(z, complex(wo, 0))
	pl := scale(p, complex(wo, 0))
	return zl, pl, k * math.Pow(wo, float64(degree))
}

func lp2hp(z, p []complex128, k, wo float64) ([]complex128, []complex128, float64) {
	degree := len(p) - len(z)
	zh := make([]complex128, 0, len(z)+degree)
	for _, v := range z {
		zh = append(zh, complex(wo, 0)/v)
	}
	ph := make([]complex128, len(p))
	for i, v := range p {
		ph[i] = complex(wo, 0) / v
	}
	for i := 0; i < degree; i++ {
		zh = append(zh, 0)
	}
	return zh, ph, k * real(prodNeg(z)/prodNeg(p))
}

func lp2bp(z, p []complex128, k, wo, bw float64) ([]complex128, []complex128, float64) {
	degree := len(p) - len(z)
	half := complex(bw/2, 0)
	w2 := complex(wo*wo, 0)
	zb := make([]complex128, 0, 2*len(z)+degree)
	for _, v := range z {
		zl := v * half
		r := cmplx.Sqrt(zl*zl - w2)
		zb = append(zb, zl+r, zl-r)
	}
	pb := make([]complex128, 0, 2*len(p))
	var lo []complex128
	for _, v := range p {
		pl := v * half
		r := cmplx.Sqrt(pl*pl - w2)
		pb = append(pb, pl+r)
		lo = append(lo, pl-r)
	}
	pb = append(pb, lo...)
	for i := 0; i < degree; i++ {
		zb = append(zb, 0)
	}
	return zb, pb, k * math.Pow(bw, float64(degree))
}

func lp2bs(z, p []complex128, k, wo, bw float64) ([]complex128, []complex128, float64) {
	degree := len(p) - len(z)
	half := complex(bw/2, 0)
	w2 := complex(wo*wo, 0)
	zs := make([]complex128, 0, 2*len(z)+2*degree)
	for _, v := range z {
		zh := half / v
		r := cmplx.Sqrt(zh*zh - w2)
		zs = append(zs, zh+r, zh-r)
	}
	ps := make([]complex128, 0, 2*len(p))
	var lo []complex128
	for _, v := range p {
		ph := half / v
		r := cmplx.Sqrt(ph*ph - w2)
		ps = append(ps, ph+r)
		lo = append(lo, ph-r)
	}
	ps = append(ps, lo...)
	for i := 0; i < degree; i++ {
		zs = append(zs, complex(0, wo))
	}
	for i := 0; i < degree; i++ {
		zs = append(zs, complex(0, -wo))
	}
	return zs, ps, k * real(prodNeg(z)/prodNeg(p))
}

func bilinearZPK(z, p []complex128, k, fs float64) ([]complex128, []complex128, float64) {
	degree := len(p) - len(z)
	fs2 := complex(2*fs, 0)
	zz := make([]complex128, 0, len(z)+degree)
	num := complex(1, 0)
	for _, v := range z {
		zz = append(zz, (fs2+v)/(fs2-v))
		num *= fs2 - v
	}
	pz := make([]complex128, len(p))
	den := complex(1, 0)
	for i, v := range p {
		pz[i] = (fs2 + v) / (fs2 - v)
		den *= fs2 - v
	}
	for i := 0; i < degree; i++ {
		zz = append(zz, -1)
	}
	return zz, pz, k * real(num/den)
}

func scale(v []complex128, s complex128) []complex128 {
	out := make([]complex128, len(v))
	for i, x := range v {
		out[i] = x * s
	}
	return out
}

func prodNeg(v []complex128) complex128 {
	prod := complex(1, 0)
	for _, x := range v {
		prod *= -x
	}
	return prod
}

// Shelf designs an RBJ cookbook shelving biquad.
// f0 is the mid-gain frequency in Hz, dbGain the shelf gain, q the shape factor.
func Shelf(f0, dbGain, q, fs float64, high bool) TF {
	a := math.Pow(10, dbGain/40)
	w0 := 2 * math.Pi * f0 / fs
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)
	sqrtA := math.Sqrt(a)

	if high {
		return TF{
			B: []float64{
				a * ((a + 1) + (a-1)*cosw0 + 2*sqrtA*alpha),
				-2 * a * ((a - 1) + (a+1)*cosw0),
				a * ((a + 1) + (a-1)*cosw0 - 2*sqrtA*alpha),
			},
			A: []float64{
				(a + 1) - (a-1)*cosw0 + 2*sqrtA*alpha,
				2 * ((a - 1) - (a+1)*cosw0),
				(a + 1) - (a-1)*cosw0 - 2*sqrtA*alpha,
			},
		}
	}
	return TF{
		B: []float64{
			a * ((a + 1) - (a-1)*cosw0 + 2*sqrtA*alpha),
			2 * a * ((a - 1) - (a+1)*cosw0),
			a * ((a + 1) - (a-1)*cosw0 - 2*sqrtA*alpha),
		},
		A: []float64{
			(a + 1) + (a-1)*cosw0 + 2*sqrtA*alpha,
			-2 * ((a - 1) + (a+1)*cosw0),
			(a + 1) + (a-1)*cosw0 - 2*sqrtA*alpha,
		},
	}
}

// Notch designs a second order IIR notch at w0 (fraction of Nyquist) with quality q
func Notch(w0, q float64) (TF, error) {
	if !(w0 > 0 && w0 < 1) {
		return TF{}, fmt.Errorf("%w: %g", ErrBadCorner, w0)
	}
	if q <= 0 {
		return TF{}, fmt.Errorf("notch quality must be positive, got %g", q)
	}
	bw := (w0 / q) * math.Pi
	w := w0 * math.Pi
	// -3 dB attenuation at the band edges
	beta := math.Tan(bw / 2)
	gain := 1 / (1 + beta)
	c := math.Cos(w)
	return TF{
		B: []float64{gain, -2 * gain * c, gain},
		A: []float64{1, -2 * gain * c, 2*gain - 1},
	}, nil
}

// EmphasisIIR builds a first order shelf from two time constants: pre-emphasis
// when t1 > t2, de-emphasis when t1 < t2. Unity gain at DC.
func EmphasisIIR(t1, t2, fs float64) ZPK {
	w1 := 2 * fs * math.Tan((1/t1)/(2*fs))
	w2 := 2 * fs * math.Tan((1/t2)/(2*fs))
	z, p, k := bilinearZPK([]complex128{complex(-w1, 0)}, []complex128{complex(-w2, 0)}, w2/w1, fs)
	return ZPK{Z: z, P: p, K: k}
}

// Firwin designs a linear phase low-pass FIR with a Hamming window.
// cutoff is a fraction of Nyquist; the taps are scaled for unity DC gain.
func Firwin(numtaps int, cutoff float64) TF {
	h := make([]float64, numtaps)
	alpha := float64(numtaps-1) / 2
	var sum float64
	for n := range h {
		m := float64(n) - alpha
		h[n] = cutoff * sinc(cutoff*m) * Hamming(n, numtaps)
		sum += h[n]
	}
	for n := range h {
		h[n] /= sum
	}
	return TF{B: h, A: []float64{1}}
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

// Hamming returns the n-th coefficient of a size-point symmetric Hamming window
func Hamming(n, size int) float64 {
	if size <= 1 {
		return 1
	}
	return 0.54 - 0.46*math.Cos(2*math.Pi*float64(n)/float64(size-1))
}
