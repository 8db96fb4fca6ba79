package dsp

import (
	"math"
	"math/cmplx"
)

// Response is one filter sampled at every bin of a blockLen-point FFT,
// bin k at w = 2*pi*k/blockLen (the whole circle, negative frequencies in the
// upper half).
type Response []complex128

// Freqz samples f at n bins around the whole unit circle
func Freqz(f Filter, n int) Response {
	r := make(Response, n)
	for k := range r {
		r[k] = f.Response(2 * math.Pi * float64(k) / float64(n))
	}
	return r
}

// Magnitude samples |f|, giving a zero phase response with the same gain
func Magnitude(f Filter, n int) Response {
	r := make(Response, n)
	for k := range r {
		r[k] = complex(cmplx.Abs(f.Response(2*math.Pi*float64(k)/float64(n))), 0)
	}
	return r
}

// ZeroPhase samples |f|^2, the response of running f forward then backward
func ZeroPhase(f Filter, n int) Response {
	r := make(Response, n)
	for k := range r {
		m := cmplx.Abs(f.Response(2 * math.Pi * float64(k) / float64(n)))
		r[k] = complex(m*m, 0)
	}
	return r
}

// Ones returns an all-pass response
func Ones(n int) Response {
	r := make(Response, n)
	for k := range r {
		r[k] = 1
	}
	return r
}

// Mul combines responses elementwise. Nil responses are skipped; all others
// must share a length. Returns nil when every input is nil.
func Mul(rs ...Response) Response {
	var out Response
	for _, r := range rs {
		if r == nil {
			continue
		}
		if out == nil {
			out = make(Response, len(r))
			copy(out, r)
			continue
		}
		if len(r) != len(out) {
			panic("dsp: response length mismatch")
		}
		for k := range out {
			out[k] *= r[k]
		}
	}
	return out
}

// DB returns the gain in dB at bin k
func (r Response) DB(k int) float64 {
	return 20 * math.Log10(cmplx.Abs(r[k]))
}

// BinFreq returns the signed frequency in Hz of bin k for sample rate fs
func BinFreq(k, n int, fs float64) float64 {
	if k > n/2 {
		k -= n
	}
	return float64(k) * fs / float64(n)
}

// Bin returns the nearest non-negative bin for frequency f
func Bin(f float64, n int, fs float64) int {
	return int(math.Round(f * float64(n) / fs))
}

// Supergauss builds a zero phase super-gaussian band shape. The gain is one
// half (-6 dB) at center +/- freq/2.
func Supergauss(n int, fs, freq float64, order int, center float64) Response {
	r := make(Response, n)
	k := math.Pow(math.Log(2)/2, 1/(2*float64(order)))
	for i := range r {
		x := math.Abs(BinFreq(i, n, fs))
		v := 2 * (x - center) * k / freq
		r[i] = complex(math.Exp(-2*math.Pow(v, 2*float64(order))), 0)
	}
	return r
}

// Ramp builds a linear gain ramp starting at startHz with boostStart, rising to
// boost20 at 20 MHz, mirrored onto the negative frequencies.
func Ramp(n int, fs, startHz, boostStart, boost20 float64) Response {
	half := n / 2
	nyquist := fs / 2
	zero := int((startHz / nyquist) * float64(half))
	if zero > half {
		zero = half
	}
	ramp := make([]float64, half)
	end := boost20 * (nyquist / 20e6)
	steps := half - zero
	for i := 0; i < steps; i++ {
		v := boostStart
		if steps > 1 {
			v += (end - boostStart) * float64(i) / float64(steps-1)
		}
		ramp[zero+i] = v
	}
	r := make(Response, n)
	for i := 0; i < half; i++ {
		r[i] = complex(ramp[i], 0)
		r[n-1-i] = complex(ramp[i], 0)
	}
	return r
}

// Hilbert builds the analytic-signal mask: DC and Nyquist pass, positive
// frequencies doubled, negative frequencies removed. n must be even.
func Hilbert(n int) Response {
	r := make(Response, n)
	r[0] = 1
	r[n/2] = 1
	for k := 1; k < n/2; k++ {
		r[k] = 2
	}
	return r
}
