package dsp

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

/*
 * FFT plans
 * Thin wrapper around gonum's complex FFT so callers get normalized inverse
 * transforms and real-input helpers without managing scratch buffers.
 */

// FFT is a complex FFT plan of a fixed length.
// A plan keeps internal work buffers and must not be shared between goroutines;
// every worker owns its own.
type FFT struct {
	n       int
	plan    *fourier.CmplxFFT
	scratch []complex128
}

// NewFFT creates a plan for n-point transforms
func NewFFT(n int) *FFT {
	return &FFT{
		n:       n,
		plan:    fourier.NewCmplxFFT(n),
		scratch: make([]complex128, n),
	}
}

// Len returns the transform length
func (f *FFT) Len() int {
	return f.n
}

// Forward computes the unnormalized DFT of src into dst (allocated when nil).
// dst and src may be the same slice.
func (f *FFT) Forward(dst, src []complex128) []complex128 {
	f.check(len(src))
	if dst == nil {
		dst = make([]complex128, f.n)
	}
	return f.plan.Coefficients(dst, src)
}

// ForwardReal computes the DFT of a real sequence
func (f *FFT) ForwardReal(dst []complex128, src []float64) []complex128 {
	f.check(len(src))
	if dst == nil {
		dst = make([]complex128, f.n)
	}
	for i, v := range src {
		dst[i] = complex(v, 0)
	}
	return f.plan.Coefficients(dst, dst)
}

// Inverse computes the inverse DFT of src into dst, scaled by 1/n
func (f *FFT) Inverse(dst, src []complex128) []complex128 {
	f.check(len(src))
	if dst == nil {
		dst = make([]complex128, f.n)
	}
	dst = f.plan.Sequence(dst, src)
	scale := complex(1/float64(f.n), 0)
	for i := range dst {
		dst[i] *= scale
	}
	return dst
}

// InverseReal returns the real part of the inverse DFT of src
func (f *FFT) InverseReal(dst []float64, src []complex128) []float64 {
	f.check(len(src))
	if dst == nil {
		dst = make([]float64, f.n)
	}
	seq := f.plan.Sequence(f.scratch, src)
	scale := 1 / float64(f.n)
	for i, v := range seq {
		dst[i] = real(v) * scale
	}
	return dst
}

// Filter applies resp to the spectrum of a real signal and returns the real
// part of the result, the frequency-domain equivalent of running the filter
// over one circular block.
func (f *FFT) Filter(dst []float64, spectrum []complex128, resp Response) []float64 {
	f.check(len(spectrum))
	buf := f.scratch
	for i, v := range spectrum {
		buf[i] = v * resp[i]
	}
	if dst == nil {
		dst = make([]float64, f.n)
	}
	seq := f.plan.Sequence(buf, buf)
	scale := 1 / float64(f.n)
	for i, v := range seq {
		dst[i] = real(v) * scale
	}
	return dst
}

func (f *FFT) check(n int) {
	if n != f.n {
		panic("dsp: fft length mismatch")
	}
}
