package dsp

import (
	"gonum.org/v1/gonum/stat"
)

// MovingAverage keeps the mean of the last Size pushed values.
// Not safe for concurrent use.
type MovingAverage struct {
	size int
	buf  []float64
	next int
	full bool
}

// NewMovingAverage creates a window of size values (minimum 1)
func NewMovingAverage(size int) *MovingAverage {
	if size < 1 {
		size = 1
	}
	return &MovingAverage{size: size, buf: make([]float64, 0, size)}
}

// Push adds v, evicting the oldest value once the window is full, and returns the new mean
func (m *MovingAverage) Push(v float64) float64 {
	if len(m.buf) < m.size {
		m.buf = append(m.buf, v)
	} else {
		m.buf[m.next] = v
		m.full = true
	}
	m.next = (m.next + 1) % m.size
	return m.Mean()
}

// Mean returns the window mean, 0 when empty
func (m *MovingAverage) Mean() float64 {
	if len(m.buf) == 0 {
		return 0
	}
	return stat.Mean(m.buf, nil)
}

// Len returns how many values are in the window
func (m *MovingAverage) Len() int {
	return len(m.buf)
}

// Full reports whether the window has wrapped at least once
func (m *MovingAverage) Full() bool {
	return m.full || len(m.buf) == m.size
}

// Reset empties the window
func (m *MovingAverage) Reset() {
	m.buf = m.buf[:0]
	m.next = 0
	m.full = false
}
