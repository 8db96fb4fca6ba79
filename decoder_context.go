package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cwsl/rfdemod/demod/blockdemod"
	"github.com/cwsl/rfdemod/demod/diag"
	"github.com/cwsl/rfdemod/demod/filterbank"
	"github.com/cwsl/rfdemod/demod/formats"
	"github.com/cwsl/rfdemod/demod/scheduler"
)

// DecoderContext is everything one decode shares between its workers: the
// parameter set, the filter bank built from it and the logger. Read-only
// once created.
type DecoderContext struct {
	ID      string
	Params  formats.DeviceParams
	Bank    *filterbank.Bank
	Log     *diag.Logger
	Created time.Time
}

// NewDecoderContext builds the filter bank for p
func NewDecoderContext(p formats.DeviceParams, logger *diag.Logger) (*DecoderContext, error) {
	start := time.Now()
	bank, err := filterbank.Build(p, p.BlockLen)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter bank: %w", err)
	}
	dc := &DecoderContext{
		ID:      uuid.New().String(),
		Params:  p,
		Bank:    bank,
		Log:     logger,
		Created: time.Now(),
	}
	logger.Debugf("filter bank for %s %s at %.1f MHz built in %v (%d responses)",
		p.Format, p.System, p.SampleRate/1e6, time.Since(start), len(bank.Names()))
	return dc, nil
}

// NewDemodulator creates the per-worker block demodulator
func (dc *DecoderContext) NewDemodulator() (scheduler.BlockProcessor, error) {
	return blockdemod.New(dc.Params, dc.Bank, dc.Log)
}
