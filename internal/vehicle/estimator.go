// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package vehicle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relabs-tech/mocap_pilot/internal/logging"
)

// Onboard parameter names.
const (
	ParamEstimator     = "stabilizer.estimator"
	ParamExtQuatStdDev = "locSrv.extQuatStdDev"
	ParamKalmanReset   = "kalman.resetEstimation"
	ParamXYVelMax      = "posCtlPid.xyVelMax"
	ParamZVelMax       = "posCtlPid.zVelMax"
	ParamPosSet        = "flightmode.posSet"

	estimatorKalman = "2"
)

// ErrNotConverged is returned when the estimator variance does not settle
// before the gate's timeout.
var ErrNotConverged = errors.New("estimator did not converge")

// EstimatorConfig controls the pre-flight estimator reset and convergence
// gate.
type EstimatorConfig struct {
	ExtQuatStdDev float64
	Window        int           // variance samples per axis in the rolling window
	Threshold     float64       // max-min spread that counts as settled
	Timeout       time.Duration // zero waits until ctx is done
	ResetPulse    time.Duration // hold time of kalman.resetEstimation=1
	Settle        time.Duration // wait after releasing the reset
}

// DefaultEstimatorConfig mirrors the values the vehicle is usually flown with.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		ExtQuatStdDev: 0.6,
		Window:        10,
		Threshold:     0.001,
		Timeout:       30 * time.Second,
		ResetPulse:    100 * time.Millisecond,
		Settle:        time.Second,
	}
}

// SetupEstimator selects the Kalman estimator, resets it and blocks until its
// position variance has settled. It is a pre-flight gate: no setpoint may be
// sent before it returns nil.
func SetupEstimator(ctx context.Context, link Link, clk clock.Clock, cfg EstimatorConfig) error {
	log := logging.Named("estimator")

	params := [][2]string{
		{ParamEstimator, estimatorKalman},
		{ParamExtQuatStdDev, formatFloat(cfg.ExtQuatStdDev)},
		{ParamKalmanReset, "1"},
	}
	for _, p := range params {
		if err := link.SetParameter(p[0], p[1]); err != nil {
			return fmt.Errorf("set %s: %w", p[0], err)
		}
	}
	if err := sleep(ctx, clk, cfg.ResetPulse); err != nil {
		return err
	}
	if err := link.SetParameter(ParamKalmanReset, "0"); err != nil {
		return fmt.Errorf("set %s: %w", ParamKalmanReset, err)
	}
	if err := sleep(ctx, clk, cfg.Settle); err != nil {
		return err
	}

	log.Info("waiting for estimator to find position")
	spread, err := WaitConverged(ctx, link.Variance(), clk, cfg)
	if err != nil {
		return err
	}
	log.Infof("position found with errors (x: %.5f, y: %.5f, z: %.5f)", spread.X, spread.Y, spread.Z)
	return nil
}

// ApplyFlightParameters caps the position controller's velocity and switches
// the commander to absolute position setpoints.
func ApplyFlightParameters(link Link, maxVelocity float64) error {
	v := formatFloat(maxVelocity)
	for _, p := range [][2]string{
		{ParamXYVelMax, v},
		{ParamZVelMax, v},
		{ParamPosSet, "1"},
	} {
		if err := link.SetParameter(p[0], p[1]); err != nil {
			return fmt.Errorf("set %s: %w", p[0], err)
		}
	}
	return nil
}

// WaitConverged consumes variance samples until, on every axis, the spread
// (max - min) over the last cfg.Window samples is below cfg.Threshold. The
// window starts filled with a large value so at least Window samples are
// needed. It returns the final spread.
func WaitConverged(ctx context.Context, samples <-chan Variance, clk clock.Clock, cfg EstimatorConfig) (Variance, error) {
	window := cfg.Window
	if window < 1 {
		window = 1
	}
	hx := newHistory(window)
	hy := newHistory(window)
	hz := newHistory(window)

	var timeout <-chan time.Time
	if cfg.Timeout > 0 {
		t := clk.Timer(cfg.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return Variance{}, ctx.Err()
		case <-timeout:
			return Variance{X: hx.spread(), Y: hy.spread(), Z: hz.spread()},
				fmt.Errorf("%w after %s", ErrNotConverged, cfg.Timeout)
		case v, ok := <-samples:
			if !ok {
				return Variance{}, fmt.Errorf("%w: variance stream closed", ErrNotConverged)
			}
			hx.push(v.X)
			hy.push(v.Y)
			hz.push(v.Z)
			spread := Variance{X: hx.spread(), Y: hy.spread(), Z: hz.spread()}
			if spread.X < cfg.Threshold && spread.Y < cfg.Threshold && spread.Z < cfg.Threshold {
				return spread, nil
			}
		}
	}
}

// history is a fixed-size ring of variance samples for one axis.
type history struct {
	vals []float64
	next int
}

func newHistory(n int) *history {
	h := &history{vals: make([]float64, n)}
	for i := range h.vals {
		h.vals[i] = 1000
	}
	return h
}

func (h *history) push(v float64) {
	h.vals[h.next] = v
	h.next = (h.next + 1) % len(h.vals)
}

func (h *history) spread() float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range h.vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return hi - lo
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
