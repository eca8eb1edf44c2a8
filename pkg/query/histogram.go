// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package query

import (
	"fmt"
	"math"

	"github.com/luxfi/attribution/pkg/epoch"
	"github.com/luxfi/attribution/pkg/event"
)

// Report is a fixed-length histogram: one float per bucket. Reports are
// ephemeral; the core never persists them.
type Report []float64

// L1 returns the L1 norm of the report.
func (r Report) L1() float64 {
	sum := 0.0
	for _, v := range r {
		sum += v
	}
	return sum
}

// IsEmpty reports whether every bucket is zero.
func (r Report) IsEmpty() bool {
	for _, v := range r {
		if v != 0 {
			return false
		}
	}
	return true
}

// HistogramRequest is a bounded-sensitivity aggregation over an epoch
// range. The sensitivity of the aggregation is bounded by
// MaxAttributableValue, which the privacy accounting relies on.
type HistogramRequest struct {
	StartEpoch epoch.Epoch
	EndEpoch   epoch.Epoch

	// AttributableValue is the conversion value attributed to events.
	AttributableValue float64

	// MaxAttributableValue caps the total attributed value of one report.
	MaxAttributableValue float64

	// RequestedEpsilon is the privacy budget requested from each touched
	// epoch's filters.
	RequestedEpsilon float64

	HistogramSize uint32

	TriggerHost       string
	SourceHosts       []string
	QuerierHosts      []string
	IntermediaryHosts []string

	Selector Selector
}

// Validate rejects malformed requests before any filter is consulted.
func (r *HistogramRequest) Validate() error {
	if r.StartEpoch > r.EndEpoch {
		return ErrBadEpochRange
	}
	if r.RequestedEpsilon <= 0 {
		return ErrBadEpsilon
	}
	if r.AttributableValue < 0 || r.MaxAttributableValue < 0 {
		return ErrBadSensitivity
	}
	if r.AttributableValue > r.MaxAttributableValue {
		return ErrValueOverCap
	}
	if r.HistogramSize == 0 {
		return ErrZeroHistogram
	}
	return nil
}

// Epochs returns the inclusive epoch range in ascending order.
func (r *HistogramRequest) Epochs() []epoch.Epoch {
	out := make([]epoch.Epoch, 0, r.EndEpoch-r.StartEpoch+1)
	for e := r.StartEpoch; e <= r.EndEpoch; e++ {
		out = append(out, e)
	}
	return out
}

// NoiseScale returns the Laplace noise scale of the aggregation:
// the query's global sensitivity divided by the requested epsilon.
func (r *HistogramRequest) NoiseScale() float64 {
	return r.MaxAttributableValue / r.RequestedEpsilon
}

// ReportGlobalSensitivity is the upper bound on any single report's L1
// norm, used by multi-epoch accounting.
func (r *HistogramRequest) ReportGlobalSensitivity() float64 {
	return r.MaxAttributableValue
}

// BuildEpochReport aggregates the relevant events of one epoch into a
// histogram. Events are attributed most-recent first; each contribution is
// clipped to [0, MaxAttributableValue] and attribution stops before the
// total would exceed the cap, so a single full-value impression claims the
// whole report (last-touch). An out-of-range histogram index is a
// validation error, never silently dropped.
func (r *HistogramRequest) BuildEpochReport(events []event.Event) (Report, error) {
	report := make(Report, r.HistogramSize)
	if len(events) == 0 {
		return report, nil
	}

	value := math.Min(math.Max(r.AttributableValue, 0), r.MaxAttributableValue)

	total := 0.0
	for i := len(events) - 1; i >= 0; i-- {
		ev := &events[i]
		if ev.Index >= r.HistogramSize {
			return nil, fmt.Errorf("%w: event %s has index %d, histogram size %d",
				ErrIndexOutOfRange, ev.ID, ev.Index, r.HistogramSize)
		}
		if total+value > r.MaxAttributableValue {
			// Partial attribution to stay within the sensitivity cap.
			break
		}
		total += value
		report[ev.Index] += value
	}
	return report, nil
}

func (r *HistogramRequest) String() string {
	return fmt.Sprintf("histogram(epochs=[%d,%d] size=%d eps=%g cap=%g trigger=%s)",
		r.StartEpoch, r.EndEpoch, r.HistogramSize, r.RequestedEpsilon,
		r.MaxAttributableValue, r.TriggerHost)
}
