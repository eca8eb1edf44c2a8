// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pds implements the epoch-based private data service: it walks the
// epoch range of a histogram request, computes each epoch's individual
// privacy loss, and admits or drops epochs against the filter ledger.
package pds

import (
	"context"
	"math"

	"github.com/luxfi/attribution/pkg/budget"
	"github.com/luxfi/attribution/pkg/epoch"
	"github.com/luxfi/attribution/pkg/event"
	"github.com/luxfi/attribution/pkg/eventstore"
	"github.com/luxfi/attribution/pkg/log"
	"github.com/luxfi/attribution/pkg/query"
)

// Service computes attribution reports with per-epoch budget enforcement.
type Service struct {
	events  *eventstore.Store
	filters *budget.Store
	log     log.Logger
}

// New creates a service over the given event store and filter ledger.
func New(events *eventstore.Store, filters *budget.Store, logger log.Logger) *Service {
	return &Service{
		events:  events,
		filters: filters,
		log:     logger,
	}
}

// RegisterEvent stores a new impression event.
func (s *Service) RegisterEvent(ctx context.Context, ev event.Event) error {
	return s.events.Append(ctx, ev)
}

// EpochReport is the output for one admitted epoch.
type EpochReport struct {
	Epoch           epoch.Epoch
	Report          query.Report
	ConsumedEpsilon float64
}

// Result holds the admitted per-epoch reports, ascending by epoch, plus
// the ids of the filters that ran out of budget for dropped epochs.
type Result struct {
	Reports     []EpochReport
	OutOfBudget []budget.FilterID
}

// ComputeReport walks the request's epoch range in ascending order. For
// each epoch it selects relevant events, builds the epoch's histogram,
// computes the individual privacy loss, and performs an all-or-nothing
// admission across that epoch's filter set. A rejected epoch is dropped
// with no deduction; the remaining epochs are still attempted. Epochs with
// no relevant events cost nothing and produce nothing.
//
// Cancellation is honored between epochs only: once an epoch's admission
// step has run, its deduction stands.
func (s *Service) ComputeReport(ctx context.Context, req *query.HistogramRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	buckets, err := s.events.GetRange(ctx, req.StartEpoch, req.EndEpoch)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, e := range req.Epochs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		relevant := req.Selector.Filter(buckets[e])
		if len(relevant) == 0 {
			continue
		}

		report, err := req.BuildEpochReport(relevant)
		if err != nil {
			// Malformed events abort this epoch before any filter is
			// consulted; other epochs are unaffected.
			s.log.Error("dropping epoch from report",
				log.Uint64("epoch", uint64(e)),
				log.Error(err))
			continue
		}

		loss := s.epochLoss(req, report)
		losses := s.filterLosses(req, e, relevant, report, loss)

		status, oob, err := s.filters.ConsumeAll(losses)
		if err != nil {
			return nil, err
		}
		if status != budget.StatusContinue {
			s.log.Debug("epoch out of budget",
				log.Uint64("epoch", uint64(e)),
				log.Int("filters", len(oob)))
			result.OutOfBudget = append(result.OutOfBudget, oob...)
			continue
		}

		result.Reports = append(result.Reports, EpochReport{
			Epoch:           e,
			Report:          report,
			ConsumedEpsilon: loss.Value(),
		})
	}
	return result, nil
}

// epochLoss is the individual privacy loss of one epoch: the L1 norm of
// the epoch's attributed report divided by the noise scale, never more
// than the requested epsilon. A near-zero noise scale means the request is
// non-private and costs infinite budget.
func (s *Service) epochLoss(req *query.HistogramRequest, report query.Report) budget.Budget {
	noiseScale := req.NoiseScale()
	if math.Abs(noiseScale) < math.SmallestNonzeroFloat64 {
		return budget.Infinite()
	}

	eps := report.L1() / noiseScale
	if eps > req.RequestedEpsilon {
		eps = req.RequestedEpsilon
	}
	return budget.Epsilon(eps)
}

// filterLosses builds the per-filter losses for one epoch's admission.
// The Nc, C and QTrigger filters all carry the epoch-level loss; each
// requested source's QSource filter carries its own epoch-source loss.
func (s *Service) filterLosses(
	req *query.HistogramRequest,
	e epoch.Epoch,
	relevant []event.Event,
	report query.Report,
	loss budget.Budget,
) map[budget.FilterID]budget.Budget {
	losses := make(map[budget.FilterID]budget.Budget)

	for _, querier := range req.QuerierHosts {
		losses[budget.NcID(e, querier)] = loss
	}
	losses[budget.CID(e)] = loss
	losses[budget.QTriggerID(e, req.TriggerHost)] = loss

	if len(req.SourceHosts) == 0 {
		return losses
	}

	eventSources := make(map[string]int)
	for i := range relevant {
		eventSources[relevant[i].URIs.SourceHost]++
	}

	for _, source := range req.SourceHosts {
		losses[budget.QSourceID(e, source)] = s.sourceLoss(req, report, eventSources, source)
	}
	return losses
}

// sourceLoss is the epoch-source individual loss: zero when the source
// contributed no relevant events, the report's individual loss when it is
// the only contributing source, and the global bound otherwise.
func (s *Service) sourceLoss(
	req *query.HistogramRequest,
	report query.Report,
	eventSources map[string]int,
	source string,
) budget.Budget {
	if eventSources[source] == 0 {
		return budget.Epsilon(0)
	}
	if len(eventSources) == 1 {
		return s.epochLoss(req, report)
	}
	// Several sources contributed; the report cannot be apportioned, so
	// charge the global sensitivity bound.
	noiseScale := req.NoiseScale()
	if math.Abs(noiseScale) < math.SmallestNonzeroFloat64 {
		return budget.Infinite()
	}
	eps := req.ReportGlobalSensitivity() / noiseScale
	if eps > req.RequestedEpsilon {
		eps = req.RequestedEpsilon
	}
	return budget.Epsilon(eps)
}
