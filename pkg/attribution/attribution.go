// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package attribution exposes the on-device measurement surface: recording
// impressions, measuring conversions, inspecting and clearing the privacy
// budget ledger.
package attribution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/attribution/pkg/budget"
	"github.com/luxfi/attribution/pkg/epoch"
	"github.com/luxfi/attribution/pkg/event"
	"github.com/luxfi/attribution/pkg/eventstore"
	"github.com/luxfi/attribution/pkg/log"
	"github.com/luxfi/attribution/pkg/metric"
	"github.com/luxfi/attribution/pkg/noise"
	"github.com/luxfi/attribution/pkg/pds"
	"github.com/luxfi/attribution/pkg/query"
)

// DefaultRequestedEpsilon is the fixed per-epoch epsilon every conversion
// measurement requests. Queriers cannot pick their own epsilon.
const DefaultRequestedEpsilon = 1.0

// BudgetDisabled is the sentinel returned by GetBudget when the policy gate
// is closed or the lookup input is invalid. It is distinguishable from any
// real remaining budget, which is never negative.
const BudgetDisabled = -1.0

// PolicyGate decides, per call, whether attribution is currently allowed.
// It is consulted on every operation rather than cached, so flipping the
// policy takes effect immediately.
type PolicyGate interface {
	Enabled() bool
}

// EnabledGate is a fixed-policy gate.
type EnabledGate bool

func (g EnabledGate) Enabled() bool { return bool(g) }

// Submitter receives finished conversion reports. It sees only the task
// identifier and the noised fixed-length histogram, never the events or
// the pre-noise values.
type Submitter interface {
	Submit(ctx context.Context, task string, report []float64) error
}

// ImpressionOptions describes one ad view to record.
type ImpressionOptions struct {
	// Index is the histogram bucket later conversions attribute to.
	Index uint32
	// Ad identifies the creative.
	Ad string
	// TargetHost is the conversion site the impression may be attributed on.
	TargetHost string
	// SourceHost is the site that showed the ad.
	SourceHost string
	// Timestamp in ms; zero means now.
	Timestamp int64
}

// ConversionOptions describes one conversion measurement.
type ConversionOptions struct {
	// Task identifies the measurement task to the submitter.
	Task string
	// HistogramSize is the number of buckets in the report.
	HistogramSize uint32
	// LookbackDays bounds how far back impressions may be attributed.
	LookbackDays uint32
	// Value is the conversion value to attribute; zero means MaxValue.
	Value float64
	// MaxValue caps the total attributed value; zero means 1.
	MaxValue float64
	// Ads restricts attribution to these creatives; empty means any.
	Ads []string
	// SourceHosts restricts attribution to impressions from these sites;
	// empty means any.
	SourceHosts []string
	// TargetHost is the site the conversion happened on.
	TargetHost string
}

// Config carries the coordinator's tunables.
type Config struct {
	Capacities budget.Capacities

	// MaxHistogramSize bounds report length; 0 means DefaultMaxHistogramSize.
	MaxHistogramSize uint32
	// MaxLookbackDays bounds the attribution window; 0 means
	// DefaultMaxLookbackDays.
	MaxLookbackDays uint32
}

const (
	DefaultMaxHistogramSize = 1024
	DefaultMaxLookbackDays  = 30
)

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Capacities:       budget.DefaultCapacities(),
		MaxHistogramSize: DefaultMaxHistogramSize,
		MaxLookbackDays:  DefaultMaxLookbackDays,
	}
}

// Coordinator ties the event store, the filter ledger and the report
// pipeline together behind the public measurement surface.
type Coordinator struct {
	// mu serializes operations that span both stores, so a clear can never
	// interleave with a measurement and leave the ledger and the event
	// store observing different worlds.
	mu        sync.Mutex
	cfg       Config
	events    *eventstore.Store
	filters   *budget.Store
	service   *pds.Service
	gate      PolicyGate
	submitter Submitter
	metrics   *metric.Metrics
	log       log.Logger

	// nowMillis is swappable in tests.
	nowMillis func() int64
}

// New creates a coordinator. A nil gate allows everything; a nil submitter
// discards reports after accounting.
func New(
	cfg Config,
	events *eventstore.Store,
	filters *budget.Store,
	gate PolicyGate,
	submitter Submitter,
	metrics *metric.Metrics,
	logger log.Logger,
) *Coordinator {
	if cfg.MaxHistogramSize == 0 {
		cfg.MaxHistogramSize = DefaultMaxHistogramSize
	}
	if cfg.MaxLookbackDays == 0 {
		cfg.MaxLookbackDays = DefaultMaxLookbackDays
	}
	if gate == nil {
		gate = EnabledGate(true)
	}
	return &Coordinator{
		cfg:       cfg,
		events:    events,
		filters:   filters,
		service:   pds.New(events, filters, logger),
		gate:      gate,
		submitter: submitter,
		metrics:   metrics,
		log:       logger,
		nowMillis: epoch.TimestampNow,
	}
}

// RecordImpression stores an ad view. Recording is fire-and-forget: the
// caller observes success regardless, and failures are logged and counted
// so a page cannot probe stored state through error timing.
func (c *Coordinator) RecordImpression(ctx context.Context, opts ImpressionOptions) {
	if !c.gate.Enabled() {
		c.metrics.ImpressionsDropped.Inc()
		return
	}
	if err := c.recordImpression(ctx, opts); err != nil {
		c.metrics.ImpressionsDropped.Inc()
		c.log.Warn("impression dropped",
			log.String("source", opts.SourceHost),
			log.Error(err))
		return
	}
	c.metrics.ImpressionsRecorded.Inc()
}

func (c *Coordinator) recordImpression(ctx context.Context, opts ImpressionOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	defer func() {
		c.metrics.AppendDuration.Observe(time.Since(start).Seconds())
	}()

	if err := event.ValidateHost(opts.SourceHost); err != nil {
		return err
	}
	if err := event.ValidateHost(opts.TargetHost); err != nil {
		return err
	}

	ts := opts.Timestamp
	if ts == 0 {
		ts = c.nowMillis()
	}

	ev := event.Event{
		ID:        uuid.New().String(),
		Index:     opts.Index,
		Timestamp: ts,
		Epoch:     uint64(epoch.FromTimestamp(ts)),
		Ad:        opts.Ad,
		URIs: event.URIs{
			SourceHost:   opts.SourceHost,
			TriggerHosts: []string{opts.TargetHost},
			QuerierHosts: []string{opts.TargetHost},
		},
		FilterData: event.PackFilterData(opts.Ad, opts.Index),
	}
	return c.service.RegisterEvent(ctx, ev)
}

// MeasureConversion attributes stored impressions to a conversion, noises
// the resulting histogram, and hands it to the submitter. Epochs whose
// filters are out of budget contribute all-zero values; the submitter
// cannot tell a zero-valued epoch from a rejected one.
func (c *Coordinator) MeasureConversion(ctx context.Context, opts ConversionOptions) error {
	if !c.gate.Enabled() {
		c.log.Debug("conversion ignored, attribution disabled",
			log.String("task", opts.Task))
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	defer func() {
		c.metrics.MeasureDuration.Observe(time.Since(start).Seconds())
	}()
	c.metrics.ConversionsMeasured.Inc()

	req, err := c.buildRequest(opts)
	if err != nil {
		return err
	}

	result, err := c.service.ComputeReport(ctx, req)
	if err != nil {
		return err
	}
	c.metrics.EpochsAdmitted.Add(float64(len(result.Reports)))
	if len(result.OutOfBudget) > 0 {
		c.metrics.EpochsOutOfBudget.Inc()
	}

	// Sum the admitted per-epoch reports into one vector, then noise it.
	summed := make([]float64, req.HistogramSize)
	for _, er := range result.Reports {
		for i, v := range er.Report {
			summed[i] += v
		}
	}
	noised := noise.NewLaplace(req.NoiseScale()).Perturb(summed)

	if c.submitter == nil {
		return nil
	}
	if err := c.submitter.Submit(ctx, opts.Task, noised); err != nil {
		c.metrics.SubmitFailures.Inc()
		return err
	}
	c.metrics.ReportsSubmitted.Inc()
	return nil
}

// buildRequest validates a conversion and turns it into a histogram
// request over the lookback window ending now.
func (c *Coordinator) buildRequest(opts ConversionOptions) (*query.HistogramRequest, error) {
	if opts.MaxValue == 0 {
		opts.MaxValue = 1
	}
	if opts.Value == 0 {
		opts.Value = opts.MaxValue
	}
	if opts.HistogramSize > c.cfg.MaxHistogramSize {
		opts.HistogramSize = c.cfg.MaxHistogramSize
	}
	if opts.LookbackDays == 0 || opts.LookbackDays > c.cfg.MaxLookbackDays {
		opts.LookbackDays = c.cfg.MaxLookbackDays
	}

	q := &query.ConversionQuery{
		TargetHost:       opts.TargetHost,
		SourceHosts:      opts.SourceHosts,
		Ads:              opts.Ads,
		HistogramSize:    opts.HistogramSize,
		LookbackDays:     opts.LookbackDays,
		TriggerTimestamp: c.nowMillis(),
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	now := q.TriggerTimestamp
	return &query.HistogramRequest{
		StartEpoch:           epoch.DaysAgo(q.LookbackDays, now),
		EndEpoch:             epoch.FromTimestamp(now),
		AttributableValue:    opts.Value,
		MaxAttributableValue: opts.MaxValue,
		RequestedEpsilon:     DefaultRequestedEpsilon,
		HistogramSize:        q.HistogramSize,
		TriggerHost:          q.TargetHost,
		SourceHosts:          q.SourceHosts,
		QuerierHosts:         []string{q.TargetHost},
		Selector: query.NewSelector(q.TargetHost, []string{q.TargetHost},
			q.SourceHosts, q.Ads),
	}, nil
}

// GetBudget returns the remaining budget of one filter, or BudgetDisabled
// when the policy gate is closed or the input does not name a filter. The
// sentinel never collides with a real value: remaining budget is >= 0.
func (c *Coordinator) GetBudget(kind string, e uint64, host string) float64 {
	c.metrics.BudgetQueries.Inc()
	if !c.gate.Enabled() {
		return BudgetDisabled
	}

	k, err := budget.ParseKind(kind)
	if err != nil {
		return BudgetDisabled
	}

	id := budget.FilterID{Kind: k, Epoch: epoch.Epoch(e)}
	if k != budget.KindC {
		if err := event.ValidateHost(host); err != nil {
			return BudgetDisabled
		}
		id.Host = host
	}

	remaining, err := c.filters.Remaining(id)
	if err != nil {
		c.log.Error("budget lookup failed",
			log.String("filter", id.String()),
			log.Error(err))
		return BudgetDisabled
	}
	return remaining.Value()
}

// ClearBudgets resets the filter ledger and deletes all stored events.
// Both must go together: budgets back at capacity with old impressions
// still queryable would leak more than the accounting allows.
func (c *Coordinator) ClearBudgets(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.LedgerClears.Inc()
	if err := c.filters.Clear(); err != nil {
		return err
	}
	if err := c.events.Clear(ctx); err != nil {
		return err
	}
	c.log.Info("budgets and stored events cleared")
	return nil
}

// AddMockEvent stores a fully specified event, bypassing impression
// validation. Intended for integration testing against a running service.
func (c *Coordinator) AddMockEvent(ctx context.Context, ev event.Event) error {
	if !c.gate.Enabled() {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Epoch == 0 && ev.Timestamp != 0 {
		ev.Epoch = uint64(epoch.FromTimestamp(ev.Timestamp))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.service.RegisterEvent(ctx, ev)
}

// ComputeReportFor runs the report pipeline for an explicit histogram
// request, with budget accounting but without noise or submission.
// Intended for integration testing alongside AddMockEvent.
func (c *Coordinator) ComputeReportFor(ctx context.Context, req *query.HistogramRequest) (*pds.Result, error) {
	if !c.gate.Enabled() {
		return &pds.Result{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.service.ComputeReport(ctx, req)
}
