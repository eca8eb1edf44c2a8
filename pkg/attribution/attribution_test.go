// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package attribution

import (
	"context"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/attribution/pkg/budget"
	"github.com/luxfi/attribution/pkg/epoch"
	"github.com/luxfi/attribution/pkg/event"
	"github.com/luxfi/attribution/pkg/eventstore"
	"github.com/luxfi/attribution/pkg/log"
	"github.com/luxfi/attribution/pkg/metric"
	"github.com/luxfi/attribution/pkg/query"
)

type testGate struct {
	enabled bool
}

func (g *testGate) Enabled() bool { return g.enabled }

type captureSubmitter struct {
	tasks   []string
	reports [][]float64
	err     error
}

func (s *captureSubmitter) Submit(_ context.Context, task string, report []float64) error {
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, task)
	s.reports = append(s.reports, report)
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *testGate, *captureSubmitter) {
	t.Helper()

	m, err := metric.NewMetrics()
	require.NoError(t, err)

	gate := &testGate{enabled: true}
	sub := &captureSubmitter{}
	c := New(
		DefaultConfig(),
		eventstore.New(memdb.New(), log.NoOp()),
		budget.NewStore(memdb.New(), budget.DefaultCapacities(), log.NoOp()),
		gate,
		sub,
		m,
		log.NoOp(),
	)
	return c, gate, sub
}

// A fixed clock inside epoch 100, one day past the epoch boundary.
const testNow = 100*epoch.DurationMillis + epoch.DayMillis

func TestRecordThenMeasure(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c, _, sub := newTestCoordinator(t)
	c.nowMillis = func() int64 { return testNow }

	c.RecordImpression(ctx, ImpressionOptions{
		Index:      3,
		Ad:         "shoe",
		TargetHost: "shop.example",
		SourceHost: "news.example",
	})

	// Convert a day later, within the same epoch.
	c.nowMillis = func() int64 { return testNow + epoch.DayMillis }
	require.NoError(c.MeasureConversion(ctx, ConversionOptions{
		Task:          "task-1",
		HistogramSize: 8,
		LookbackDays:  7,
		Ads:           []string{"shoe"},
		TargetHost:    "shop.example",
	}))

	require.Equal([]string{"task-1"}, sub.tasks)
	require.Len(sub.reports, 1)
	require.Len(sub.reports[0], 8)

	// A full-value attribution deducts exactly the requested epsilon from
	// the epoch that held the impression.
	e := uint64(epoch.FromTimestamp(testNow))
	require.Zero(c.GetBudget("Nc", e, "shop.example"))
	require.Equal(8.0-DefaultRequestedEpsilon, c.GetBudget("C", e, ""))
	require.Equal(1.0, c.GetBudget("QTrigger", e, "shop.example"))
	require.Equal(3.0, c.GetBudget("QSource", e, "news.example"))
}

func TestMeasureWithNoImpressionsCostsNothing(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c, _, sub := newTestCoordinator(t)
	c.nowMillis = func() int64 { return testNow }

	require.NoError(c.MeasureConversion(ctx, ConversionOptions{
		Task:          "task-1",
		HistogramSize: 4,
		LookbackDays:  7,
		TargetHost:    "shop.example",
	}))

	// A noised all-zero report is still submitted.
	require.Len(sub.reports, 1)
	require.Len(sub.reports[0], 4)

	// No epoch had relevant events, so no filter was charged.
	e := uint64(epoch.FromTimestamp(testNow))
	require.Equal(1.0, c.GetBudget("Nc", e, "shop.example"))
	require.Equal(8.0, c.GetBudget("C", e, ""))
}

func TestGetBudgetSentinel(t *testing.T) {
	require := require.New(t)
	c, gate, _ := newTestCoordinator(t)

	// Untouched filters report full capacity.
	require.Equal(1.0, c.GetBudget("Nc", 1, "shop.example"))

	require.Equal(BudgetDisabled, c.GetBudget("bogus", 1, "shop.example"))
	require.Equal(BudgetDisabled, c.GetBudget("Nc", 1, "not a host"))
	require.Equal(BudgetDisabled, c.GetBudget("Nc", 1, ""))

	gate.enabled = false
	require.Equal(BudgetDisabled, c.GetBudget("Nc", 1, "shop.example"))
}

func TestDisabledGate(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c, gate, sub := newTestCoordinator(t)
	c.nowMillis = func() int64 { return testNow }
	gate.enabled = false

	c.RecordImpression(ctx, ImpressionOptions{
		Index:      3,
		Ad:         "shoe",
		TargetHost: "shop.example",
		SourceHost: "news.example",
	})
	require.NoError(c.MeasureConversion(ctx, ConversionOptions{
		Task:          "task-1",
		HistogramSize: 8,
		TargetHost:    "shop.example",
	}))

	// Nothing recorded, nothing submitted, nothing charged.
	require.Empty(sub.reports)
	e := uint64(epoch.FromTimestamp(testNow))

	gate.enabled = true
	require.Equal(1.0, c.GetBudget("Nc", e, "shop.example"))
}

func TestInvalidImpressionDropped(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c, _, sub := newTestCoordinator(t)
	c.nowMillis = func() int64 { return testNow }

	c.RecordImpression(ctx, ImpressionOptions{
		Index:      3,
		Ad:         "shoe",
		TargetHost: "shop.example",
		SourceHost: "not a host",
	})

	require.NoError(c.MeasureConversion(ctx, ConversionOptions{
		Task:          "task-1",
		HistogramSize: 8,
		LookbackDays:  7,
		TargetHost:    "shop.example",
	}))

	// The impression never made it to storage, so the epoch stayed free.
	require.Len(sub.reports, 1)
	e := uint64(epoch.FromTimestamp(testNow))
	require.Equal(1.0, c.GetBudget("Nc", e, "shop.example"))
}

func TestClearBudgets(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)
	c.nowMillis = func() int64 { return testNow }

	c.RecordImpression(ctx, ImpressionOptions{
		Index:      3,
		Ad:         "shoe",
		TargetHost: "shop.example",
		SourceHost: "news.example",
	})
	require.NoError(c.MeasureConversion(ctx, ConversionOptions{
		Task:          "task-1",
		HistogramSize: 8,
		LookbackDays:  7,
		TargetHost:    "shop.example",
	}))

	e := uint64(epoch.FromTimestamp(testNow))
	require.Zero(c.GetBudget("Nc", e, "shop.example"))

	require.NoError(c.ClearBudgets(ctx))
	require.Equal(1.0, c.GetBudget("Nc", e, "shop.example"))

	// The events went with the ledger: measuring again charges nothing.
	require.NoError(c.MeasureConversion(ctx, ConversionOptions{
		Task:          "task-2",
		HistogramSize: 8,
		LookbackDays:  7,
		TargetHost:    "shop.example",
	}))
	require.Equal(1.0, c.GetBudget("Nc", e, "shop.example"))

	// Clearing an already clear state is fine.
	require.NoError(c.ClearBudgets(ctx))
}

func TestAddMockEventAndComputeReportFor(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	ev := event.Event{
		Index:     2,
		Timestamp: testNow,
		Ad:        "hat",
		URIs: event.URIs{
			SourceHost:   "news.example",
			TriggerHosts: []string{"shop.example"},
			QuerierHosts: []string{"shop.example"},
		},
		FilterData: event.PackFilterData("hat", 2),
	}
	require.NoError(c.AddMockEvent(ctx, ev))

	e := epoch.FromTimestamp(testNow)
	res, err := c.ComputeReportFor(ctx, &query.HistogramRequest{
		StartEpoch:           e,
		EndEpoch:             e,
		AttributableValue:    1,
		MaxAttributableValue: 1,
		RequestedEpsilon:     1,
		HistogramSize:        4,
		TriggerHost:          "shop.example",
		QuerierHosts:         []string{"shop.example"},
		Selector: query.NewSelector("shop.example", []string{"shop.example"},
			nil, nil),
	})
	require.NoError(err)
	require.Len(res.Reports, 1)
	require.Equal(1.0, res.Reports[0].Report[2])
	require.Equal(1.0, res.Reports[0].ConsumedEpsilon)
}

func TestMeasureValidation(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)
	c.nowMillis = func() int64 { return testNow }

	err := c.MeasureConversion(ctx, ConversionOptions{
		Task:          "task-1",
		HistogramSize: 8,
		TargetHost:    "",
	})
	require.ErrorIs(err, query.ErrEmptyTarget)

	err = c.MeasureConversion(ctx, ConversionOptions{
		Task:          "task-1",
		HistogramSize: 8,
		TargetHost:    "shop.example",
		SourceHosts:   []string{"-bad-"},
	})
	require.ErrorIs(err, event.ErrInvalidHost)
}
