// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/attribution/pkg/event"
)

func impression(source, target, ad string, index uint32) event.Event {
	return event.Event{
		ID:         ad,
		Index:      index,
		Ad:         ad,
		FilterData: event.PackFilterData(ad, index),
		URIs: event.URIs{
			SourceHost:   source,
			TriggerHosts: []string{target},
			QuerierHosts: []string{target},
		},
	}
}

func TestSelectorMatching(t *testing.T) {
	require := require.New(t)

	events := []event.Event{
		impression("news.example", "shop.example", "shoe", 1),
		impression("blog.example", "shop.example", "shoe", 2),
		impression("news.example", "other.example", "shoe", 3),
		impression("news.example", "shop.example", "hat", 4),
	}

	// Target + ad match, any source.
	s := NewSelector("shop.example", []string{"shop.example"}, nil, []string{"shoe"})
	got := s.Filter(events)
	require.Len(got, 2)
	require.Equal(uint32(1), got[0].Index) // input order preserved
	require.Equal(uint32(2), got[1].Index)

	// Source allow-list restricts further.
	s = NewSelector("shop.example", []string{"shop.example"},
		[]string{"news.example"}, []string{"shoe"})
	got = s.Filter(events)
	require.Len(got, 1)
	require.Equal(uint32(1), got[0].Index)

	// Unrestricted ads match everything on the target.
	s = NewSelector("shop.example", []string{"shop.example"}, nil, nil)
	require.Len(s.Filter(events), 3)

	// A querier the event does not allow excludes it.
	s = NewSelector("shop.example", []string{"tracker.example"}, nil, nil)
	require.Empty(s.Filter(events))
}

func TestSelectorDeterministic(t *testing.T) {
	require := require.New(t)

	events := []event.Event{
		impression("news.example", "shop.example", "shoe", 1),
	}
	s := NewSelector("shop.example", []string{"shop.example"}, nil, []string{"shoe"})

	first := s.Filter(events)
	second := s.Filter(events)
	require.Equal(first, second)
	require.Len(first, 1)
}

func TestConversionQueryValidate(t *testing.T) {
	require := require.New(t)

	q := &ConversionQuery{
		TargetHost:    "shop.example",
		HistogramSize: 8,
		LookbackDays:  7,
	}
	require.NoError(q.Validate())

	bad := *q
	bad.TargetHost = ""
	require.ErrorIs(bad.Validate(), ErrEmptyTarget)

	bad = *q
	bad.TargetHost = "not a host"
	require.ErrorIs(bad.Validate(), event.ErrInvalidHost)

	bad = *q
	bad.SourceHosts = []string{"news.example", "-bad-"}
	require.ErrorIs(bad.Validate(), event.ErrInvalidHost)

	bad = *q
	bad.HistogramSize = 0
	require.ErrorIs(bad.Validate(), ErrZeroHistogram)
}

func TestHistogramRequestValidate(t *testing.T) {
	require := require.New(t)

	base := HistogramRequest{
		StartEpoch:           1,
		EndEpoch:             3,
		AttributableValue:    1,
		MaxAttributableValue: 1,
		RequestedEpsilon:     1,
		HistogramSize:        8,
	}
	require.NoError(base.Validate())

	r := base
	r.StartEpoch, r.EndEpoch = 3, 1
	require.ErrorIs(r.Validate(), ErrBadEpochRange)

	r = base
	r.RequestedEpsilon = 0
	require.ErrorIs(r.Validate(), ErrBadEpsilon)

	r = base
	r.AttributableValue = 2
	require.ErrorIs(r.Validate(), ErrValueOverCap)

	r = base
	r.AttributableValue = -1
	require.ErrorIs(r.Validate(), ErrBadSensitivity)

	r = base
	r.HistogramSize = 0
	require.ErrorIs(r.Validate(), ErrZeroHistogram)
}

func TestBuildEpochReportSingleImpression(t *testing.T) {
	require := require.New(t)

	r := HistogramRequest{
		StartEpoch:           1,
		EndEpoch:             1,
		AttributableValue:    1,
		MaxAttributableValue: 1,
		RequestedEpsilon:     1,
		HistogramSize:        8,
	}

	report, err := r.BuildEpochReport([]event.Event{
		impression("news.example", "shop.example", "shoe", 3),
	})
	require.NoError(err)
	require.Len(report, 8)
	require.Equal(1.0, report[3])
	require.Equal(1.0, report.L1())
	for i, v := range report {
		if i != 3 {
			require.Zero(v)
		}
	}
}

func TestBuildEpochReportLastTouchUnderCap(t *testing.T) {
	require := require.New(t)

	r := HistogramRequest{
		StartEpoch:           1,
		EndEpoch:             1,
		AttributableValue:    1,
		MaxAttributableValue: 1,
		RequestedEpsilon:     1,
		HistogramSize:        8,
	}

	// Two impressions; the cap admits only one full contribution, and the
	// most recent one wins.
	report, err := r.BuildEpochReport([]event.Event{
		impression("news.example", "shop.example", "shoe", 2),
		impression("news.example", "shop.example", "shoe", 5),
	})
	require.NoError(err)
	require.Equal(1.0, report[5])
	require.Zero(report[2])
}

func TestBuildEpochReportAggregatesWithinCap(t *testing.T) {
	require := require.New(t)

	r := HistogramRequest{
		StartEpoch:           1,
		EndEpoch:             1,
		AttributableValue:    0.25,
		MaxAttributableValue: 1,
		RequestedEpsilon:     1,
		HistogramSize:        4,
	}

	report, err := r.BuildEpochReport([]event.Event{
		impression("news.example", "shop.example", "a", 0),
		impression("news.example", "shop.example", "b", 1),
		impression("news.example", "shop.example", "c", 1),
	})
	require.NoError(err)
	require.Equal(0.25, report[0])
	require.Equal(0.5, report[1])
	require.InDelta(0.75, report.L1(), 1e-12)
}

func TestBuildEpochReportIndexOutOfRange(t *testing.T) {
	require := require.New(t)

	r := HistogramRequest{
		StartEpoch:           1,
		EndEpoch:             1,
		AttributableValue:    1,
		MaxAttributableValue: 1,
		RequestedEpsilon:     1,
		HistogramSize:        4,
	}

	_, err := r.BuildEpochReport([]event.Event{
		impression("news.example", "shop.example", "shoe", 9),
	})
	require.ErrorIs(err, ErrIndexOutOfRange)
}

func TestBuildEpochReportEmpty(t *testing.T) {
	require := require.New(t)

	r := HistogramRequest{
		StartEpoch:           1,
		EndEpoch:             1,
		AttributableValue:    1,
		MaxAttributableValue: 1,
		RequestedEpsilon:     1,
		HistogramSize:        3,
	}
	report, err := r.BuildEpochReport(nil)
	require.NoError(err)
	require.True(report.IsEmpty())
	require.Len(report, 3)
}

func TestNoiseScale(t *testing.T) {
	require := require.New(t)

	r := HistogramRequest{
		MaxAttributableValue: 2,
		RequestedEpsilon:     0.5,
	}
	require.Equal(4.0, r.NoiseScale())
}
