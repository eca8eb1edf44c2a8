// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package epoch partitions the millisecond timeline into fixed-length
// buckets. Budget accounting is keyed by epoch number, so the numbering
// must be stable across restarts: epoch boundaries are never redefined.
package epoch

import "time"

// All timestamps are in milliseconds since the Unix epoch, to match
// JS Date.now() on the page that records impressions.

const (
	// DayMillis is one day in milliseconds.
	DayMillis = int64(24 * time.Hour / time.Millisecond)

	// DurationMillis is the fixed epoch length: 7 days.
	DurationMillis = 7 * DayMillis
)

// Epoch is an index on the monotonically increasing epoch line.
type Epoch uint64

// FromTimestamp returns the epoch containing the given ms timestamp.
// Timestamps before the Unix epoch map to epoch 0.
func FromTimestamp(ms int64) Epoch {
	if ms < 0 {
		return 0
	}
	return Epoch(ms / DurationMillis)
}

// FromTime returns the epoch containing t.
func FromTime(t time.Time) Epoch {
	return FromTimestamp(t.UnixMilli())
}

// Now returns the current epoch.
func Now() Epoch {
	return FromTime(time.Now())
}

// TimestampNow returns the current time in milliseconds.
func TimestampNow() int64 {
	return time.Now().UnixMilli()
}

// DaysAgo returns the epoch containing now minus the given number of days.
func DaysAgo(days uint32, now int64) Epoch {
	target := now - int64(days)*DayMillis
	return FromTimestamp(target)
}

// StartTimestamp returns the ms timestamp at which e begins.
func StartTimestamp(e Epoch) int64 {
	return int64(e) * DurationMillis
}
