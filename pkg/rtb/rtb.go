// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rtb bridges OpenRTB delivery into attribution: a won bid becomes
// a recorded impression, and per-source spend is tracked alongside so
// campaign reporting and attribution reports line up.
package rtb

import (
	"context"
	"errors"
	"sync"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/shopspring/decimal"

	"github.com/luxfi/attribution/pkg/attribution"
	"github.com/luxfi/attribution/pkg/log"
)

var (
	ErrNilBid        = errors.New("nil bid")
	ErrNegativePrice = errors.New("negative bid price")
)

// ImpressionRecorder is the slice of the attribution surface the adapter
// needs. *attribution.Coordinator satisfies it.
type ImpressionRecorder interface {
	RecordImpression(ctx context.Context, opts attribution.ImpressionOptions)
}

// Win is a won OpenRTB bid together with the attribution context the bid
// itself does not carry.
type Win struct {
	Bid *openrtb2.Bid `json:"bid"`

	// SourceHost is the publisher site that displayed the ad.
	SourceHost string `json:"sourceHost"`
	// TargetHost is the advertiser site where conversions happen.
	TargetHost string `json:"targetHost"`
	// Index is the histogram bucket later conversions attribute to.
	Index uint32 `json:"index"`
}

// Adapter records won bids as impressions and accumulates spend per
// source host. Spend uses decimal arithmetic; bid prices are money.
type Adapter struct {
	mu       sync.Mutex
	recorder ImpressionRecorder
	spend    map[string]decimal.Decimal
	log      log.Logger
}

// NewAdapter creates an adapter over the given recorder.
func NewAdapter(recorder ImpressionRecorder, logger log.Logger) *Adapter {
	return &Adapter{
		recorder: recorder,
		spend:    make(map[string]decimal.Decimal),
		log:      logger,
	}
}

// RecordWin books a won bid: spend is accumulated and the impression is
// handed to the attribution store. The creative id keys later ad-filtered
// conversion queries, so it must be stable across the campaign.
func (a *Adapter) RecordWin(ctx context.Context, win Win) error {
	if win.Bid == nil {
		return ErrNilBid
	}
	if win.Bid.Price < 0 {
		return ErrNegativePrice
	}

	ad := win.Bid.AdID
	if ad == "" {
		ad = win.Bid.ID
	}

	a.mu.Lock()
	a.spend[win.SourceHost] = a.spend[win.SourceHost].Add(decimal.NewFromFloat(win.Bid.Price))
	a.mu.Unlock()

	a.recorder.RecordImpression(ctx, attribution.ImpressionOptions{
		Index:      win.Index,
		Ad:         ad,
		TargetHost: win.TargetHost,
		SourceHost: win.SourceHost,
	})

	a.log.Debug("recorded win",
		log.String("ad", ad),
		log.String("source", win.SourceHost),
		log.Float64("price", win.Bid.Price))
	return nil
}

// RecordResponse books every bid in a bid response against one placement.
func (a *Adapter) RecordResponse(ctx context.Context, resp *openrtb2.BidResponse, sourceHost, targetHost string, index uint32) error {
	if resp == nil {
		return ErrNilBid
	}
	for i := range resp.SeatBid {
		for j := range resp.SeatBid[i].Bid {
			win := Win{
				Bid:        &resp.SeatBid[i].Bid[j],
				SourceHost: sourceHost,
				TargetHost: targetHost,
				Index:      index,
			}
			if err := a.RecordWin(ctx, win); err != nil {
				return err
			}
		}
	}
	return nil
}

// Spend returns the accumulated spend for a source host.
func (a *Adapter) Spend(sourceHost string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spend[sourceHost]
}

// TotalSpend returns the spend summed over all source hosts.
func (a *Adapter) TotalSpend() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := decimal.Zero
	for _, v := range a.spend {
		total = total.Add(v)
	}
	return total
}
