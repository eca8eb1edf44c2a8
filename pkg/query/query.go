// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package query defines conversion queries, relevance selection over stored
// impressions, and the bounded-sensitivity histogram request they produce.
package query

import (
	"errors"
	"fmt"

	"github.com/luxfi/attribution/pkg/event"
)

var (
	ErrEmptyTarget      = errors.New("conversion query has no target host")
	ErrZeroHistogram    = errors.New("histogram size must be greater than 0")
	ErrBadEpsilon       = errors.New("requested epsilon must be > 0")
	ErrBadSensitivity   = errors.New("attributable values must be >= 0")
	ErrValueOverCap     = errors.New("attributable value exceeds maximum attributable value")
	ErrIndexOutOfRange  = errors.New("histogram index out of range")
	ErrBadEpochRange    = errors.New("start epoch after end epoch")
)

// ConversionQuery is a transient conversion measurement request. It is
// constructed per call and never persisted.
type ConversionQuery struct {
	TargetHost       string
	SourceHosts      []string // empty means any source
	Ads              []string // empty means any ad
	HistogramSize    uint32
	LookbackDays     uint32
	TriggerTimestamp int64 // ms
}

// Validate rejects malformed queries before any state is touched.
func (q *ConversionQuery) Validate() error {
	if q.TargetHost == "" {
		return ErrEmptyTarget
	}
	if err := event.ValidateHost(q.TargetHost); err != nil {
		return err
	}
	if err := event.ValidateHosts(q.SourceHosts); err != nil {
		return err
	}
	if q.HistogramSize == 0 {
		return ErrZeroHistogram
	}
	return nil
}

// Selector decides which stored events are relevant to a conversion.
// Matching is deterministic and side-effect free.
type Selector struct {
	triggerHost  string
	querierHosts []string
	sourceHosts  map[string]struct{} // nil means unrestricted
	adHashes     map[uint32]struct{} // nil means unrestricted
}

// NewSelector builds a selector for a conversion on triggerHost queried by
// querierHosts. Empty sourceHosts or ads leave that dimension unrestricted.
func NewSelector(triggerHost string, querierHosts, sourceHosts, ads []string) Selector {
	s := Selector{
		triggerHost:  triggerHost,
		querierHosts: querierHosts,
	}
	if len(sourceHosts) > 0 {
		s.sourceHosts = make(map[string]struct{}, len(sourceHosts))
		for _, h := range sourceHosts {
			s.sourceHosts[h] = struct{}{}
		}
	}
	if len(ads) > 0 {
		s.adHashes = make(map[uint32]struct{}, len(ads))
		for _, ad := range ads {
			s.adHashes[event.AdHash(ad)] = struct{}{}
		}
	}
	return s
}

// Matches reports whether a single event is relevant.
func (s Selector) Matches(ev *event.Event) bool {
	if !contains(ev.URIs.TriggerHosts, s.triggerHost) {
		return false
	}
	// Every querier of the report must be allowed by the event.
	for _, q := range s.querierHosts {
		if !contains(ev.URIs.QuerierHosts, q) {
			return false
		}
	}
	if s.sourceHosts != nil {
		if _, ok := s.sourceHosts[ev.URIs.SourceHost]; !ok {
			return false
		}
	}
	if s.adHashes != nil {
		if _, ok := s.adHashes[event.FilterDataAdHash(ev.FilterData)]; !ok {
			return false
		}
	}
	return true
}

// Filter returns the relevant subset of events, preserving input order.
func (s Selector) Filter(events []event.Event) []event.Event {
	var out []event.Event
	for i := range events {
		if s.Matches(&events[i]) {
			out = append(out, events[i])
		}
	}
	return out
}

func contains(hosts []string, host string) bool {
	for _, h := range hosts {
		if h == host {
			return true
		}
	}
	return false
}

func (s Selector) String() string {
	return fmt.Sprintf("selector(trigger=%s queriers=%v)", s.triggerHost, s.querierHosts)
}
