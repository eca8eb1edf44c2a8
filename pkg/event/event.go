// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package event defines the impression event recorded on-device. Events are
// immutable once stored: they are removed only by an explicit clear or by
// epoch retention, never mutated.
package event

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrEmptyHost   = errors.New("empty host name")
	ErrInvalidHost = errors.New("invalid host name")
)

// URIs carries the parties associated with an event: who recorded it, who
// may trigger a report that includes it, and who may receive such a report.
type URIs struct {
	SourceHost        string   `json:"sourceHost"`
	TriggerHosts      []string `json:"triggerHosts"`
	IntermediaryHosts []string `json:"intermediaryHosts,omitempty"`
	QuerierHosts      []string `json:"querierHosts"`
}

// Event is a stored impression.
type Event struct {
	ID        string `json:"id"`
	Index     uint32 `json:"index"`
	Timestamp int64  `json:"timestamp"` // ms
	Epoch     uint64 `json:"epoch"`
	Ad        string `json:"ad"`
	URIs      URIs   `json:"uris"`

	// FilterData packs the hashed ad identifier in the upper 32 bits and
	// the histogram index in the lower 32 bits. Queries match on the
	// upper half only.
	FilterData uint64 `json:"filterData"`
}

// SourceHost returns the host that recorded the event.
func (e *Event) SourceHost() string {
	return e.URIs.SourceHost
}

// TargetHost returns the primary trigger host of the event.
func (e *Event) TargetHost() string {
	if len(e.URIs.TriggerHosts) == 0 {
		return ""
	}
	return e.URIs.TriggerHosts[0]
}

// AdHash returns a stable 32-bit hash of an ad identifier. The hash must
// not change across process restarts, since stored events are matched
// against it on later conversions.
func AdHash(ad string) uint32 {
	sum := blake2b.Sum256([]byte(ad))
	return uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
}

// PackFilterData combines an ad identifier and a histogram index into the
// event's filter data word.
func PackFilterData(ad string, index uint32) uint64 {
	return uint64(AdHash(ad))<<32 | uint64(index)
}

// FilterDataAdHash extracts the ad hash half of a filter data word.
func FilterDataAdHash(filterData uint64) uint32 {
	return uint32(filterData >> 32)
}

// ValidateHost rejects strings that are not plausible DNS host names.
// Every host must pass this check before it is used in any storage or
// ledger key; an unvalidated key would corrupt epoch bucketing irreversibly.
func ValidateHost(host string) error {
	if len(host) == 0 {
		return ErrEmptyHost
	}
	if len(host) > 253 {
		return fmt.Errorf("%w: %q exceeds 253 characters", ErrInvalidHost, host)
	}

	labelLen := 0
	for i := 0; i < len(host); i++ {
		c := host[i]
		switch {
		case c == '.':
			if labelLen == 0 {
				return fmt.Errorf("%w: %q has an empty label", ErrInvalidHost, host)
			}
			if host[i-1] == '-' {
				return fmt.Errorf("%w: %q label ends with hyphen", ErrInvalidHost, host)
			}
			labelLen = 0
		case c == '-':
			if labelLen == 0 {
				return fmt.Errorf("%w: %q label starts with hyphen", ErrInvalidHost, host)
			}
			labelLen++
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			labelLen++
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidHost, host, c)
		}
		if labelLen > 63 {
			return fmt.Errorf("%w: %q label exceeds 63 characters", ErrInvalidHost, host)
		}
	}
	if labelLen == 0 {
		return fmt.Errorf("%w: %q has an empty label", ErrInvalidHost, host)
	}
	if host[len(host)-1] == '-' {
		return fmt.Errorf("%w: %q label ends with hyphen", ErrInvalidHost, host)
	}
	return nil
}

// ValidateHosts validates every host in the slice.
func ValidateHosts(hosts []string) error {
	for _, h := range hosts {
		if err := ValidateHost(h); err != nil {
			return err
		}
	}
	return nil
}
