// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package budget

import (
	"errors"
	"fmt"

	"github.com/luxfi/attribution/pkg/epoch"
)

var ErrUnknownFilterKind = errors.New("unknown filter kind")

// Kind identifies which privacy property a filter protects.
type Kind uint8

const (
	// KindNc is the per-querier non-collusion filter.
	KindNc Kind = iota
	// KindC is the collusion filter tracking overall privacy loss.
	KindC
	// KindQTrigger is the quota filter regulating collusion-budget
	// consumption per trigger host.
	KindQTrigger
	// KindQSource is the quota filter regulating collusion-budget
	// consumption per source host.
	KindQSource
)

func (k Kind) String() string {
	switch k {
	case KindNc:
		return "Nc"
	case KindC:
		return "C"
	case KindQTrigger:
		return "QTrigger"
	case KindQSource:
		return "QSource"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind parses the caller-facing filter type string.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "Nc":
		return KindNc, nil
	case "C":
		return KindC, nil
	case "QTrigger":
		return KindQTrigger, nil
	case "QSource":
		return KindQSource, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFilterKind, s)
	}
}

// FilterID identifies one ledger entry: a filter kind, the epoch it guards,
// and the caller identity it is scoped to. Host is empty for KindC, which
// is scoped to the epoch alone.
type FilterID struct {
	Kind  Kind
	Epoch epoch.Epoch
	Host  string
}

// NcID returns the non-collusion filter id for a querier host.
func NcID(e epoch.Epoch, querierHost string) FilterID {
	return FilterID{Kind: KindNc, Epoch: e, Host: querierHost}
}

// CID returns the collusion filter id for an epoch.
func CID(e epoch.Epoch) FilterID {
	return FilterID{Kind: KindC, Epoch: e}
}

// QTriggerID returns the trigger-quota filter id for a trigger host.
func QTriggerID(e epoch.Epoch, triggerHost string) FilterID {
	return FilterID{Kind: KindQTrigger, Epoch: e, Host: triggerHost}
}

// QSourceID returns the source-quota filter id for a source host.
func QSourceID(e epoch.Epoch, sourceHost string) FilterID {
	return FilterID{Kind: KindQSource, Epoch: e, Host: sourceHost}
}

// Key returns the ledger storage key for the filter. Hosts are validated
// before they reach a FilterID, so the separator cannot collide.
func (id FilterID) Key() []byte {
	return []byte(fmt.Sprintf("%s/%d/%s", id.Kind, id.Epoch, id.Host))
}

func (id FilterID) String() string {
	if id.Kind == KindC {
		return fmt.Sprintf("%s(%d)", id.Kind, id.Epoch)
	}
	return fmt.Sprintf("%s(%d, %s)", id.Kind, id.Epoch, id.Host)
}

// Capacities holds the per-kind filter capacity used when a filter is
// lazily created on first touch.
type Capacities struct {
	Nc       Budget
	C        Budget
	QTrigger Budget
	QSource  Budget
}

// DefaultCapacities returns the default per-epoch capacities.
func DefaultCapacities() Capacities {
	return Capacities{
		Nc:       Epsilon(1.0),
		C:        Epsilon(8.0),
		QTrigger: Epsilon(2.0),
		QSource:  Epsilon(4.0),
	}
}

// For returns the capacity for a filter kind.
func (c Capacities) For(k Kind) Budget {
	switch k {
	case KindNc:
		return c.Nc
	case KindC:
		return c.C
	case KindQTrigger:
		return c.QTrigger
	case KindQSource:
		return c.QSource
	default:
		return Epsilon(0)
	}
}
