// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package noise implements the Laplace mechanism applied to histogram
// reports before they leave the device.
package noise

import (
	"crypto/rand"
	"encoding/binary"
	"math"
)

// Laplace draws noise with the given scale from a cryptographic source.
// A zero or negative scale disables noise; the privacy accounting treats
// such requests as consuming infinite budget, so they can only pass
// filters configured with infinite capacity.
type Laplace struct {
	scale float64
}

// NewLaplace creates a sampler with the given scale.
func NewLaplace(scale float64) *Laplace {
	return &Laplace{scale: scale}
}

// Sample draws one value from Laplace(0, scale).
func (l *Laplace) Sample() float64 {
	if l.scale <= 0 {
		return 0
	}

	// Uniform in (-0.5, 0.5), then invert the Laplace CDF.
	u := uniform() - 0.5
	if u < 0 {
		return l.scale * math.Log(1+2*u)
	}
	return -l.scale * math.Log(1-2*u)
}

// Perturb returns a copy of values with independent noise added to every
// bucket.
func (l *Laplace) Perturb(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v + l.Sample()
	}
	return out
}

// uniform returns a uniform float in (0, 1).
func uniform() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failure is unrecoverable; fall back to 0.5,
		// which maps to zero noise rather than unbounded noise.
		return 0.5
	}
	// 53 bits of precision, shifted into (0, 1).
	v := binary.BigEndian.Uint64(buf[:]) >> 11
	return (float64(v) + 0.5) / (1 << 53)
}
