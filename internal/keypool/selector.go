package keypool

import (
	"crypto/rand"
	"math/big"
)

// Candidate pairs a record with its circuit snapshot for selection.
type Candidate struct {
	Record  KeyRecord
	Circuit CircuitSnapshot
}

// Eligible reports whether a key may be selected: administratively active
// and circuit CLOSED or HALF_OPEN.
func Eligible(record KeyRecord, circuit CircuitSnapshot) bool {
	if !record.Active {
		return false
	}
	return circuit.State == CircuitClosed || circuit.State == CircuitHalfOpen
}

// PickWeighted draws one id from the eligible candidates, each expanded by
// its integer weight into a virtual pool sampled uniformly with crypto/rand.
// Returns false when no candidate is eligible.
func PickWeighted(candidates []Candidate) (string, bool) {
	total := 0
	for _, c := range candidates {
		if !Eligible(c.Record, c.Circuit) {
			continue
		}
		w := c.Record.Weight
		if w < 1 {
			w = 1
		}
		total += w
	}
	if total == 0 {
		return "", false
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(total)))
	if err != nil {
		// crypto/rand read failure is not recoverable per-request; fall back
		// to the first eligible candidate.
		for _, c := range candidates {
			if Eligible(c.Record, c.Circuit) {
				return c.Record.ID, true
			}
		}
		return "", false
	}

	target := int(n.Int64())
	for _, c := range candidates {
		if !Eligible(c.Record, c.Circuit) {
			continue
		}
		w := c.Record.Weight
		if w < 1 {
			w = 1
		}
		if target < w {
			return c.Record.ID, true
		}
		target -= w
	}
	return "", false
}
