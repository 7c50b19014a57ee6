package keypool

import (
	"testing"
)

func candidate(id string, weight int, active bool, state CircuitState) Candidate {
	return Candidate{
		Record:  KeyRecord{ID: id, Weight: weight, Active: active},
		Circuit: CircuitSnapshot{State: state},
	}
}

func TestEligible(t *testing.T) {
	cases := []struct {
		name   string
		active bool
		state  CircuitState
		want   bool
	}{
		{"active closed", true, CircuitClosed, true},
		{"active half-open", true, CircuitHalfOpen, true},
		{"active open", true, CircuitOpen, false},
		{"disabled closed", false, CircuitClosed, false},
		{"disabled half-open", false, CircuitHalfOpen, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := candidate("k", 1, tc.active, tc.state)
			if got := Eligible(c.Record, c.Circuit); got != tc.want {
				t.Errorf("Eligible = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPickWeightedEmpty(t *testing.T) {
	if _, ok := PickWeighted(nil); ok {
		t.Error("expected no pick from empty candidates")
	}
	if _, ok := PickWeighted([]Candidate{candidate("k", 1, true, CircuitOpen)}); ok {
		t.Error("expected no pick when all candidates are ineligible")
	}
}

func TestPickWeightedOnlyEligible(t *testing.T) {
	cands := []Candidate{
		candidate("open", 100, true, CircuitOpen),
		candidate("disabled", 100, false, CircuitClosed),
		candidate("ok", 1, true, CircuitClosed),
	}
	for i := 0; i < 50; i++ {
		id, ok := PickWeighted(cands)
		if !ok {
			t.Fatal("expected a pick")
		}
		if id != "ok" {
			t.Fatalf("picked ineligible key %q", id)
		}
	}
}

func TestPickWeightedDistribution(t *testing.T) {
	// heavy has weight 9 versus 1; over many draws it must clearly dominate.
	cands := []Candidate{
		candidate("heavy", 9, true, CircuitClosed),
		candidate("light", 1, true, CircuitClosed),
	}

	const draws = 2000
	heavy := 0
	for i := 0; i < draws; i++ {
		id, ok := PickWeighted(cands)
		if !ok {
			t.Fatal("expected a pick")
		}
		if id == "heavy" {
			heavy++
		}
	}
	// Expected ~90%; anything above 75% rules out uniform selection without
	// flaking.
	if heavy < draws*3/4 {
		t.Errorf("heavy picked %d/%d times, expected roughly 90%%", heavy, draws)
	}
}

func TestPickWeightedDefaultsZeroWeight(t *testing.T) {
	cands := []Candidate{candidate("k", 0, true, CircuitClosed)}
	id, ok := PickWeighted(cands)
	if !ok || id != "k" {
		t.Errorf("pick = %q/%v, want k/true", id, ok)
	}
}
