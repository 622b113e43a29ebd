package monitoring

import (
	"testing"
)

func TestSLATypeDirection(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	lower := []SLAType{SLAErrorRate, SLALatency, SLAFreshness}
	for _, typ := range lower {
		if !typ.LowerIsBetter() {
			t.Errorf("expected %q to be lower-is-better", typ)
		}
	}

	higher := []SLAType{SLAAvailability, SLASuccessRate, SLAThroughput, SLAQuality}
	for _, typ := range higher {
		if typ.LowerIsBetter() {
			t.Errorf("expected %q to be higher-is-better", typ)
		}
	}
}

func TestSLATypeIsValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	all := []SLAType{
		SLAAvailability, SLASuccessRate, SLAErrorRate, SLALatency,
		SLAThroughput, SLAQuality, SLAFreshness,
	}

	for _, typ := range all {
		if !typ.IsValid() {
			t.Errorf("expected %q to be valid", typ)
		}
	}

	if SLAType("uptime").IsValid() {
		t.Error("expected unknown type to be invalid")
	}
}

func TestClassifySLAHigherIsBetter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	def := &SLADefinition{
		Type:             SLASuccessRate,
		TargetValue:      95,
		WarningThreshold: 85,
	}

	tests := []struct {
		name   string
		actual float64
		want   SLAStatus
	}{
		{"above target", 99, SLACompliant},
		{"at target", 95, SLACompliant},
		{"in warning band", 90, SLAAtRisk},
		{"at warning threshold", 85, SLAAtRisk},
		{"below warning", 80, SLABreached},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifySLA(def, tt.actual); got != tt.want {
				t.Errorf("classifySLA(%v) = %q, want %q", tt.actual, got, tt.want)
			}
		})
	}
}

func TestClassifySLALowerIsBetter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	def := &SLADefinition{
		Type:             SLALatency,
		TargetValue:      1000,
		WarningThreshold: 2000,
	}

	tests := []struct {
		name   string
		actual float64
		want   SLAStatus
	}{
		{"below target", 500, SLACompliant},
		{"at target", 1000, SLACompliant},
		{"in warning band", 1500, SLAAtRisk},
		{"at warning threshold", 2000, SLAAtRisk},
		{"above warning", 2500, SLABreached},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifySLA(def, tt.actual); got != tt.want {
				t.Errorf("classifySLA(%v) = %q, want %q", tt.actual, got, tt.want)
			}
		})
	}
}

func TestFailsCritical(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	latency := &SLADefinition{Type: SLALatency, CriticalThreshold: 5000}
	if !failsCritical(latency, 6000) {
		t.Error("expected latency past the critical threshold to fail")
	}
	if failsCritical(latency, 5000) {
		t.Error("expected latency at the critical threshold to pass")
	}

	rate := &SLADefinition{Type: SLASuccessRate, CriticalThreshold: 50}
	if !failsCritical(rate, 40) {
		t.Error("expected success rate below the critical threshold to fail")
	}
	if failsCritical(rate, 50) {
		t.Error("expected success rate at the critical threshold to pass")
	}

	unset := &SLADefinition{Type: SLALatency}
	if failsCritical(unset, 1e9) {
		t.Error("expected an unset critical threshold to never match")
	}
}
