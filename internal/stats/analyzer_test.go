package stats

import (
	"math"
	"testing"
)

func TestCalculateSignificance_ClearWin(t *testing.T) {
	a := NewAnalyzer(30)

	// 40% vs 55% over 100 calls each.
	sig := a.CalculateSignificance(40, 100, 55, 100)

	if !sig.MinSampleMet {
		t.Fatal("MinSampleMet = false, want true")
	}
	if sig.ZScore != 2.12 {
		t.Errorf("ZScore = %v, want 2.12", sig.ZScore)
	}
	if sig.PValue != 0.0337 {
		t.Errorf("PValue = %v, want 0.0337", sig.PValue)
	}
	if !sig.IsSignificant {
		t.Error("IsSignificant = false, want true")
	}
	if sig.Improvement != 15.0 {
		t.Errorf("Improvement = %v, want 15.0", sig.Improvement)
	}
	if sig.ConfidenceLevel != 96.6 {
		t.Errorf("ConfidenceLevel = %v, want 96.6", sig.ConfidenceLevel)
	}
	if sig.Message != "" {
		t.Errorf("Message = %q, want empty", sig.Message)
	}
}

func TestCalculateSignificance_MinSampleSentinel(t *testing.T) {
	a := NewAnalyzer(30)

	sig := a.CalculateSignificance(5, 20, 8, 25)

	if sig.MinSampleMet {
		t.Error("MinSampleMet = true, want false")
	}
	if sig.IsSignificant {
		t.Error("IsSignificant = true, want false")
	}
	if sig.PValue != 1.0 {
		t.Errorf("PValue = %v, want 1.0", sig.PValue)
	}
	if sig.ConfidenceLevel != 0 {
		t.Errorf("ConfidenceLevel = %v, want 0", sig.ConfidenceLevel)
	}
	if sig.ZScore != 0 {
		t.Errorf("ZScore = %v, want 0", sig.ZScore)
	}
	if sig.Improvement != 0 {
		t.Errorf("Improvement = %v, want 0", sig.Improvement)
	}
	want := "Need 30+ calls per group (control=20, variant=25)"
	if sig.Message != want {
		t.Errorf("Message = %q, want %q", sig.Message, want)
	}
}

func TestCalculateSignificance_OneArmBelowMinimum(t *testing.T) {
	a := NewAnalyzer(30)

	sig := a.CalculateSignificance(40, 100, 10, 29)
	if sig.MinSampleMet {
		t.Error("MinSampleMet = true with 29 variant calls, want false")
	}

	sig = a.CalculateSignificance(12, 30, 15, 30)
	if !sig.MinSampleMet {
		t.Error("MinSampleMet = false with exactly 30 per arm, want true")
	}
}

func TestCalculateSignificance_IdenticalArms(t *testing.T) {
	a := NewAnalyzer(30)

	sig := a.CalculateSignificance(50, 100, 50, 100)

	if sig.ZScore != 0 {
		t.Errorf("ZScore = %v, want 0", sig.ZScore)
	}
	if sig.PValue != 1.0 {
		t.Errorf("PValue = %v, want 1.0", sig.PValue)
	}
	if sig.IsSignificant {
		t.Error("IsSignificant = true for identical arms")
	}
	if sig.Improvement != 0 {
		t.Errorf("Improvement = %v, want 0", sig.Improvement)
	}
}

func TestCalculateSignificance_DegenerateRates(t *testing.T) {
	a := NewAnalyzer(30)

	// All successes in both arms gives a zero standard error; must not
	// divide by zero.
	sig := a.CalculateSignificance(100, 100, 100, 100)
	if sig.ZScore != 0 {
		t.Errorf("ZScore = %v, want 0", sig.ZScore)
	}
	if math.IsNaN(sig.PValue) {
		t.Error("PValue is NaN")
	}

	sig = a.CalculateSignificance(0, 100, 0, 100)
	if sig.ZScore != 0 {
		t.Errorf("ZScore = %v, want 0", sig.ZScore)
	}
}

func TestCalculateSignificance_VariantWorse(t *testing.T) {
	a := NewAnalyzer(30)

	sig := a.CalculateSignificance(55, 100, 40, 100)

	if sig.Improvement != -15.0 {
		t.Errorf("Improvement = %v, want -15.0", sig.Improvement)
	}
	if sig.ZScore != -2.12 {
		t.Errorf("ZScore = %v, want -2.12", sig.ZScore)
	}
	// Two-tailed: a loss of the same magnitude is equally significant.
	if !sig.IsSignificant {
		t.Error("IsSignificant = false, want true")
	}
}

func TestCalculateSignificance_CustomMinimum(t *testing.T) {
	a := NewAnalyzer(50)

	sig := a.CalculateSignificance(20, 40, 25, 40)
	if sig.MinSampleMet {
		t.Error("MinSampleMet = true with 40 per arm and minimum 50")
	}
	want := "Need 50+ calls per group (control=40, variant=40)"
	if sig.Message != want {
		t.Errorf("Message = %q, want %q", sig.Message, want)
	}
}

func TestProjectAnnualImpact(t *testing.T) {
	a := NewAnalyzer(30)

	p := a.ProjectAnnualImpact(1000, 0.08, 20)

	if p.AdditionalCallsMonthly != 80 {
		t.Errorf("AdditionalCallsMonthly = %d, want 80", p.AdditionalCallsMonthly)
	}
	if p.AdditionalCallsAnnual != 960 {
		t.Errorf("AdditionalCallsAnnual = %d, want 960", p.AdditionalCallsAnnual)
	}
	if p.RevenueMonthly != 1600 {
		t.Errorf("RevenueMonthly = %v, want 1600", p.RevenueMonthly)
	}
	if p.RevenueAnnual != 19200 {
		t.Errorf("RevenueAnnual = %v, want 19200", p.RevenueAnnual)
	}
}

func TestProjectAnnualImpact_ZeroImprovement(t *testing.T) {
	a := NewAnalyzer(30)

	p := a.ProjectAnnualImpact(1000, 0, 20)
	if p.AdditionalCallsMonthly != 0 || p.RevenueAnnual != 0 {
		t.Errorf("zero improvement projection = %+v, want zeros", p)
	}
}

func TestNewAnalyzer_DefaultMinimum(t *testing.T) {
	a := NewAnalyzer(0)
	if a.MinSamplePerArm != 30 {
		t.Errorf("MinSamplePerArm = %d, want 30", a.MinSamplePerArm)
	}
}
