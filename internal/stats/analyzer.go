// Package stats implements the statistical decision engine for A/B tests:
// a pooled two-proportion z-test and revenue impact projection.
//
// Everything here is a pure function of its inputs; the package holds no
// state and never touches the network or the database.
package stats

import (
	"fmt"
	"math"
)

// Significance is the outcome of a two-proportion z-test.
type Significance struct {
	ConfidenceLevel float64 `json:"confidence_level"` // 0-100
	PValue          float64 `json:"p_value"`
	IsSignificant   bool    `json:"is_significant"` // p < 0.05
	MinSampleMet    bool    `json:"min_sample_met"`
	ZScore          float64 `json:"z_score"`
	Improvement     float64 `json:"improvement"` // percentage points, variant - control
	Message         string  `json:"message,omitempty"`
}

// Projection is an annualized impact estimate for a measured improvement.
type Projection struct {
	AdditionalCallsMonthly int     `json:"additional_calls_monthly"`
	AdditionalCallsAnnual  int     `json:"additional_calls_annual"`
	RevenueMonthly         float64 `json:"revenue_monthly"`
	RevenueAnnual          float64 `json:"revenue_annual"`
}

// Analyzer computes significance and projections. MinSamplePerArm is a
// product constant (default 30), injected so the decision policy stays
// tunable without touching this code.
type Analyzer struct {
	MinSamplePerArm int
}

// NewAnalyzer creates an analyzer with the given per-arm sample minimum.
func NewAnalyzer(minSamplePerArm int) *Analyzer {
	if minSamplePerArm <= 0 {
		minSamplePerArm = 30
	}
	return &Analyzer{MinSamplePerArm: minSamplePerArm}
}

// CalculateSignificance runs a pooled two-proportion z-test on the two
// arms. When either arm is below the sample minimum it returns the
// "not enough data" sentinel rather than an error.
func (a *Analyzer) CalculateSignificance(controlSuccesses, controlTotal, variantSuccesses, variantTotal int) Significance {
	if controlTotal < a.MinSamplePerArm || variantTotal < a.MinSamplePerArm {
		return Significance{
			ConfidenceLevel: 0,
			PValue:          1.0,
			IsSignificant:   false,
			MinSampleMet:    false,
			ZScore:          0,
			Improvement:     0,
			Message: fmt.Sprintf("Need %d+ calls per group (control=%d, variant=%d)",
				a.MinSamplePerArm, controlTotal, variantTotal),
		}
	}

	p1 := float64(controlSuccesses) / float64(controlTotal)
	p2 := float64(variantSuccesses) / float64(variantTotal)

	pPool := float64(controlSuccesses+variantSuccesses) / float64(controlTotal+variantTotal)
	se := math.Sqrt(pPool * (1 - pPool) * (1/float64(controlTotal) + 1/float64(variantTotal)))

	z := 0.0
	if se > 0 {
		z = (p2 - p1) / se
	}

	pValue := 2 * (1 - normalCDF(math.Abs(z)))
	confidence := (1 - pValue) * 100

	return Significance{
		ConfidenceLevel: round1(confidence),
		PValue:          round4(pValue),
		IsSignificant:   pValue < 0.05,
		MinSampleMet:    true,
		ZScore:          round2(z),
		Improvement:     round1((p2 - p1) * 100),
	}
}

// ProjectAnnualImpact projects the call and revenue gain from a measured
// improvement. improvementRate is a fraction (0.08 for 8 percentage
// points); callers clamp negative improvement to 0 before projecting.
func (a *Analyzer) ProjectAnnualImpact(monthlyCalls int, improvementRate, revenuePerCall float64) Projection {
	additionalMonthly := float64(monthlyCalls) * improvementRate
	additionalAnnual := additionalMonthly * 12

	return Projection{
		AdditionalCallsMonthly: int(additionalMonthly),
		AdditionalCallsAnnual:  int(additionalAnnual),
		RevenueMonthly:         round2(additionalMonthly * revenuePerCall),
		RevenueAnnual:          round2(additionalAnnual * revenuePerCall),
	}
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
