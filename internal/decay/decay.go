// Package decay implements the forgetting model: estimating how likely a
// learner is to fail a topic right now, and scheduling the next spaced
// review. All functions are pure and safe to call from any goroutine.
package decay

import (
	"math"
	"time"
)

// Params holds the tunable constants of the forgetting model, in days.
// Zero values are replaced with the defaults from DefaultParams.
type Params struct {
	// MinTau and MaxTau bound the memory time constant τ(mastery).
	// Well-mastered topics decay with a longer τ, so they are forgotten slower.
	MinTau float64
	MaxTau float64

	// MinInterval and MaxInterval clamp the spaced review interval so
	// low-mastery topics resurface within a day and high-mastery topics
	// are still reviewed before the ceiling.
	MinInterval float64
	MaxInterval float64

	// IntervalGamma shapes how fast the interval grows with mastery.
	// Values above 1 keep intervals short until mastery is solid.
	IntervalGamma float64
}

// DefaultParams returns the model constants used in production.
func DefaultParams() Params {
	return Params{
		MinTau:        2,
		MaxTau:        60,
		MinInterval:   1,
		MaxInterval:   60,
		IntervalGamma: 1.8,
	}
}

// Model evaluates forgetting risk and review scheduling for a Params set.
type Model struct {
	p Params
}

// New creates a Model. Zero-valued fields in p fall back to defaults.
func New(p Params) Model {
	d := DefaultParams()
	if p.MinTau <= 0 {
		p.MinTau = d.MinTau
	}
	if p.MaxTau <= 0 {
		p.MaxTau = d.MaxTau
	}
	if p.MinInterval <= 0 {
		p.MinInterval = d.MinInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.IntervalGamma <= 0 {
		p.IntervalGamma = d.IntervalGamma
	}
	return Model{p: p}
}

// ForgettingRisk estimates the probability the learner would fail a question
// on the topic right now: risk = 1 − mastery·e^(−elapsed/τ(mastery)).
// A topic that was never reviewed (zero lastReviewedAt) is maximally urgent.
func (m Model) ForgettingRisk(mastery float64, lastReviewedAt time.Time, now time.Time) float64 {
	return m.ForgettingRiskAt(mastery, lastReviewedAt, now)
}

// ForgettingRiskAt evaluates the same formula at an arbitrary point in time,
// producing forward-looking decay forecasts. ForgettingRiskAt(m, last, now)
// equals ForgettingRisk(m, last, now) by construction.
func (m Model) ForgettingRiskAt(mastery float64, lastReviewedAt time.Time, at time.Time) float64 {
	if lastReviewedAt.IsZero() {
		return 1
	}
	mastery = clamp01(mastery)

	elapsed := at.Sub(lastReviewedAt).Hours() / 24
	if elapsed < 0 {
		elapsed = 0
	}

	tau := m.p.MinTau + (m.p.MaxTau-m.p.MinTau)*mastery
	risk := 1 - mastery*math.Exp(-elapsed/tau)
	return clamp01(risk)
}

// NextReviewAt schedules the next spaced review. The interval grows with
// mastery and is clamped to [MinInterval, MaxInterval] days, so the result
// is always strictly after now.
func (m Model) NextReviewAt(mastery float64, now time.Time) time.Time {
	mastery = clamp01(mastery)

	days := m.p.MinInterval + (m.p.MaxInterval-m.p.MinInterval)*math.Pow(mastery, m.p.IntervalGamma)
	if days < m.p.MinInterval {
		days = m.p.MinInterval
	}
	if days > m.p.MaxInterval {
		days = m.p.MaxInterval
	}
	return now.Add(time.Duration(days * 24 * float64(time.Hour)))
}

// ForecastPoint is one sample of a decay forecast curve.
type ForecastPoint struct {
	Date time.Time `json:"date"`
	Risk float64   `json:"risk"`
}

// ForecastCurve samples the forgetting risk once per day for the given number
// of days starting at now (inclusive).
func (m Model) ForecastCurve(mastery float64, lastReviewedAt time.Time, now time.Time, days int) []ForecastPoint {
	if days < 1 {
		days = 1
	}
	points := make([]ForecastPoint, days)
	for i := range points {
		at := now.AddDate(0, 0, i)
		points[i] = ForecastPoint{
			Date: at,
			Risk: m.ForgettingRiskAt(mastery, lastReviewedAt, at),
		}
	}
	return points
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
