// Package retry defines step retry policies: on-error retries with
// exponential backoff and on-success continuation (pagination).
//
// The engine evaluates policies against terminal call events; the package is
// pure computation so decisions stay deterministic and replayable. Delays are
// applied through command scheduling (available_at), never by sleeping.
package retry

import (
	"math"
	"math/rand"
	"time"
)

type (
	// Policy is a step's retry declaration. Exactly one of OnError or
	// OnSuccess is set; a step with neither runs each attempt once.
	Policy struct {
		OnError   *OnErrorPolicy   `json:"on_error,omitempty" yaml:"on_error,omitempty"`
		OnSuccess *OnSuccessPolicy `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	}

	// OnErrorPolicy retries failed attempts with exponential backoff.
	OnErrorPolicy struct {
		// MaxAttempts is the total attempt budget including the first attempt.
		// A value of 0 or 1 means no retries.
		MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
		// InitialDelay is the delay before the first retry.
		InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
		// MaxDelay caps the computed delay.
		MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
		// Multiplier is the factor the delay grows by per attempt. Values
		// below 1 are treated as 1 (constant delay).
		Multiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
		// Jitter, when true, scales each delay by a uniform factor in
		// [0.5, 1.5] to spread retry storms.
		Jitter bool `json:"jitter" yaml:"jitter"`
		// RetryWhen is a template expression evaluated against the failure.
		// When set, a retry is scheduled only if it is truthy.
		RetryWhen string `json:"retry_when,omitempty" yaml:"retry_when,omitempty"`
		// StopWhen is a template expression that aborts retrying when truthy.
		// It takes precedence over RetryWhen.
		StopWhen string `json:"stop_when,omitempty" yaml:"stop_when,omitempty"`
	}

	// OnSuccessPolicy continues a succeeded step, accumulating results across
	// attempts. This is the pagination primitive.
	OnSuccessPolicy struct {
		// ContinueWhile is a template expression evaluated against the
		// response; the step re-runs while it is truthy.
		ContinueWhile string `json:"continue_while" yaml:"continue_while"`
		// NextPage maps payload fields to template expressions computing the
		// next attempt's parameters from the response.
		NextPage map[string]string `json:"next_page,omitempty" yaml:"next_page,omitempty"`
		// MergeStrategy selects how page results accumulate.
		MergeStrategy MergeStrategy `json:"merge_strategy" yaml:"merge_strategy"`
		// MergePath is the dotted path into each response selecting the
		// fragment to merge. Empty merges the whole response.
		MergePath string `json:"merge_path,omitempty" yaml:"merge_path,omitempty"`
		// MaxIterations bounds the number of pages. Zero means unbounded.
		MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	}

	// MergeStrategy enumerates the pagination accumulation modes.
	MergeStrategy string
)

const (
	// MergeAppend appends each page fragment as one accumulator element.
	MergeAppend MergeStrategy = "append"
	// MergeExtend concatenates each page fragment (a list) into the accumulator.
	MergeExtend MergeStrategy = "extend"
	// MergeReplace keeps only the latest page fragment.
	MergeReplace MergeStrategy = "replace"
	// MergeCollect gathers the full responses as a list.
	MergeCollect MergeStrategy = "collect"
)

// Delay computes the backoff after the given failed attempt: the first
// failure waits InitialDelay, each further failure multiplies it, capped at
// MaxDelay. Jitter scales the result by a uniform factor in [0.5, 1.5].
func (p *OnErrorPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64() //nolint:gosec // jitter doesn't need crypto rand
	}
	return time.Duration(d)
}

// Exhausted reports whether the attempt budget leaves no room for another
// attempt after the given one.
func (p *OnErrorPolicy) Exhausted(attempt int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return attempt >= max
}

// Exhausted reports whether the page budget leaves no room for another page
// after the given attempt.
func (p *OnSuccessPolicy) Exhausted(attempt int) bool {
	return p.MaxIterations > 0 && attempt >= p.MaxIterations
}

// Valid reports whether the strategy is one of the enumerated modes.
func (s MergeStrategy) Valid() bool {
	switch s {
	case MergeAppend, MergeExtend, MergeReplace, MergeCollect:
		return true
	}
	return false
}
