package main

import "github.com/mgrieves/tabular/rules"

// API request and response models. Handlers are thin glue: they decode
// these, call the core, and encode the answer.

// EvaluateRequest is the request body for single-fact evaluation.
type EvaluateRequest struct {
	RuleSetID string     `json:"ruleSetId" example:"DiscountRules"`
	Fact      rules.Fact `json:"fact"`
}

// EvaluateResponse is the outcome of a single evaluation.
type EvaluateResponse struct {
	EvaluationID string            `json:"evaluationId"`
	RuleSet      string            `json:"ruleSet"`
	Fact         rules.Fact        `json:"fact"`
	Fired        []rules.FiredRule `json:"fired"`
	ElapsedMs    float64           `json:"elapsedMs"`
}

// BatchEvaluateRequest is the request body for batch evaluation.
type BatchEvaluateRequest struct {
	RuleSetID string       `json:"ruleSetId" example:"DiscountRules"`
	Facts     []rules.Fact `json:"facts"`
}

// BatchElementResponse is one element of a batch response. Failed elements
// carry an error and no result.
type BatchElementResponse struct {
	Index  int               `json:"index"`
	Result *EvaluateResponse `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// BatchEvaluateResponse preserves input order in its results.
type BatchEvaluateResponse struct {
	Results []BatchElementResponse `json:"results"`
}

// TableUploadResponse reports what an uploaded table compiled into.
type TableUploadResponse struct {
	ResourceID  string   `json:"resourceId"`
	RuleSets    []string `json:"ruleSets"`
	Fingerprint string   `json:"fingerprint"`
}

// RuleSetsResponse lists the currently published rule sets.
type RuleSetsResponse struct {
	RuleSets []string `json:"ruleSets"`
}

// StatsResponse exposes the engine's cumulative counters.
type StatsResponse struct {
	Cache    rules.CacheStats `json:"cache"`
	Pool     rules.PoolStats  `json:"pool"`
	RuleSets int              `json:"ruleSets"`
	Errors   int64            `json:"loggedErrors"`
	Warnings int64            `json:"loggedWarnings"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toEvaluateResponse(res *rules.EvaluationResult) *EvaluateResponse {
	return &EvaluateResponse{
		EvaluationID: res.EvaluationID,
		RuleSet:      res.RuleSet,
		Fact:         res.Fact,
		Fired:        res.Fired,
		ElapsedMs:    float64(res.Elapsed.Microseconds()) / 1000.0,
	}
}
