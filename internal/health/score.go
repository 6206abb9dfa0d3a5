// Package health computes the 0-100 health score of a sandbox iteration.
package health

import (
	"time"

	"github.com/harrison/healloop/internal/models"
)

// StagePoints is awarded for each passed stage.
const StagePoints = 25

// Stages are the four boolean outcomes of one runner cycle.
type Stages struct {
	Install bool
	Build   bool
	Start   bool
	Health  bool
}

// StagesFromResult extracts stage outcomes from a runner result.
func StagesFromResult(r models.RunnerResult) Stages {
	return Stages{
		Install: r.InstallSuccess,
		Build:   r.BuildSuccess,
		Start:   r.StartSuccess,
		Health:  r.HealthCheckPassed,
	}
}

// StagesFromIteration extracts stage outcomes from a persisted iteration.
func StagesFromIteration(it models.SandboxIteration) Stages {
	return Stages{
		Install: it.InstallSuccess,
		Build:   it.BuildSuccess,
		Start:   it.StartSuccess,
		Health:  it.HealthCheckPassed,
	}
}

// Score returns 25 points per passed stage.
func Score(s Stages) int {
	score := 0
	for _, ok := range []bool{s.Install, s.Build, s.Start, s.Health} {
		if ok {
			score += StagePoints
		}
	}
	return score
}

// ScoreIteration scores a persisted iteration.
func ScoreIteration(it models.SandboxIteration) int {
	return Score(StagesFromIteration(it))
}

// DeploySignals are post-deploy observations used by the downstream
// validation stage.
type DeploySignals struct {
	Reachable  bool
	P95Latency time.Duration
	ErrorRate  float64 // 0-1
}

// Latency and error-rate bands for DeployScore.
const (
	FastLatency    = 500 * time.Millisecond
	SlowLatency    = 2 * time.Second
	LowErrorRate   = 0.01
	HighErrorRate  = 0.05
	reachablePts   = 40
	latencyPts     = 30
	errorRatePts   = 30
	stageWeight    = 60
	deployWeight   = 40
	totalWeightPct = 100
)

// DeployScore scores post-deploy signals on 0-100. An unreachable service
// scores 0 regardless of the other signals.
func DeployScore(d DeploySignals) int {
	if !d.Reachable {
		return 0
	}
	score := reachablePts

	switch {
	case d.P95Latency <= FastLatency:
		score += latencyPts
	case d.P95Latency <= SlowLatency:
		score += latencyPts / 2
	}

	switch {
	case d.ErrorRate <= LowErrorRate:
		score += errorRatePts
	case d.ErrorRate <= HighErrorRate:
		score += errorRatePts / 2
	}
	return score
}

// WithDeploySignals blends a stage score with post-deploy signals, weighting
// the sandbox result at 60% and the deploy observation at 40%.
func WithDeploySignals(base int, d DeploySignals) int {
	base = clamp(base)
	return clamp((base*stageWeight + DeployScore(d)*deployWeight) / totalWeightPct)
}

func clamp(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
