// Package metrics records governance counters and latencies.
package metrics

import "time"

// CAS outcomes.
const (
	CASWon      = "won"
	CASConflict = "conflict"
)

// Recorder receives governance metrics. Implementations must be safe for concurrent use.
type Recorder interface {
	ActionEvaluated(intent, outcome string)
	ApprovalCreated(intent string)
	// ApprovalDecided records approved/rejected/expired and the time since creation.
	ApprovalDecided(status string, sinceCreated time.Duration)
	ApprovalExpired(count int)
	DispatchConsume(outcome string)
	DispatchFinished(success bool, latency time.Duration)
	DispatchRetry(connector string)
	ChainStepsCreated(count int)
	// ChainStepDecided records a decision and the time the step was active.
	ChainStepDecided(status string, activeFor time.Duration)
	ChainCompleted()
	ChainRejected()
}

// Nop discards everything.
type Nop struct{}

func (Nop) ActionEvaluated(string, string) {}
func (Nop) ApprovalCreated(string) {}
func (Nop) ApprovalDecided(string, time.Duration) {}
func (Nop) ApprovalExpired(int) {}
func (Nop) DispatchConsume(string) {}
func (Nop) DispatchFinished(bool, time.Duration) {}
func (Nop) DispatchRetry(string) {}
func (Nop) ChainStepsCreated(int) {}
func (Nop) ChainStepDecided(string, time.Duration) {}
func (Nop) ChainCompleted() {}
func (Nop) ChainRejected() {}
