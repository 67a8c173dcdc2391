// Package coord abstracts the worker group a training run participates in.
//
// Training is SPMD: every worker runs the identical control flow, and the
// coordinator answers two questions: who is the primary (the one worker
// allowed to log, emit metrics, and write checkpoints) and how values are
// aggregated across the group. Collective calls block until every worker
// arrives, so all workers must issue them in the same order, including
// workers that skip the associated logging.
package coord

import "context"

type Coordinator interface {
	Rank() int
	WorldSize() int
	// IsPrimary reports whether this worker performs side-effecting I/O
	// (checkpoint writes, console and metric logging).
	IsPrimary() bool
	// AllReduceSum returns the element-wise sum of vals across all workers.
	AllReduceSum(ctx context.Context, vals []float64) ([]float64, error)
	Barrier(ctx context.Context) error
	Close() error
}

// Solo is the single-process coordinator: world size 1, always primary,
// collectives are identities. It keeps the training loop testable without
// any communication backend.
type Solo struct{}

var _ Coordinator = Solo{}

func (Solo) Rank() int       { return 0 }
func (Solo) WorldSize() int  { return 1 }
func (Solo) IsPrimary() bool { return true }

func (Solo) AllReduceSum(_ context.Context, vals []float64) ([]float64, error) {
	out := make([]float64, len(vals))
	copy(out, vals)
	return out, nil
}

func (Solo) Barrier(context.Context) error { return nil }
func (Solo) Close() error                  { return nil }
