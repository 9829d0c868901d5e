package engine

import (
	"context"
	"sync"
	"time"

	"github.com/dukex/strata/pkg/governor"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
)

// stopRequest is an abort or termination waiting for the next step boundary.
type stopRequest struct {
	cause      models.TerminationCause
	by         string
	violations []models.ResourceViolation
}

// run is the owner-side record of one live execution. Fields below mu are
// guarded by it; only the owner goroutine advances the step pointer.
type run struct {
	id    string
	flow  *models.FlowDefinition
	depth int

	mu           sync.Mutex
	state        *models.ExecutionState
	stop         *stopRequest
	requestedBy  string
	pauseApplied bool
	atBoundary   bool
	usage        models.ResourceUsage
	started      time.Time

	wake chan struct{}
	done chan struct{}
}

func newRun(state *models.ExecutionState, flow *models.FlowDefinition, depth int) *run {
	return &run{
		id:      state.ExecutionID,
		flow:    flow,
		depth:   depth,
		state:   state,
		started: time.Now(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (r *run) snapshot() *models.ExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state.Clone()
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// addUsage folds a step's observed usage in: peaks for memory, descriptors and
// disk, sums for CPU time and connections.
func (r *run) addUsage(u models.ResourceUsage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.usage.CPUTimeMs += u.CPUTimeMs
	r.usage.NetworkConnections += u.NetworkConnections
	r.usage.MemoryMB = max(r.usage.MemoryMB, u.MemoryMB)
	r.usage.FileDescriptors = max(r.usage.FileDescriptors, u.FileDescriptors)
	r.usage.DiskMB = max(r.usage.DiskMB, u.DiskMB)
	r.usage.WallClockMs += u.WallClockMs
}

// sampler reports accumulated step usage with wall clock measured since start.
func (r *run) sampler() protocol.UsageSampler {
	return governor.SamplerFunc(func(context.Context) (models.ResourceUsage, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		usage := r.usage
		usage.WallClockMs = max(usage.WallClockMs, time.Since(r.started).Milliseconds())

		return usage, nil
	})
}
