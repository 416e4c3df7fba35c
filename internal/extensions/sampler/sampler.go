// Package sampler provides sampler extensions that feed plugins with input
// values: a fixed value and a deterministic ramp.
package sampler

import (
	"context"
	"fmt"
	"sync"

	"msr/pkg/hook"
)

func init() {
	hook.Samplers.MustRegister(hook.Extension[hook.Sampler]{
		Name:        "static",
		Description: "Returns the configured value for every field",
		Priority:    hook.PriorityDefault,
		Factory: func(s hook.Settings) (hook.Sampler, error) {
			return NewStatic(s.Float("value", 0)), nil
		},
	})
	hook.Samplers.MustRegister(hook.Extension[hook.Sampler]{
		Name:        "ramp",
		Description: "Steps from start towards max and wraps around",
		Priority:    hook.PriorityDefault,
		Factory: func(s hook.Settings) (hook.Sampler, error) {
			return NewRamp(s.Float("start", 0), s.Float("step", 1), s.Float("max", 100))
		},
	})
}

// Static returns the same value until Set changes it.
type Static struct {
	mu    sync.RWMutex
	value float64
}

// NewStatic creates a sampler returning value.
func NewStatic(value float64) *Static {
	return &Static{value: value}
}

// Set changes the sampled value.
func (s *Static) Set(v float64) {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
}

func (s *Static) Sample(ctx context.Context, field string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, nil
}

// Ramp yields start, start+step, ... per field. A value beyond max wraps back
// to start.
type Ramp struct {
	start, step, max float64

	mu    sync.Mutex
	steps map[string]int
}

// NewRamp creates a ramp sampler.
func NewRamp(start, step, max float64) (*Ramp, error) {
	if step <= 0 {
		return nil, fmt.Errorf("ramp sampler: step must be positive, got %v", step)
	}
	if max < start {
		return nil, fmt.Errorf("ramp sampler: max %v is below start %v", max, start)
	}
	return &Ramp{start: start, step: step, max: max, steps: make(map[string]int)}, nil
}

func (r *Ramp) Sample(ctx context.Context, field string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.steps[field]
	v := r.start + float64(n)*r.step
	if v > r.max {
		n, v = 0, r.start
	}
	r.steps[field] = n + 1
	return v, nil
}
