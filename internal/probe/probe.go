package probe

import "context"

// Probe decides whether the engine is healthy.
// Implementations must be safe for concurrent use.
type Probe interface {
	// Alive returns true if the engine is detected as healthy. An error means
	// the probe itself could not run; callers treat it as unhealthy.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the probe.
	Describe() string
}

// Any reports healthy when at least one of the probes does.
type Any []Probe

func (a Any) Alive(ctx context.Context) (bool, error) {
	var firstErr error
	for _, p := range a {
		ok, err := p.Alive(ctx)
		if ok {
			return true, nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return false, firstErr
}

func (a Any) Describe() string {
	s := "any("
	for i, p := range a {
		if i > 0 {
			s += ","
		}
		s += p.Describe()
	}
	return s + ")"
}
