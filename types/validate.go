package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFlow wraps every structural problem reported by Validate.
var ErrInvalidFlow = errors.New("invalid flow")

// Validate reports structural problems in the flow definition. The engine
// does not call it; a flow that fails validation still runs with terminal
// semantics on dead ends.
func (f Flow) Validate() error {
	var errs []error
	if f.ID == "" {
		errs = append(errs, errors.New("flow ID cannot be empty"))
	}

	seen := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" {
			errs = append(errs, errors.New("node ID cannot be empty"))
			continue
		}
		if strings.Contains(n.ID, ":") {
			errs = append(errs, fmt.Errorf("node ID %q cannot contain ':'", n.ID))
		}
		if seen[n.ID] {
			errs = append(errs, fmt.Errorf("duplicate node ID %q", n.ID))
		}
		seen[n.ID] = true
		if _, err := n.Payload(); err != nil {
			errs = append(errs, err)
		}
	}

	if _, ok := f.StartNode(); !ok {
		errs = append(errs, errors.New("flow has no start node"))
	}

	for _, e := range f.Edges {
		if !seen[e.Source] {
			errs = append(errs, fmt.Errorf("edge %q references unknown source %q", e.ID, e.Source))
		}
		if !seen[e.Target] {
			errs = append(errs, fmt.Errorf("edge %q references unknown target %q", e.ID, e.Target))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidFlow, errors.Join(errs...))
}
