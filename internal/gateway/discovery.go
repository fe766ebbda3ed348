package gateway

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Discoverer runs one discovery round. Implemented by Transceiver.
type Discoverer interface {
	Discover(ctx context.Context, p DiscoveryParams) ([]string, error)
}

// CoordinatorConfig tunes a validated discovery run.
type CoordinatorConfig struct {
	// Rounds is the number of rounds that must agree.
	Rounds int

	// Interval is the pause between rounds.
	Interval time.Duration

	Params DiscoveryParams
}

// Coordinator validates the fleet roster by running discovery several
// times and requiring identical responder sets. Used before parameter
// rollouts, where acting on a flaky roster would orphan nodes.
type Coordinator struct {
	d   Discoverer
	cfg CoordinatorConfig
}

// NewCoordinator creates a coordinator over the given discoverer.
func NewCoordinator(d Discoverer, cfg CoordinatorConfig) *Coordinator {
	if cfg.Rounds < 1 {
		cfg.Rounds = 1
	}
	return &Coordinator{d: d, cfg: cfg}
}

// Run performs the validated discovery. With expected > 0, a first
// round that finds exactly that many nodes is accepted immediately;
// otherwise every round must return the same non-empty set. A round
// with no responders fails the run: an empty roster must never be
// mistaken for a healthy fleet. A divergent round aborts with a
// RosterMismatchError naming the missing and extra ids.
func (c *Coordinator) Run(ctx context.Context, expected int) ([]string, error) {
	p := c.cfg.Params
	p.Expected = expected

	var baseline []string
	for round := 1; round <= c.cfg.Rounds; round++ {
		if round > 1 && c.cfg.Interval > 0 {
			select {
			case <-time.After(c.cfg.Interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		nodes, err := c.d.Discover(ctx, p)
		if err != nil {
			return nil, errors.Wrapf(err, "discovery round %d", round)
		}
		if len(nodes) == 0 {
			return nil, errors.Errorf("gateway: discovery round %d: no nodes responded", round)
		}
		log.WithFields(log.Fields{
			"round": round,
			"count": len(nodes),
			"nodes": nodes,
		}).Info("gateway: discovery round complete")

		if round == 1 {
			baseline = nodes
			if expected > 0 && len(nodes) == expected {
				return nodes, nil
			}
			continue
		}

		missing, extra := diffRosters(baseline, nodes)
		if len(missing) > 0 || len(extra) > 0 {
			return nil, &RosterMismatchError{Round: round, Missing: missing, Extra: extra}
		}
	}

	if expected > 0 && len(baseline) != expected {
		return nil, errors.Errorf("gateway: discovery found %d nodes, expected %d", len(baseline), expected)
	}
	return baseline, nil
}

// diffRosters returns the ids present in baseline but not in current
// (missing) and vice versa (extra). Both inputs are sorted.
func diffRosters(baseline, current []string) (missing, extra []string) {
	base := make(map[string]bool, len(baseline))
	for _, id := range baseline {
		base[id] = true
	}
	cur := make(map[string]bool, len(current))
	for _, id := range current {
		cur[id] = true
		if !base[id] {
			extra = append(extra, id)
		}
	}
	for _, id := range baseline {
		if !cur[id] {
			missing = append(missing, id)
		}
	}
	return missing, extra
}
