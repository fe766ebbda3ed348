package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// rcfgRetries bounds the fire-and-forget apply command: after a node
// switches its radio parameters the ack is unreliable, so there is no
// point in a long retry schedule.
const rcfgRetries = 2

// RolloutOptions tunes a parameter rollout.
type RolloutOptions struct {
	// Expected short-circuits discovery validation when the fleet size
	// is known.
	Expected int

	// Nodes, when non-empty, skips discovery and targets these ids.
	Nodes []string

	// Force continues past per-node failures instead of aborting on
	// the first one.
	Force bool
}

// NodeOutcome is the per-node result of a rollout.
type NodeOutcome struct {
	NodeID   string            `json:"node_id"`
	OK       bool              `json:"ok"`
	Verified map[string]string `json:"verified,omitempty"`
	Err      error             `json:"-"`

	// Error carries Err over JSON.
	Error string `json:"error,omitempty"`
}

// RolloutReport summarizes a rollout run.
type RolloutReport struct {
	Nodes    []string      `json:"nodes"`
	Outcomes []NodeOutcome `json:"outcomes"`

	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Aborted is set when a node failure stopped the rollout before
	// every node was attempted.
	Aborted bool `json:"aborted"`

	GatewayUpdated bool     `json:"gateway_updated"`
	GatewayApplied []string `json:"gateway_applied,omitempty"`
}

// Rollout changes radio parameters across the fleet in an order that
// preserves connectivity: validated discovery first, then every node,
// the gateway last and only when a majority of nodes succeeded.
type Rollout struct {
	Queue       *Queue
	Coordinator *Coordinator
	Params      *ParamRegistry

	// Apply commits the gateway's staged radio parameters
	// (Transceiver.ApplyRadioConfig).
	Apply func(ctx context.Context) ([]string, error)
}

// Run stages the given changes (param name to value) on every node,
// verifies each ack, and finally updates the gateway under the
// majority rule.
func (r *Rollout) Run(ctx context.Context, changes map[string]string, opts RolloutOptions) (*RolloutReport, error) {
	if len(changes) == 0 {
		return nil, errors.New("gateway: rollout with no changes")
	}
	names := make([]string, 0, len(changes))
	for name := range changes {
		if !r.Params.Staged(name) {
			return nil, errors.Errorf("gateway: param %q cannot be rolled out", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	nodes := opts.Nodes
	if len(nodes) == 0 {
		var err error
		nodes, err = r.Coordinator.Run(ctx, opts.Expected)
		if err != nil {
			return nil, err
		}
	}
	if len(nodes) == 0 {
		return nil, errors.New("gateway: no nodes to roll out to")
	}

	report := &RolloutReport{Nodes: nodes}
	for i, node := range nodes {
		outcome := r.updateNode(node, names, changes)
		if outcome.Err != nil {
			outcome.Error = outcome.Err.Error()
		}
		report.Outcomes = append(report.Outcomes, outcome)
		if outcome.OK {
			report.Succeeded++
			continue
		}
		report.Failed++
		log.WithError(outcome.Err).WithField("node_id", node).Error("gateway: rollout node update failed")
		if !opts.Force {
			report.Aborted = true
			// Count the untouched nodes as failed for the majority rule.
			report.Failed += len(nodes) - i - 1
			break
		}
	}

	// Majority rule: the gateway follows only when more than half of
	// the fleet runs the new parameters, otherwise it stays reachable
	// for the majority still on the old ones.
	if report.Succeeded*2 > len(nodes) {
		if err := r.updateGateway(ctx, names, changes); err != nil {
			return report, err
		}
		applied, err := r.Apply(ctx)
		if err != nil {
			return report, err
		}
		report.GatewayUpdated = true
		report.GatewayApplied = applied
	} else {
		log.WithFields(log.Fields{
			"succeeded": report.Succeeded,
			"total":     len(nodes),
		}).Warning("gateway: majority not reached, gateway params unchanged")
	}
	return report, nil
}

// updateNode stages every change on one node, verifying each ack
// payload, then fires the apply command without waiting: once the node
// switches parameters its ack cannot be heard.
func (r *Rollout) updateNode(node string, names []string, changes map[string]string) NodeOutcome {
	outcome := NodeOutcome{NodeID: node, Verified: make(map[string]string)}

	for _, name := range names {
		value := changes[name]
		id, err := r.Queue.Enqueue(CommandRequest{
			Name:   "setparam",
			Args:   []string{name, value},
			NodeID: node,
		})
		if err != nil {
			outcome.Err = err
			return outcome
		}
		res, err := r.Queue.Wait(id, 0)
		if err != nil {
			outcome.Err = err
			return outcome
		}
		if res.Err != nil {
			outcome.Err = res.Err
			return outcome
		}
		got, ok := res.Response()[name]
		if !ok || toString(got) != value {
			outcome.Err = errors.Errorf("gateway: node %s reported %s=%v, want %s", node, name, got, value)
			return outcome
		}
		outcome.Verified[name] = value
	}

	if _, err := r.Queue.Enqueue(CommandRequest{
		Name:       "rcfg",
		NodeID:     node,
		MaxRetries: rcfgRetries,
	}); err != nil {
		outcome.Err = err
		return outcome
	}

	outcome.OK = true
	return outcome
}

// toString normalizes ack payload values, which decode as json.Number
// or string.
func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func (r *Rollout) updateGateway(ctx context.Context, names []string, changes map[string]string) error {
	for _, name := range names {
		if err := r.Params.Set(name, changes[name]); err != nil {
			return errors.Wrapf(err, "stage gateway param %s", name)
		}
	}
	return nil
}
