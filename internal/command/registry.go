// Package command provides the registry that maps command names to
// handlers on the node side. The registry is populated once at startup
// and read-only afterwards; dispatch filters on the command's target
// scope and decides whether the acknowledgment is sent before or after
// the handler runs.
package command

import (
	"sort"

	log "github.com/sirupsen/logrus"
)

// Scope restricts when a handler is invoked.
type Scope string

// Scope values. A broadcast command carries an empty target node id; a
// private command names this node.
const (
	ScopeBroadcast Scope = "broadcast"
	ScopePrivate   Scope = "private"
	ScopeAny       Scope = "any"
)

// Handler executes a command. The returned map, if non-nil, is embedded
// in the acknowledgment payload of late-ack commands.
type Handler func(args []string) map[string]interface{}

// Entry is a registered handler with its dispatch configuration.
type Entry struct {
	Handler Handler
	Scope   Scope

	// EarlyAck acknowledges receipt before the handler runs. Used for
	// fire-and-forget commands whose execution time must not delay the
	// handshake. Late-ack handlers run first and their result rides in
	// the acknowledgment.
	EarlyAck bool

	// AckJitter staggers the acknowledgment by a random delay, so
	// broadcast responses from many nodes do not collide on air.
	AckJitter bool
}

// Registry maps command names to handlers for one node.
type Registry struct {
	nodeID   string
	handlers map[string][]Entry
}

// NewRegistry returns an empty registry for the given node id.
func NewRegistry(nodeID string) *Registry {
	return &Registry{
		nodeID:   nodeID,
		handlers: make(map[string][]Entry),
	}
}

// NodeID returns the node id the registry filters private commands on.
func (r *Registry) NodeID() string {
	return r.nodeID
}

// Register adds a handler for a command name. Multiple handlers may be
// registered under the same name with different scopes.
func (r *Registry) Register(name string, e Entry) {
	r.handlers[name] = append(r.handlers[name], e)
	log.WithFields(log.Fields{
		"command":   name,
		"scope":     e.Scope,
		"early_ack": e.EarlyAck,
	}).Debug("command: handler registered")
}

// Commands returns the registered command names, sorted.
func (r *Registry) Commands() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) matches(e Entry, targetNodeID string) bool {
	isBroadcast := targetNodeID == ""
	isForMe := targetNodeID == r.nodeID
	switch e.Scope {
	case ScopeAny:
		return isBroadcast || isForMe
	case ScopeBroadcast:
		return isBroadcast
	case ScopePrivate:
		return isForMe
	}
	return false
}

// Lookup returns the first handler matching the command and target, or
// nil. The receiver loop uses it to read the ack timing policy before
// dispatching.
func (r *Registry) Lookup(name, targetNodeID string) *Entry {
	if targetNodeID != "" && targetNodeID != r.nodeID {
		return nil
	}
	for _, e := range r.handlers[name] {
		if r.matches(e, targetNodeID) {
			e := e
			return &e
		}
	}
	return nil
}

// Dispatch invokes every matching handler. It reports whether at least
// one handler ran and returns the first non-nil handler result for the
// acknowledgment payload. Commands targeted at other nodes are ignored
// entirely.
func (r *Registry) Dispatch(name string, args []string, targetNodeID string) (bool, map[string]interface{}) {
	if targetNodeID != "" && targetNodeID != r.nodeID {
		return false, nil
	}
	entries, ok := r.handlers[name]
	if !ok {
		log.WithField("command", name).Debug("command: no handlers registered")
		return false, nil
	}

	handled := false
	var response map[string]interface{}
	for _, e := range entries {
		if !r.matches(e, targetNodeID) {
			continue
		}
		result := e.Handler(args)
		handled = true
		if response == nil && result != nil {
			response = result
		}
	}
	return handled, response
}
