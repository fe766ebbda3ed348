package node

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/fieldlink/fieldlink/internal/command"
	"github.com/fieldlink/fieldlink/internal/radio"
)

// maxResponsePayload bounds paginated responses so the ack packet
// stays under the radio payload limit with header and checksum room to
// spare.
const maxResponsePayload = 180

// paramDef is one entry of the node parameter table.
type paramDef struct {
	name string
	get  func() string
	// set is nil for read-only params. Staged radio params only take
	// effect after the rcfg command.
	set func(value string) error
}

// paramTable builds the node parameters, sorted by name.
func (n *Node) paramTable() []paramDef {
	return []paramDef{
		{
			name: radio.ParamBandwidth,
			get:  func() string { return strconv.Itoa(n.state.Effective().BandwidthCode) },
			set:  func(v string) error { return n.state.SetPending(radio.ParamBandwidth, v) },
		},
		{
			name: "nodeid",
			get:  func() string { return n.id },
		},
		{
			name: radio.ParamSpreadingFactor,
			get:  func() string { return strconv.Itoa(n.state.Effective().SpreadingFactor) },
			set:  func(v string) error { return n.state.SetPending(radio.ParamSpreadingFactor, v) },
		},
		{
			name: radio.ParamTxPower,
			get:  func() string { return strconv.Itoa(n.state.Effective().TxPower) },
			set:  func(v string) error { return n.state.SetPending(radio.ParamTxPower, v) },
		},
	}
}

func (n *Node) registerCommands() {
	params := n.paramTable()

	handlePing := func(args []string) map[string]interface{} { return nil }

	// ping answers both broadcast sweeps and directed liveness checks.
	n.registry.Register("ping", command.Entry{
		Handler:  handlePing,
		Scope:    command.ScopeBroadcast,
		EarlyAck: true,
	})
	n.registry.Register("ping", command.Entry{
		Handler:  handlePing,
		Scope:    command.ScopePrivate,
		EarlyAck: true,
	})

	// discover is ping with jitter: the whole fleet answers at once.
	n.registry.Register("discover", command.Entry{
		Handler:   handlePing,
		Scope:     command.ScopeBroadcast,
		EarlyAck:  true,
		AckJitter: true,
	})

	n.registry.Register("echo", command.Entry{
		Handler: func(args []string) map[string]interface{} {
			if len(args) == 0 {
				return map[string]interface{}{"e": "echo: missing argument"}
			}
			return map[string]interface{}{"r": args[0]}
		},
		Scope: command.ScopePrivate,
	})

	n.registry.Register("getparam", command.Entry{
		Handler: func(args []string) map[string]interface{} {
			if len(args) == 0 {
				return map[string]interface{}{"e": "getparam: usage: name"}
			}
			for _, p := range params {
				if p.name == args[0] {
					return map[string]interface{}{p.name: p.get()}
				}
			}
			return map[string]interface{}{"e": "unknown param: " + args[0]}
		},
		Scope: command.ScopeAny,
	})

	n.registry.Register("setparam", command.Entry{
		Handler: func(args []string) map[string]interface{} {
			if len(args) < 2 {
				return map[string]interface{}{"e": "setparam: usage: name value"}
			}
			for _, p := range params {
				if p.name != args[0] {
					continue
				}
				if p.set == nil {
					return map[string]interface{}{"e": "param is read-only: " + p.name}
				}
				if err := p.set(args[1]); err != nil {
					return map[string]interface{}{"e": err.Error()}
				}
				// Echo the staged value so the gateway can verify
				// before committing the fleet.
				return map[string]interface{}{p.name: p.get()}
			}
			return map[string]interface{}{"e": "unknown param: " + args[0]}
		},
		Scope: command.ScopePrivate,
	})

	n.registry.Register("getparams", command.Entry{
		Handler: func(args []string) map[string]interface{} {
			offset := parseOffset(args)
			page := make(map[string]interface{})
			more := 0
			for i := offset; i < len(params); i++ {
				page[params[i].name] = params[i].get()
				if encodedLen(map[string]interface{}{"m": 0, "p": page}) > maxResponsePayload && len(page) > 1 {
					delete(page, params[i].name)
					more = 1
					break
				}
			}
			return map[string]interface{}{"m": more, "p": page}
		},
		Scope: command.ScopeAny,
	})

	n.registry.Register("getcmds", command.Entry{
		Handler: func(args []string) map[string]interface{} {
			names := n.registry.Commands()
			sort.Strings(names)
			offset := parseOffset(args)
			if offset > len(names) {
				offset = len(names)
			}
			page := []string{}
			more := 0
			for i := offset; i < len(names); i++ {
				page = append(page, names[i])
				if encodedLen(map[string]interface{}{"c": page, "m": 0}) > maxResponsePayload && len(page) > 1 {
					page = page[:len(page)-1]
					more = 1
					break
				}
			}
			return map[string]interface{}{"c": page, "m": more}
		},
		Scope: command.ScopeAny,
	})

	// rcfg commits staged radio params. Early ack: once the radio
	// switches, the gateway cannot hear a late ack anyway. The actual
	// apply happens in the receive loop after the ack is out.
	n.registry.Register("rcfg", command.Entry{
		Handler: func(args []string) map[string]interface{} {
			n.applyStaged = true
			return nil
		},
		Scope:    command.ScopePrivate,
		EarlyAck: true,
	})
}

func parseOffset(args []string) int {
	if len(args) == 0 {
		return 0
	}
	o, err := strconv.Atoi(args[0])
	if err != nil || o < 0 {
		return 0
	}
	return o
}

func encodedLen(v map[string]interface{}) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}
