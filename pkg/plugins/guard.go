package plugins

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/tmhk/dock/pkg/host"
	"github.com/tmhk/dock/pkg/policy"
)

// guardedCaller evaluates the policy gate before forwarding a host-API
// call to the outbound queue. A denial is a plugin error, never a host
// error; the hub stays unaware the call was ever attempted.
type guardedCaller struct {
	caller host.Caller
	engine *policy.Engine
	plugin *Plugin
}

func newGuardedCaller(caller host.Caller, engine *policy.Engine, plugin *Plugin) *guardedCaller {
	return &guardedCaller{caller: caller, engine: engine, plugin: plugin}
}

// Call implements host.Caller.
func (g *guardedCaller) Call(ctx context.Context, callType string, args ...any) (json.RawMessage, error) {
	if g.engine != nil {
		input := &policy.CallInput{
			Plugin: g.plugin.policyInfo(),
			Call:   &policy.CallInfo{Type: callType, Args: args},
			Context: &policy.CallContext{
				Timestamp: time.Now(),
			},
		}

		result, err := g.engine.Check(ctx, input)
		if err != nil {
			return nil, NewRuntimeError("policy evaluation failed", err).WithPlugin(g.plugin.ID())
		}
		if !result.Allowed {
			msgs := make([]string, 0, len(result.Violations))
			for _, v := range result.Violations {
				msgs = append(msgs, v.Message)
			}
			return nil, NewDeniedError(strings.Join(msgs, "; ")).WithPlugin(g.plugin.ID())
		}
	}

	return g.caller.Call(ctx, callType, args...)
}
