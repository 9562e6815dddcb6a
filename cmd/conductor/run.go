package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oriys/conductor/internal/actioninvoke"
	"github.com/oriys/conductor/internal/barrier"
	"github.com/oriys/conductor/internal/conductor"
	"github.com/oriys/conductor/internal/fsm"
	"github.com/oriys/conductor/internal/kvstore"
	"github.com/oriys/conductor/internal/logging"
)

// runCmd drives a composition end-to-end on a laptop, without a real
// serverless platform: a FakeInvoker stands in for action invocation and an
// in-memory kvstore.Store stands in for the fork/join barrier's backing
// store, so async, parallel, and map compositions all exercise the same
// suspend/resume cycle a deployed action would.
func runCmd() *cobra.Command {
	var (
		astPath    string
		paramsJSON string
		stubs      []string
		selfAction string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive a composition to completion locally, playing the platform's role",
		Long:  "Uses an in-memory action invoker and key/value store to exercise the whole suspend/resume cycle (including async, parallel, and map) without a real serverless platform.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if selfAction != "" {
				cfg.ActionInvoke.SelfAction = selfAction
			}
			if cfg.ActionInvoke.SelfAction == "" {
				cfg.ActionInvoke.SelfAction = "local/composition"
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Daemon.LogLevel)

			ast, err := readAST(astPath)
			if err != nil {
				return err
			}

			registry, err := parseStubs(stubs)
			if err != nil {
				return err
			}

			invoker := actioninvoke.NewFakeInvoker()
			store := kvstore.NewMemStore()
			br := barrier.New(store)

			c, err := conductor.New(ast, invoker, br, nil, cfg)
			if err != nil {
				return fmt.Errorf("build conductor: %w", err)
			}

			driver := newDriver(c, invoker, registry)
			invoker.Register(cfg.ActionInvoke.SelfAction, driver.runSelfInvocation)

			params := map[string]any{}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("parse --params: %w", err)
				}
			}
			input, err := json.Marshal(params)
			if err != nil {
				return err
			}

			out, err := driver.drive(cmd.Context(), input)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}

			var pretty map[string]any
			if json.Unmarshal(out, &pretty) == nil {
				rendered, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Println(string(rendered))
			} else {
				fmt.Println(string(out))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&astPath, "ast", "", "Path to the composition AST JSON file")
	cmd.Flags().StringVar(&paramsJSON, "params", "{}", "Initial activation params, as a JSON object")
	cmd.Flags().StringArrayVar(&stubs, "stub", nil, "Register a canned action result as name=jsonvalue (repeatable)")
	cmd.Flags().StringVar(&selfAction, "self-action", "", "Name this composition self-invokes as (for async/parallel/map); default local/composition")
	cmd.MarkFlagRequired("ast")

	return cmd
}

// parseStubs builds an action registry from --stub name=jsonvalue flags.
// Every registered stub simply returns its canned value as the action's
// result params, regardless of the params it was invoked with.
func parseStubs(stubs []string) (map[string]actioninvoke.Handler, error) {
	registry := make(map[string]actioninvoke.Handler, len(stubs))
	for _, s := range stubs {
		name, raw, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("--stub %q: expected name=jsonvalue", s)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("--stub %q: %w", s, err)
		}
		registry[name] = func(_ context.Context, _ any) (any, error) {
			return value, nil
		}
	}
	return registry, nil
}

// driver drives one or more activations of a composition to completion,
// dispatching every "action" continuation it reaches to the stub registry,
// and is itself registered as the composition's self-invocation handler so
// async and fork branches recurse back through the same logic.
type driver struct {
	c        *conductor.Conductor
	invoker  *actioninvoke.FakeInvoker
	registry map[string]actioninvoke.Handler
}

func newDriver(c *conductor.Conductor, invoker *actioninvoke.FakeInvoker, registry map[string]actioninvoke.Handler) *driver {
	return &driver{c: c, invoker: invoker, registry: registry}
}

// wireContinuation mirrors conductor.Continuation's "action" shape, enough
// to read back what Handle asked the harness to do next.
type wireContinuation struct {
	Method string          `json:"method"`
	Action string          `json:"action"`
	Params any             `json:"params"`
	State  *wireStateField `json:"state"`

	BarrierID string `json:"barrierId"`
	SessionID string `json:"sessionId"`
	Position  int    `json:"position"`
}

type wireStateField struct {
	Composer fsm.ComposerState `json:"$composer"`
}

// drive repeatedly calls Handle, dispatching every "action" continuation to
// the registry, until the activation reaches a terminal result or a "join"
// notice (a fork branch finished writing its result to the barrier store).
func (d *driver) drive(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	for {
		out, err := d.c.Handle(ctx, input)
		if err != nil {
			return nil, err
		}

		var cont wireContinuation
		if err := json.Unmarshal(out, &cont); err != nil {
			return nil, fmt.Errorf("decode handle output: %w", err)
		}

		switch cont.Method {
		case "":
			return out, nil

		case "join":
			return out, nil

		case "action":
			handler, ok := d.registry[cont.Action]
			if !ok {
				return nil, fmt.Errorf("run: no stub registered for action %q (use --stub %s=<json>)", cont.Action, cont.Action)
			}
			result, herr := handler(ctx, cont.Params)
			next := map[string]any{}
			if herr != nil {
				next["error"] = herr.Error()
			} else if m, ok := result.(map[string]any); ok {
				for k, v := range m {
					next[k] = v
				}
			} else {
				next["value"] = result
			}
			if cont.State != nil {
				next["$composer"] = cont.State.Composer
			}
			input, err = json.Marshal(next)
			if err != nil {
				return nil, fmt.Errorf("encode resume input: %w", err)
			}

		default:
			return nil, fmt.Errorf("run: unrecognised continuation method %q", cont.Method)
		}
	}
}

// runSelfInvocation is registered as the composition's self-invocation
// handler: both async's fire-and-forget spawn and the fork barrier's branch
// spawn call it with a wire-shaped input (params plus an embedded
// $composer), and it drives that sub-activation to completion inline.
func (d *driver) runSelfInvocation(ctx context.Context, params any) (any, error) {
	input, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode self-invocation input: %w", err)
	}
	out, err := d.drive(ctx, input)
	if err != nil {
		return nil, err
	}
	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, err
	}
	return result, nil
}
