// Package actioninvoke provides a concrete implementation of the distilled
// spec's opaque InvokeAction(name, params) -> activationId capability. The
// interpreter and barrier packages depend only on the Invoker interface;
// this package supplies an HTTP-based production implementation, a
// circuit-breaker wrapper, and an in-memory fake for tests and the
// `cmd/conductor run` local harness.
package actioninvoke

import (
	"context"
	"encoding/json"
)

// Invoker is the opaque action-invocation capability: given an action name
// and params, it asks the platform to invoke the action and returns the
// resulting activation id. It never blocks for the action's result — that
// result arrives later as a fresh conductor activation carrying the
// continuation, per the distilled spec's continuation-passing model.
type Invoker interface {
	Invoke(ctx context.Context, name string, params any) (activationID string, err error)
}

// marshalParams is a small helper shared by implementations that need to
// serialize params for transport.
func marshalParams(params any) (json.RawMessage, error) {
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
