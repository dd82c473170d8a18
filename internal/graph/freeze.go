package graph

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"
)

// Freeze stamps enqueue-time values onto a stored workflow graph, producing
// the immutable snapshot a run carries for the rest of its life. The graph is
// validated before anything is injected so a broken definition is rejected at
// enqueue time, not mid-run.
func Freeze(graphJSON, triggerContext json.RawMessage, allowlist []string, startFrom string) (json.RawMessage, error) {
	if _, err := Parse(graphJSON); err != nil {
		return nil, err
	}
	out := []byte(graphJSON)
	var err error
	if len(triggerContext) > 0 {
		out, err = sjson.SetRawBytes(out, "_trigger_context", triggerContext)
		if err != nil {
			return nil, fmt.Errorf("set trigger context: %w", err)
		}
	}
	if len(allowlist) > 0 {
		out, err = sjson.SetBytes(out, "_egress_allowlist", allowlist)
		if err != nil {
			return nil, fmt.Errorf("set egress allowlist: %w", err)
		}
	}
	if startFrom != "" {
		out, err = sjson.SetBytes(out, "_start_from_node", startFrom)
		if err != nil {
			return nil, fmt.Errorf("set start node: %w", err)
		}
	}
	return out, nil
}
