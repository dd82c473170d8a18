package engine

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/sjson"
)

// setNodeOutput stores a node's output in the run context under the node id.
func setNodeOutput(bctx []byte, nodeID string, out json.RawMessage) []byte {
	if len(bctx) == 0 {
		bctx = []byte(`{}`)
	}
	if len(out) == 0 {
		out = json.RawMessage(`{}`)
	}
	merged, err := sjson.SetRawBytes(bctx, escapePath(nodeID), out)
	if err != nil {
		return bctx
	}
	return merged
}

// escapePath guards node ids against sjson path syntax.
func escapePath(id string) string {
	id = strings.ReplaceAll(id, `\`, `\\`)
	id = strings.ReplaceAll(id, ".", `\.`)
	return strings.ReplaceAll(id, "*", `\*`)
}

func cloneContext(bctx []byte) []byte {
	if len(bctx) == 0 {
		return []byte(`{}`)
	}
	out := make([]byte, len(bctx))
	copy(out, bctx)
	return out
}

// mergeContexts combines branch-local contexts after a fan-in. Objects are
// merged recursively; at the leaf level the later branch wins.
func mergeContexts(ctxs [][]byte) []byte {
	acc := map[string]any{}
	for _, c := range ctxs {
		if len(c) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(c, &m); err != nil {
			continue
		}
		acc = deepMerge(acc, m)
	}
	out, err := json.Marshal(acc)
	if err != nil {
		return []byte(`{}`)
	}
	return out
}

func deepMerge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		sv, srcIsMap := v.(map[string]any)
		dv, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = deepMerge(dv, sv)
			continue
		}
		dst[k] = v
	}
	return dst
}
