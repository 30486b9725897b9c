package orchestrator

import "github.com/lyzr/flowengine/internal/graph"

// successors returns nodeID's outgoing edge targets gated by handle. Edges
// with no SourceHandle set are the default linear continuation: they fire
// on the "success" handle and never on "error". Edges with a
// SourceHandle fire only when it equals handle exactly (ROUTER condition
// ids/"default", or the conventional "success"/"error" handles used by
// SUBFLOW and MAP nodes).
func successors(compiled *graph.Compiled, nodeID, handle string) []string {
	edges := compiled.OutEdges[nodeID]

	anyHandled := false
	for _, e := range edges {
		if e.SourceHandle != "" {
			anyHandled = true
			break
		}
	}

	if !anyHandled {
		if handle == "error" {
			return nil
		}
		out := make([]string, 0, len(edges))
		for _, e := range edges {
			out = append(out, e.Target)
		}
		return out
	}

	var out []string
	for _, e := range edges {
		if e.SourceHandle == handle || (e.SourceHandle == "" && handle == "success") {
			out = append(out, e.Target)
		}
	}
	return out
}
