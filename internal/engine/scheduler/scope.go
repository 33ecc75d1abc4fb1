package scheduler

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/execctx"
)

type edgeState int

const (
	edgePending edgeState = iota
	edgeActive
	edgeInactive
)

// nodeOutcome is how a finished node affects its outgoing edges.
type nodeOutcome struct {
	state    workflow.NodeState
	outputs  map[string]interface{}
	branch   string
	fallback bool
}

func (o *nodeOutcome) activates(e workflow.Edge) bool {
	port := workflow.NormalizeBranch(e.SourceOutput)
	switch {
	case o.state == workflow.NodeFailed:
		return o.fallback && port == workflow.PortError
	case o.state != workflow.NodeSucceeded:
		return false
	case o.branch != "":
		return port == o.branch
	default:
		return port != workflow.PortError
	}
}

// runScope executes one scope in Kahn batches and returns the outputs
// committed by its nodes.
func (r *run) runScope(ctx context.Context, scope *workflow.Scope, ec *execctx.Context) (map[string]map[string]interface{}, error) {
	ids := scope.NodeIDs()
	order := make(map[string]int, len(ids))
	indegree := make(map[string]int, len(ids))
	for i, id := range ids {
		order[id] = i
		indegree[id] = 0
	}
	for _, e := range scope.Edges() {
		indegree[e.TargetNodeID]++
	}

	edges := make(map[string]edgeState, len(scope.Edges()))
	committed := make(map[string]map[string]interface{})

	var ready []string
	for _, id := range ids {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	for batch := 0; len(ready) > 0; batch++ {
		if err := ctx.Err(); err != nil {
			return committed, cancelledError("", err)
		}

		runnable := make([]string, 0, len(ready))
		for _, id := range ready {
			if skippable(scope, id, edges) {
				r.skip(scope, ec, id, batch)
				for _, e := range scope.Outgoing(id) {
					edges[e.ID] = edgeInactive
				}
				continue
			}
			runnable = append(runnable, id)
		}

		r.logger.Debug("Dispatching batch",
			"scope", scope.ID(),
			"iteration", ec.Iteration(),
			"batch", batch,
			"nodes", runnable,
		)

		// Edge states are only written between batches, so nodes may read
		// them concurrently.
		outcomes := make([]*nodeOutcome, len(runnable))
		g, gctx := errgroup.WithContext(ctx)
		for i, id := range runnable {
			g.Go(func() error {
				out, err := r.runNode(gctx, scope, ec, id, batch, edges)
				outcomes[i] = out
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return committed, err
		}

		for i, id := range runnable {
			out := outcomes[i]
			if out.outputs != nil {
				committed[id] = out.outputs
			}
			for _, e := range scope.Outgoing(id) {
				if out.activates(e) {
					edges[e.ID] = edgeActive
				} else {
					edges[e.ID] = edgeInactive
				}
			}
		}

		var next []string
		for _, id := range ready {
			for _, e := range scope.Outgoing(id) {
				indegree[e.TargetNodeID]--
				if indegree[e.TargetNodeID] == 0 {
					next = append(next, e.TargetNodeID)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return order[next[i]] < order[next[j]] })
		ready = next
	}
	return committed, nil
}

// skippable reports whether every incoming dependency edge is inactive.
// Nodes without incoming edges always run.
func skippable(scope *workflow.Scope, nodeID string, edges map[string]edgeState) bool {
	incoming := scope.Incoming(nodeID)
	if len(incoming) == 0 {
		return false
	}
	for _, e := range incoming {
		if edges[e.ID] == edgeActive {
			return false
		}
	}
	return true
}

func (r *run) skip(scope *workflow.Scope, ec *execctx.Context, nodeID string, batch int) {
	node, _ := r.graph.Node(nodeID)
	n := &nodeRun{r: r, node: node, ec: ec, scope: scope, batch: batch, state: workflow.NodePending}
	n.moveTo(workflow.NodeSkipped, NodeEvent{})
}
