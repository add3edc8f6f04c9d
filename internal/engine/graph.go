package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/parallaxlabs/relay/internal/state"
	"github.com/parallaxlabs/relay/pkg/models"
)

// Node is one unit of work in a sequential graph. It receives the
// state accumulated so far and returns the delta it produced. A
// non-nil Suspension halts the graph after the delta is published.
type Node interface {
	Name() string
	Run(ctx context.Context, st state.State) (state.Delta, *Suspension, error)
}

// NodeFunc adapts a function to the Node interface.
type NodeFunc struct {
	ID string
	Fn func(ctx context.Context, st state.State) (state.Delta, *Suspension, error)
}

func (n NodeFunc) Name() string { return n.ID }

func (n NodeFunc) Run(ctx context.Context, st state.State) (state.Delta, *Suspension, error) {
	return n.Fn(ctx, st)
}

// Graph runs nodes in order, publishing a node-exit event with each
// node's delta on the worker channel and folding the delta into the
// state handed to the next node.
type Graph struct {
	nodes  []Node
	logger *slog.Logger
}

// NewGraph builds a sequential graph. A nil logger discards.
func NewGraph(logger *slog.Logger, nodes ...Node) *Graph {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Graph{nodes: nodes, logger: logger}
}

// Run implements Engine.
func (g *Graph) Run(ctx context.Context, initial state.State, pub Publisher) (Result, error) {
	st := initial
	for _, node := range g.nodes {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		delta, susp, err := node.Run(ctx, st)
		if err != nil {
			return Result{}, fmt.Errorf("node %s: %w", node.Name(), err)
		}
		if pub != nil {
			pub.Publish(st.Context.RunID, models.ChannelWorker, NodeExitEvent(node.Name(), delta))
		}
		st = st.Apply(delta)
		g.logger.Debug("node exit", "run_id", st.Context.RunID, "node", node.Name())
		if susp != nil {
			return Result{Suspension: susp}, nil
		}
	}
	return Result{}, nil
}
