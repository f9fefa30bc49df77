package core

import (
	"context"

	"github.com/pkg/errors"
)

// graphEnd is the terminal label of the workflow graph.
const graphEnd = "END"

// NodeFunc runs one workflow step against the shared state bag.
type NodeFunc func(ctx context.Context, st *State) error

// edgeFunc picks the label of the next node from the current state.
type edgeFunc func(st *State) string

// Graph is a directed pipeline of named nodes with conditional edges and a
// single entry point. It is compiled once at startup and safe for concurrent
// invocation; all per-request data lives in the State.
type Graph struct {
	entry string
	nodes map[string]NodeFunc
	edges map[string]edgeFunc
}

// NewGraph creates an empty graph with the given entry node label.
func NewGraph(entry string) *Graph {
	return &Graph{
		entry: entry,
		nodes: map[string]NodeFunc{},
		edges: map[string]edgeFunc{},
	}
}

// AddNode registers a node under a label.
func (g *Graph) AddNode(label string, fn NodeFunc) {
	g.nodes[label] = fn
}

// AddEdge registers an unconditional edge.
func (g *Graph) AddEdge(from, to string) {
	g.edges[from] = func(*State) string { return to }
}

// AddConditionalEdge registers an edge whose target depends on state.
func (g *Graph) AddConditionalEdge(from string, pick edgeFunc) {
	g.edges[from] = pick
}

// Invoke drives the state bag through the graph from the entry node until a
// node's edge selects END.
func (g *Graph) Invoke(ctx context.Context, st *State) error {
	cur := g.entry
	for cur != graphEnd {
		if err := ctx.Err(); err != nil {
			return err
		}
		node, ok := g.nodes[cur]
		if !ok {
			return errors.Errorf("workflow graph: unknown node %q", cur)
		}
		st.Labels = append(st.Labels, cur)
		if err := node(ctx, st); err != nil {
			return errors.Wrapf(err, "workflow node %s", cur)
		}
		edge, ok := g.edges[cur]
		if !ok {
			return errors.Errorf("workflow graph: node %q has no outgoing edge", cur)
		}
		cur = edge(st)
	}
	return nil
}
