// Copyright 2026 The FreeWire Authors. SPDX-License-Identifier: Apache-2.0

// Package wiring defines neural networks at the level of individual neurons:
// a Graph is an arbitrary DAG of Nodes connected by weighted Edges, with no
// notion of layers. Graphs are pure data -- they hold structure, parameters
// and gradients, but no evaluation logic. The freewire package compiles a
// Graph into vectorized operations and keeps its parameters in sync.
//
// Nodes are created bottom-up: inputs first with Input, then hidden and
// output nodes with NewNode, each naming the nodes that feed it. Finally
// NewGraph collects them into ordered input/hidden/output lists.
package wiring

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// GroupNone is the zero grouping tag: the node has no batching constraint.
const GroupNone = ""

// Node is a single neuron. Input nodes have no Inputs and carry no
// parameters; every other node holds one Edge per input plus a bias.
type Node struct {
	// Name is optional and used only in diagnostics and DOT output.
	Name string

	// Inputs are the nodes feeding this node, in declared order.
	Inputs []*Node

	// InEdges hold the learned weight (and last gradient) per input,
	// aligned index-by-index with Inputs.
	InEdges []*Edge

	// Activation is the name of the activation function applied to this
	// node's pre-activation sum. The empty string means identity. Valid
	// names are those of the GoMLX activations catalog ("relu", "sigmoid",
	// "tanh", ...).
	Activation string

	// Group is a grouping tag. All nodes sharing a non-empty tag must be
	// evaluated by the same vectorized operation: either all of them are
	// ready in a compilation round, or none is scheduled.
	Group string

	// Bias and BiasGrad are the learned bias and its last synced gradient.
	Bias     float64
	BiasGrad float64

	// OutputIndex is this node's position among the graph outputs, set by
	// NewGraph. It is -1 for non-output nodes.
	OutputIndex int
}

// Edge is a weighted connection between two nodes.
type Edge struct {
	From, To *Node

	// Weight and Grad are the learned weight and its last synced gradient.
	Weight float64
	Grad   float64
}

// Input returns a new input node.
func Input() *Node {
	return &Node{OutputIndex: -1}
}

// NewNode returns a new node computing activation(bias + Σ wᵢ·inputᵢ).
// One zero-weight edge is created per input.
func NewNode(activation string, inputs ...*Node) *Node {
	n := &Node{
		Inputs:      inputs,
		Activation:  activation,
		OutputIndex: -1,
	}
	n.InEdges = make([]*Edge, len(inputs))
	for i, from := range inputs {
		n.InEdges[i] = &Edge{From: from, To: n}
	}
	return n
}

// WithName sets the node's diagnostic name. It returns the node for chaining.
func (n *Node) WithName(name string) *Node {
	n.Name = name
	return n
}

// WithGroup sets the node's grouping tag. It returns the node for chaining.
func (n *Node) WithGroup(tag string) *Node {
	n.Group = tag
	return n
}

// SetParameters seeds the node's incoming weights and bias, one weight per
// input in declared order. Callers seeding a whole graph by hand should also
// set Graph.Initialized so the model consumes these values.
func (n *Node) SetParameters(weights []float64, bias float64) error {
	if len(weights) != len(n.InEdges) {
		return errors.Errorf("node %s has %d inputs, got %d weights", n.Label(), len(n.InEdges), len(weights))
	}
	for i, w := range weights {
		n.InEdges[i].Weight = w
	}
	n.Bias = bias
	return nil
}

// Label returns the node's name when set, or its pointer address, for
// diagnostics.
func (n *Node) Label() string {
	if n.Name != "" {
		return fmt.Sprintf("%q", n.Name)
	}
	return fmt.Sprintf("%p", n)
}

// Graph is a freely-wired network: ordered lists of input, hidden and output
// nodes. Hidden order is irrelevant for semantics; input and output order
// define the model's external tensor layout.
type Graph struct {
	Inputs  []*Node
	Hidden  []*Node
	Outputs []*Node

	// Initialized marks that the edges' weights and nodes' biases carry
	// meaningful values (seeded by hand or written back by a model), as
	// opposed to the zero values of freshly built nodes. Models consume
	// these parameters verbatim instead of running an initializer.
	Initialized bool
}

// NewGraph assembles and validates a graph. The outputs' OutputIndex is set
// to their position in the outputs slice.
func NewGraph(inputs, hidden, outputs []*Node) (*Graph, error) {
	g := &Graph{Inputs: inputs, Hidden: hidden, Outputs: outputs}
	for i, out := range outputs {
		out.OutputIndex = i
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// MustNewGraph is like NewGraph but panics on error.
func MustNewGraph(inputs, hidden, outputs []*Node) *Graph {
	g, err := NewGraph(inputs, hidden, outputs)
	if err != nil {
		panic(err)
	}
	return g
}

// Nodes returns all nodes in inputs, hidden, outputs order.
func (g *Graph) Nodes() []*Node {
	all := make([]*Node, 0, len(g.Inputs)+len(g.Hidden)+len(g.Outputs))
	all = append(all, g.Inputs...)
	all = append(all, g.Hidden...)
	return append(all, g.Outputs...)
}

// NumParameters returns the number of learned parameters: one weight per
// edge plus one bias per non-input node.
func (g *Graph) NumParameters() int {
	count := 0
	for _, n := range g.Hidden {
		count += len(n.InEdges) + 1
	}
	for _, n := range g.Outputs {
		count += len(n.InEdges) + 1
	}
	return count
}

// Validate checks the graph's structural contract: non-empty inputs and
// outputs, no node in more than one list, input nodes without inputs, every
// other node with at least one input that belongs to the graph, weights
// aligned with inputs, and known activation names. Acyclicity is not checked
// here; the batch compiler detects cycles.
func (g *Graph) Validate() error {
	if len(g.Inputs) == 0 {
		return errors.New("graph has no input nodes")
	}
	if len(g.Outputs) == 0 {
		return errors.New("graph has no output nodes")
	}
	seen := make(map[*Node]bool, len(g.Inputs)+len(g.Hidden)+len(g.Outputs))
	for _, n := range g.Nodes() {
		if n == nil {
			return errors.New("graph contains a nil node")
		}
		if seen[n] {
			return errors.Errorf("node %s appears more than once in the graph", n.Label())
		}
		seen[n] = true
	}
	for _, n := range g.Inputs {
		if len(n.Inputs) > 0 {
			return errors.Errorf("input node %s must not have inputs", n.Label())
		}
	}
	for _, n := range g.Hidden {
		if err := g.validateInternal(n, "hidden", seen); err != nil {
			return err
		}
	}
	for _, n := range g.Outputs {
		if err := g.validateInternal(n, "output", seen); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) validateInternal(n *Node, kind string, member map[*Node]bool) error {
	if len(n.Inputs) == 0 {
		return errors.Errorf("%s node %s has no inputs", kind, n.Label())
	}
	if len(n.InEdges) != len(n.Inputs) {
		return errors.Errorf("%s node %s has %d inputs but %d in-edges", kind, n.Label(), len(n.Inputs), len(n.InEdges))
	}
	for _, in := range n.Inputs {
		if !member[in] {
			return errors.Errorf("%s node %s takes input from node %s, which is not part of the graph", kind, n.Label(), in.Label())
		}
	}
	if err := validActivation(n.Activation); err != nil {
		return errors.WithMessagef(err, "%s node %s", kind, n.Label())
	}
	return nil
}

func validActivation(name string) error {
	return exceptions.TryCatch[error](func() {
		_ = activations.FromName(name)
	})
}

// Labels formats a node list for diagnostics.
func Labels(nodes []*Node) string {
	labels := make([]string, len(nodes))
	for i, n := range nodes {
		labels[i] = n.Label()
	}
	return strings.Join(labels, ", ")
}
