// Copyright 2026 The FreeWire Authors. SPDX-License-Identifier: Apache-2.0

package wiring

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Graphs serialize to JSON with nodes referenced by their position in
// Nodes() order, which keeps the format flat and cycle-free.

type jsonNode struct {
	Name       string    `json:"name,omitempty"`
	Kind       string    `json:"kind"`
	Activation string    `json:"activation,omitempty"`
	Group      string    `json:"group,omitempty"`
	Inputs     []int     `json:"inputs,omitempty"`
	Weights    []float64 `json:"weights,omitempty"`
	Bias       float64   `json:"bias,omitempty"`
}

type jsonGraph struct {
	Initialized bool       `json:"initialized,omitempty"`
	Nodes       []jsonNode `json:"nodes"`
}

const (
	kindInput  = "input"
	kindHidden = "hidden"
	kindOutput = "output"
)

// Save writes the graph as JSON.
func (g *Graph) Save(w io.Writer) error {
	if err := g.Validate(); err != nil {
		return errors.WithMessage(err, "cannot save invalid graph")
	}
	all := g.Nodes()
	index := make(map[*Node]int, len(all))
	for i, n := range all {
		index[n] = i
	}
	jg := jsonGraph{
		Initialized: g.Initialized,
		Nodes:       make([]jsonNode, len(all)),
	}
	for i, n := range all {
		jn := jsonNode{
			Name:       n.Name,
			Activation: n.Activation,
			Group:      n.Group,
			Bias:       n.Bias,
		}
		switch {
		case i < len(g.Inputs):
			jn.Kind = kindInput
		case i < len(g.Inputs)+len(g.Hidden):
			jn.Kind = kindHidden
		default:
			jn.Kind = kindOutput
		}
		if len(n.Inputs) > 0 {
			jn.Inputs = make([]int, len(n.Inputs))
			jn.Weights = make([]float64, len(n.Inputs))
			for j, in := range n.Inputs {
				jn.Inputs[j] = index[in]
				jn.Weights[j] = n.InEdges[j].Weight
			}
		}
		jg.Nodes[i] = jn
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(jg), "failed to encode graph")
}

// Load reads a graph saved with Save. The returned graph is validated.
func Load(r io.Reader) (*Graph, error) {
	var jg jsonGraph
	if err := json.NewDecoder(r).Decode(&jg); err != nil {
		return nil, errors.Wrap(err, "failed to decode graph")
	}
	all := make([]*Node, len(jg.Nodes))
	for i := range all {
		all[i] = &Node{OutputIndex: -1}
	}
	var inputs, hidden, outputs []*Node
	for i, jn := range jg.Nodes {
		n := all[i]
		n.Name = jn.Name
		n.Activation = jn.Activation
		n.Group = jn.Group
		n.Bias = jn.Bias
		if len(jn.Weights) != len(jn.Inputs) {
			return nil, errors.Errorf("node #%d has %d inputs but %d weights", i, len(jn.Inputs), len(jn.Weights))
		}
		n.Inputs = make([]*Node, len(jn.Inputs))
		n.InEdges = make([]*Edge, len(jn.Inputs))
		for j, from := range jn.Inputs {
			if from < 0 || from >= len(all) {
				return nil, errors.Errorf("node #%d references out-of-range node #%d", i, from)
			}
			n.Inputs[j] = all[from]
			n.InEdges[j] = &Edge{From: all[from], To: n, Weight: jn.Weights[j]}
		}
		switch jn.Kind {
		case kindInput:
			inputs = append(inputs, n)
		case kindHidden:
			hidden = append(hidden, n)
		case kindOutput:
			outputs = append(outputs, n)
		default:
			return nil, errors.Errorf("node #%d has unknown kind %q", i, jn.Kind)
		}
	}
	g, err := NewGraph(inputs, hidden, outputs)
	if err != nil {
		return nil, err
	}
	g.Initialized = jg.Initialized
	return g, nil
}
