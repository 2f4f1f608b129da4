// Copyright 2026 The FreeWire Authors. SPDX-License-Identifier: Apache-2.0

package wiring

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// WriteDOT writes the graph in Graphviz DOT format, one box per node and one
// arrow per edge. When the graph is Initialized, edges are labeled with their
// weights.
func (g *Graph) WriteDOT(w io.Writer) error {
	all := g.Nodes()
	index := make(map[*Node]int, len(all))
	for i, n := range all {
		index[n] = i
	}
	var err error
	printf := func(format string, args ...any) {
		if err != nil {
			return
		}
		_, err = fmt.Fprintf(w, format, args...)
	}
	printf("digraph wiring {\n")
	printf("  rankdir=LR;\n")
	printf("  node [shape=box];\n")
	for i, n := range all {
		label := n.Name
		if label == "" {
			label = fmt.Sprintf("n%d", i)
		}
		if n.Activation != "" {
			label += "\\n" + n.Activation
		}
		if n.Group != GroupNone {
			label += "\\n[" + n.Group + "]"
		}
		attrs := fmt.Sprintf("label=%q", label)
		if i < len(g.Inputs) {
			attrs += ", style=filled, fillcolor=lightblue"
		} else if n.OutputIndex >= 0 {
			attrs += ", style=filled, fillcolor=lightyellow"
		}
		printf("  n%d [%s];\n", i, attrs)
	}
	for i, n := range all {
		for j, in := range n.Inputs {
			if g.Initialized {
				printf("  n%d -> n%d [label=\"%.3g\"];\n", index[in], i, n.InEdges[j].Weight)
			} else {
				printf("  n%d -> n%d;\n", index[in], i)
			}
		}
	}
	printf("}\n")
	return errors.Wrap(err, "failed to write DOT graph")
}
