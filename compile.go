// Copyright 2026 The FreeWire Authors. SPDX-License-Identifier: Apache-2.0

package freewire

import (
	"github.com/pkg/errors"

	"github.com/gomlx/freewire/wiring"
)

// schedule is the output of batch compilation: nodes layered into rounds,
// each round later becoming one vectorized operation, plus the tape row
// assigned to every node. Tape row 0 is reserved and always holds zero; it
// pads the input slots of nodes with fewer inputs than their round's widest
// node. Rows satisfy the topological invariant: a node's row is strictly
// greater than the rows of all its inputs.
type schedule struct {
	rounds  [][]*wiring.Node
	rowOf   map[*wiring.Node]int
	tapeLen int
}

// compileSchedule layers the graph's hidden and output nodes into rounds. A
// node is a candidate for a round once all its inputs were assigned in
// earlier rounds. Grouping tags are atomic: if any node of a group is not a
// candidate, the whole group is held back to a later round. Rows are
// assigned contiguously after the group filter, so the used rows are exactly
// 1..tapeLen-1 with no gaps.
//
// Compilation fails fast when no candidate survives while nodes remain,
// which covers both dependency cycles and grouping constraints that can
// never be met.
func compileSchedule(g *wiring.Graph) (*schedule, error) {
	numNodes := len(g.Inputs) + len(g.Hidden) + len(g.Outputs)
	s := &schedule{rowOf: make(map[*wiring.Node]int, numNodes)}
	nextRow := 1
	for _, in := range g.Inputs {
		s.rowOf[in] = nextRow
		nextRow++
	}

	remaining := make([]*wiring.Node, 0, len(g.Hidden)+len(g.Outputs))
	remaining = append(remaining, g.Hidden...)
	remaining = append(remaining, g.Outputs...)

	groupSize := make(map[string]int)
	for _, n := range remaining {
		if n.Group != wiring.GroupNone {
			groupSize[n.Group]++
		}
	}

	assigned := make(map[*wiring.Node]bool, numNodes)
	for _, in := range g.Inputs {
		assigned[in] = true
	}

	for len(remaining) > 0 {
		candidates := make([]*wiring.Node, 0, len(remaining))
		groupReady := make(map[string]int)
		for _, n := range remaining {
			ready := true
			for _, in := range n.Inputs {
				if !assigned[in] {
					ready = false
					break
				}
			}
			if ready {
				candidates = append(candidates, n)
				if n.Group != wiring.GroupNone {
					groupReady[n.Group]++
				}
			}
		}

		// Hold back incomplete groups.
		round := candidates[:0]
		for _, n := range candidates {
			if n.Group == wiring.GroupNone || groupReady[n.Group] == groupSize[n.Group] {
				round = append(round, n)
			}
		}
		if len(round) == 0 {
			return nil, errors.Errorf(
				"wiring graph cannot be compiled: after %d rounds no remaining node is ready, "+
					"the graph has a dependency cycle or a grouping tag whose nodes can never be ready together "+
					"(stuck nodes: %s)",
				len(s.rounds), wiring.Labels(remaining))
		}

		// Rows are assigned only to the round survivors, keeping them
		// contiguous regardless of which candidates were held back.
		for _, n := range round {
			s.rowOf[n] = nextRow
			nextRow++
		}
		for _, n := range round {
			assigned[n] = true
		}
		s.rounds = append(s.rounds, round)

		kept := remaining[:0]
		for _, n := range remaining {
			if !assigned[n] {
				kept = append(kept, n)
			}
		}
		remaining = kept
	}

	s.tapeLen = nextRow
	return s, nil
}
