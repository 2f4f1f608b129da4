// Copyright 2026 The FreeWire Authors. SPDX-License-Identifier: Apache-2.0

// Package freewire trains neural networks whose connectivity is an arbitrary
// DAG of individual neurons, described with the wiring package. Instead of
// evaluating neurons one by one, a model compiles the wiring graph into a
// short sequence of dense vectorized operations executed against a flat
// activation tape, and delegates tensors, autodiff and optimization to GoMLX.
//
// Typical use:
//
//	x0, x1 := wiring.Input(), wiring.Input()
//	h := wiring.NewNode("tanh", x0, x1)
//	out := wiring.NewNode("sigmoid", h, x0)
//	g := wiring.MustNewGraph(
//		[]*wiring.Node{x0, x1}, []*wiring.Node{h}, []*wiring.Node{out})
//
//	model := freewire.MustNew(backend, g, "he")
//	err := model.Compile("adam", "mse")
//	...
//	loss, err := model.Fit(trainX, trainY, 100, 32)
//	pred, err := model.Forward(testX)
package freewire
