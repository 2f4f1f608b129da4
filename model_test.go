// Copyright 2026 The FreeWire Authors. SPDX-License-Identifier: Apache-2.0

package freewire

import (
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/freewire/wiring"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

var (
	testBackendOnce sync.Once
	testBackend     backends.Backend
)

func getTestBackend() backends.Backend {
	testBackendOnce.Do(func() {
		testBackend = backends.MustNew()
	})
	return testBackend
}

// linearGraph builds the smallest model: no hidden nodes, one identity
// output with weights [0.5, -0.5] and bias 0.1.
func linearGraph(t *testing.T) *wiring.Graph {
	x0, x1 := wiring.Input(), wiring.Input()
	out := wiring.NewNode("", x0, x1)
	require.NoError(t, out.SetParameters([]float64{0.5, -0.5}, 0.1))
	g := wiring.MustNewGraph(
		[]*wiring.Node{x0, x1}, nil, []*wiring.Node{out})
	g.Initialized = true
	return g
}

func TestForwardLinear(t *testing.T) {
	model, err := New(getTestBackend(), linearGraph(t), "")
	require.NoError(t, err)

	got, err := model.Forward([][]float32{{1, 2}})
	require.NoError(t, err)
	rows := got.Value().([][]float32)
	require.Len(t, rows, 1)
	assert.InDelta(t, -0.4, rows[0][0], 1e-6)

	// A plain feature vector is promoted to a batch of one.
	got, err = model.Forward([]float32{1, 2})
	require.NoError(t, err)
	assert.InDelta(t, -0.4, got.Value().([][]float32)[0][0], 1e-6)

	// Larger batch.
	got, err = model.Forward([][]float32{{1, 2}, {3, 1}})
	require.NoError(t, err)
	rows = got.Value().([][]float32)
	require.Len(t, rows, 2)
	assert.InDelta(t, -0.4, rows[0][0], 1e-6)
	assert.InDelta(t, 1.1, rows[1][0], 1e-6)
}

func TestForwardShapeErrors(t *testing.T) {
	model, err := New(getTestBackend(), linearGraph(t), "")
	require.NoError(t, err)

	_, err = model.Forward([][][]float32{{{1, 2}}})
	require.Error(t, err)

	_, err = model.Forward([][]float32{{1, 2, 3}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input features")
}

func TestZeroInitializedOutputsZero(t *testing.T) {
	x0, x1, x2 := wiring.Input(), wiring.Input(), wiring.Input()
	h0 := wiring.NewNode("relu", x0, x1, x2)
	h1 := wiring.NewNode("relu", x0, x2)
	out := wiring.NewNode("relu", h0, h1)
	g := wiring.MustNewGraph(
		[]*wiring.Node{x0, x1, x2},
		[]*wiring.Node{h0, h1},
		[]*wiring.Node{out})

	model, err := New(getTestBackend(), g, "zeros")
	require.NoError(t, err)
	assert.Equal(t, 2, model.NumOps())
	assert.Equal(t, 5+2+3, model.NumParameters())

	got, err := model.Forward([][]float32{{1, 0, -1}})
	require.NoError(t, err)
	assert.Equal(t, float32(0), got.Value().([][]float32)[0][0])
}

func TestOutputOrder(t *testing.T) {
	x := wiring.Input()
	outA := wiring.NewNode("", x)
	outB := wiring.NewNode("", x)
	require.NoError(t, outA.SetParameters([]float64{1}, 0))
	require.NoError(t, outB.SetParameters([]float64{2}, 0))
	g := wiring.MustNewGraph(
		[]*wiring.Node{x}, nil, []*wiring.Node{outB, outA})
	g.Initialized = true

	model, err := New(getTestBackend(), g, "")
	require.NoError(t, err)
	got, err := model.Forward([][]float32{{3}})
	require.NoError(t, err)
	rows := got.Value().([][]float32)
	assert.InDelta(t, 6, rows[0][0], 1e-6)
	assert.InDelta(t, 3, rows[0][1], 1e-6)
}

func TestUpdateGraphRoundTrip(t *testing.T) {
	x0, x1 := wiring.Input(), wiring.Input()
	h0 := wiring.NewNode("tanh", x0, x1)
	h1 := wiring.NewNode("tanh", x0, x1, h0)
	h2 := wiring.NewNode("relu", h0, h1)
	outA := wiring.NewNode("sigmoid", h1, h2)
	outB := wiring.NewNode("", h2, x0)
	g := wiring.MustNewGraph(
		[]*wiring.Node{x0, x1},
		[]*wiring.Node{h0, h1, h2},
		[]*wiring.Node{outA, outB})

	backend := getTestBackend()
	model1, err := New(backend, g, "he")
	require.NoError(t, err)

	batch := [][]float32{{0.5, -1}, {2, 0.25}, {-3, 1}}
	want, err := model1.Forward(batch)
	require.NoError(t, err)

	trained, err := model1.UpdateGraph()
	require.NoError(t, err)
	require.True(t, trained.Initialized)

	// A model rebuilt from the synced graph reproduces the outputs; the
	// initialization name is ignored for initialized graphs.
	model2, err := New(backend, trained, "zeros")
	require.NoError(t, err)
	got, err := model2.Forward(batch)
	require.NoError(t, err)

	wantRows := want.Value().([][]float32)
	gotRows := got.Value().([][]float32)
	require.Len(t, gotRows, len(wantRows))
	for i := range wantRows {
		for j := range wantRows[i] {
			assert.InDelta(t, wantRows[i][j], gotRows[i][j], 1e-5)
		}
	}
}

func TestForwardWithGrad(t *testing.T) {
	x := wiring.Input()
	out := wiring.NewNode("", x)
	require.NoError(t, out.SetParameters([]float64{3}, 1))
	g := wiring.MustNewGraph([]*wiring.Node{x}, nil, []*wiring.Node{out})
	g.Initialized = true

	model, err := New(getTestBackend(), g, "")
	require.NoError(t, err)

	got, err := model.ForwardWithGrad([][]float32{{2}, {4}})
	require.NoError(t, err)
	rows := got.Value().([][]float32)
	assert.InDelta(t, 7, rows[0][0], 1e-6)
	assert.InDelta(t, 13, rows[1][0], 1e-6)

	// d(Σ outputs)/dw = Σ x = 6, d(Σ outputs)/dbias = batch size = 2.
	assert.InDelta(t, 6, out.InEdges[0].Grad, 1e-6)
	assert.InDelta(t, 2, out.BiasGrad, 1e-6)
}

func TestFitBeforeCompileFails(t *testing.T) {
	g := linearGraph(t)
	model, err := New(getTestBackend(), g, "")
	require.NoError(t, err)

	_, err = model.Fit([][]float32{{1, 2}}, [][]float32{{0}}, 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not compiled")

	// The failed call must not have touched the parameters.
	assert.Equal(t, 0.5, g.Outputs[0].InEdges[0].Weight)
	assert.Equal(t, 0.1, g.Outputs[0].Bias)
}

func TestFitDataErrors(t *testing.T) {
	model, err := New(getTestBackend(), linearGraph(t), "")
	require.NoError(t, err)
	require.NoError(t, model.Compile("sgd", "mse"))

	_, err = model.Fit([]float32{1, 2}, [][]float32{{0}}, 1, 0)
	require.Error(t, err)

	_, err = model.Fit([][]float32{{1, 2, 3}}, [][]float32{{0}}, 1, 0)
	require.Error(t, err)

	_, err = model.Fit([][]float32{{1, 2}}, [][]float32{{0}, {1}}, 1, 0)
	require.Error(t, err)
}

func TestCompileErrors(t *testing.T) {
	model, err := New(getTestBackend(), linearGraph(t), "")
	require.NoError(t, err)

	err = model.Compile("newton", "mse")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown optimizer")

	err = model.Compile("adam", "hinge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown loss")

	// A half-failed Compile leaves the model uncompiled.
	_, err = model.Fit([][]float32{{1, 2}}, [][]float32{{0}}, 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not compiled")
}

func TestFitLearnsLinearTarget(t *testing.T) {
	x := wiring.Input()
	out := wiring.NewNode("", x)
	g := wiring.MustNewGraph([]*wiring.Node{x}, nil, []*wiring.Node{out})

	model, err := New(getTestBackend(), g, "zeros")
	require.NoError(t, err)
	model.Context().SetParam(optimizers.ParamLearningRate, 0.1)
	require.NoError(t, model.Compile("sgd", "mse"))

	// y = 3x + 1 over x in [-1, 1].
	const numExamples = 16
	inputs := make([][]float32, numExamples)
	labels := make([][]float32, numExamples)
	for i := range inputs {
		xv := float32(i)/(numExamples/2) - 1
		inputs[i] = []float32{xv}
		labels[i] = []float32{3*xv + 1}
	}

	first, err := model.Fit(inputs, labels, 1, 0)
	require.NoError(t, err)
	last, err := model.Fit(inputs, labels, 60, 0)
	require.NoError(t, err)
	assert.Less(t, last, first)
	assert.Less(t, last, 0.1)

	// The learned parameters were synced back to the wiring graph.
	assert.InDelta(t, 3, out.InEdges[0].Weight, 0.3)
	assert.InDelta(t, 1, out.Bias, 0.3)
}

func TestNewErrors(t *testing.T) {
	backend := getTestBackend()

	x := wiring.Input()
	out := wiring.NewNode("", x)
	g := wiring.MustNewGraph([]*wiring.Node{x}, nil, []*wiring.Node{out})
	_, err := New(backend, g, "frobnicate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown initialization")

	h1 := wiring.NewNode("relu", x).WithGroup("g")
	h2 := wiring.NewNode("relu", h1).WithGroup("g")
	out2 := wiring.NewNode("", h2)
	g2 := wiring.MustNewGraph(
		[]*wiring.Node{x}, []*wiring.Node{h1, h2}, []*wiring.Node{out2})
	_, err = New(backend, g2, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be compiled")
}
