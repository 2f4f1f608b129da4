// Copyright 2026 The FreeWire Authors. SPDX-License-Identifier: Apache-2.0

package freewire

import (
	"fmt"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/initializer"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/freewire/wiring"
)

const (
	weightsVarName = "weights"
	biasesVarName  = "biases"
)

// opBatch evaluates one compiled round of nodes as a single vectorized
// operation: gather the inputs of all n nodes from the tape as an
// (n, maxInputs) block, multiply by the weights, reduce-sum, add biases,
// apply activations and scatter the results to the nodes' tape rows.
//
// Nodes with fewer inputs than maxInputs are padded with tape row 0, which
// is constant zero; their padding weights are also kept at zero, so padding
// never contributes to any sum.
type opBatch struct {
	scope string
	nodes []*wiring.Node

	maxInputs int

	// uniqueRows, shaped (u, 1), are the distinct tape rows this op reads,
	// ascending; inverseRows, shaped (n, maxInputs, 1), map each input slot
	// to its position in uniqueRows, so the tape is gathered once per
	// distinct row and then fanned out.
	uniqueRows  *tensors.Tensor
	inverseRows *tensors.Tensor

	// outputRows, shaped (n, 1), are the ascending tape rows this op writes.
	outputRows *tensors.Tensor

	// weightsMask, shaped (n, maxInputs), is true where a real edge exists.
	weightsMask *tensors.Tensor

	actGroups []activationGroup

	weightsShape, biasesShape shapes.Shape

	// Gradients captured by the last Model.ForwardWithGrad, waiting to be
	// synced to the wiring graph. Nil until then.
	weightsGrad, biasesGrad *tensors.Tensor
}

// activationGroup is a set of op-local rows sharing one activation.
type activationGroup struct {
	activation activations.Type
	rows       *tensors.Tensor // shape (k, 1), ascending
}

// newOpBatch builds the static index tensors for one compiled round.
// rowOf must cover the round's nodes and all their inputs.
func newOpBatch(opIdx int, nodes []*wiring.Node, rowOf map[*wiring.Node]int) *opBatch {
	n := len(nodes)
	op := &opBatch{
		scope: fmt.Sprintf("op-%03d", opIdx),
		nodes: nodes,
	}
	for _, node := range nodes {
		op.maxInputs = max(op.maxInputs, len(node.Inputs))
	}

	rows := make([]int32, n*op.maxInputs)
	mask := make([]bool, n*op.maxInputs)
	for i, node := range nodes {
		for j, in := range node.Inputs {
			rows[i*op.maxInputs+j] = int32(rowOf[in])
			mask[i*op.maxInputs+j] = true
		}
	}

	seen := make(map[int32]bool, len(rows))
	for _, r := range rows {
		seen[r] = true
	}
	unique := make([]int32, 0, len(seen))
	for r := range seen {
		unique = append(unique, r)
	}
	slices.Sort(unique)
	position := make(map[int32]int32, len(unique))
	for i, r := range unique {
		position[r] = int32(i)
	}
	inverse := make([]int32, len(rows))
	for i, r := range rows {
		inverse[i] = position[r]
	}

	outputRows := make([]int32, n)
	for i, node := range nodes {
		outputRows[i] = int32(rowOf[node])
	}

	op.uniqueRows = tensors.FromFlatDataAndDimensions(unique, len(unique), 1)
	op.inverseRows = tensors.FromFlatDataAndDimensions(inverse, n, op.maxInputs, 1)
	op.outputRows = tensors.FromFlatDataAndDimensions(outputRows, n, 1)
	op.weightsMask = tensors.FromFlatDataAndDimensions(mask, n, op.maxInputs)
	op.weightsShape = shapes.Make(dtypes.Float32, n, op.maxInputs)
	op.biasesShape = shapes.Make(dtypes.Float32, n)

	byActivation := make(map[activations.Type][]int32)
	for i, node := range nodes {
		t := activations.FromName(node.Activation)
		byActivation[t] = append(byActivation[t], int32(i))
	}
	for _, t := range xslices.SortedKeys(byActivation) {
		groupRows := byActivation[t]
		op.actGroups = append(op.actGroups, activationGroup{
			activation: t,
			rows:       tensors.FromFlatDataAndDimensions(groupRows, len(groupRows), 1),
		})
	}
	return op
}

// initialValuesGraph emits the initial weights and biases for this op.
// Padding slots are masked to zero.
func (op *opBatch) initialValuesGraph(g *Graph, init initializer.Initializer) (weights, biases *Node) {
	weights = init(g, op.weightsShape)
	weights = Where(ConstCachedTensor(g, op.weightsMask), weights, Zeros(g, op.weightsShape))
	biases = Zeros(g, op.biasesShape)
	return
}

// paramsFromWiring builds the weight and bias tensors from the values the
// wiring nodes carry. Padding slots stay zero.
func (op *opBatch) paramsFromWiring() (weights, biases *tensors.Tensor) {
	w := make([]float32, len(op.nodes)*op.maxInputs)
	b := make([]float32, len(op.nodes))
	for i, node := range op.nodes {
		for j, e := range node.InEdges {
			w[i*op.maxInputs+j] = float32(e.Weight)
		}
		b[i] = float32(node.Bias)
	}
	return tensors.FromFlatDataAndDimensions(w, len(op.nodes), op.maxInputs),
		tensors.FromFlatDataAndDimensions(b, len(op.nodes))
}

// variables returns the op's weight and bias variables in ctx. They must
// have been created at model construction.
func (op *opBatch) variables(ctx *context.Context) (weights, biases *context.Variable) {
	inScope := ctx.In(op.scope)
	return inScope.GetVariable(weightsVarName), inScope.GetVariable(biasesVarName)
}

// apply evaluates the op against the tape, shaped (tapeLen, batch), and
// returns the tape with this op's rows filled in.
func (op *opBatch) apply(ctx *context.Context, tape *Node) *Node {
	g := tape.Graph()
	wVar, bVar := op.variables(ctx)
	weights := wVar.ValueGraph(g) // (n, maxInputs)
	biases := bVar.ValueGraph(g)  // (n)

	gathered := Gather(tape, ConstCachedTensor(g, op.uniqueRows), true) // (u, batch)
	x := Gather(gathered, ConstCachedTensor(g, op.inverseRows))        // (n, maxInputs, batch)
	x = Mul(x, ExpandAxes(weights, -1))
	x = ReduceSum(x, 1) // (n, batch)
	x = Add(x, ExpandAxes(biases, -1))

	if len(op.actGroups) == 1 {
		x = activations.Apply(op.actGroups[0].activation, x)
	} else {
		for _, grp := range op.actGroups {
			rows := ConstCachedTensor(g, grp.rows)
			seg := Gather(x, rows, true)
			seg = activations.Apply(grp.activation, seg)
			x = ScatterUpdate(x, rows, seg, true, true)
		}
	}
	return ScatterUpdate(tape, ConstCachedTensor(g, op.outputRows), x, true, true)
}

// syncToWiring copies the given parameter tensors, and the op's last
// captured gradients when present, back to the wiring nodes and edges.
func (op *opBatch) syncToWiring(weights, biases *tensors.Tensor) {
	w := weights.Value().([][]float32)
	b := biases.Value().([]float32)
	for i, node := range op.nodes {
		for j, e := range node.InEdges {
			e.Weight = float64(w[i][j])
		}
		node.Bias = float64(b[i])
	}
	if op.weightsGrad != nil {
		wg := op.weightsGrad.Value().([][]float32)
		for i, node := range op.nodes {
			for j, e := range node.InEdges {
				e.Grad = float64(wg[i][j])
			}
		}
	}
	if op.biasesGrad != nil {
		bg := op.biasesGrad.Value().([]float32)
		for i, node := range op.nodes {
			node.BiasGrad = float64(bg[i])
		}
	}
}
