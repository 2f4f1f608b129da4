// Copyright 2026 The FreeWire Authors. SPDX-License-Identifier: Apache-2.0

package freewire

import (
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/random"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/freewire/wiring"
)

// Model is a wiring graph compiled for execution: the graph's nodes layered
// into a sequence of vectorized ops, evaluated against a flat activation
// tape of shape (tapeLen, batch). Tape row 0 is constant zero, rows
// 1..inputCount hold the input features, and each subsequent row holds the
// activation of one hidden or output node.
//
// A Model is not safe for concurrent use.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	graph   *wiring.Graph

	inputCount  int
	outputCount int
	tapeLen     int
	dtype       dtypes.DType

	ops []*opBatch

	// outputRows, shaped (outputCount, 1), are the tape rows of the output
	// nodes in their declared order.
	outputRows *tensors.Tensor

	forwardExec *context.Exec
	gradExec    *context.Exec

	optimizer optimizers.Interface
	lossFn    losses.LossFn
	trainer   *train.Trainer
}

// New compiles the wiring graph into a model. The initialization name
// selects the weight initializer for a fresh graph ("he", "xavier-uniform",
// "xavier-normal", "normal", "uniform" or "zeros"; "" defaults to "he");
// when graph.Initialized is set the parameters are taken from the graph's
// edges and nodes instead.
//
// It fails on invalid graphs, dependency cycles, grouping tags that can
// never be scheduled and unknown initialization names.
func New(backend backends.Backend, graph *wiring.Graph, initialization string) (*Model, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	sched, err := compileSchedule(graph)
	if err != nil {
		return nil, err
	}
	m := &Model{
		backend:     backend,
		ctx:         context.New(),
		graph:       graph,
		inputCount:  len(graph.Inputs),
		outputCount: len(graph.Outputs),
		tapeLen:     sched.tapeLen,
		dtype:       dtypes.Float32,
	}
	m.ops = make([]*opBatch, len(sched.rounds))
	for i, round := range sched.rounds {
		m.ops[i] = newOpBatch(i, round, sched.rowOf)
	}
	outRows := make([]int32, m.outputCount)
	for _, out := range graph.Outputs {
		outRows[out.OutputIndex] = int32(sched.rowOf[out])
	}
	m.outputRows = tensors.FromFlatDataAndDimensions(outRows, m.outputCount, 1)
	if err := m.initParameters(initialization); err != nil {
		return nil, err
	}
	klog.V(1).Infof("freewire: compiled %d-node graph into %d ops, tape length %d",
		m.inputCount+len(graph.Hidden)+m.outputCount, len(m.ops), m.tapeLen)
	return m, nil
}

// MustNew is like New but panics on error.
func MustNew(backend backends.Backend, graph *wiring.Graph, initialization string) *Model {
	m, err := New(backend, graph, initialization)
	if err != nil {
		panic(err)
	}
	return m
}

// initParameters materializes the weight and bias variables, either from the
// wiring graph's values or by running the named initializer once, and syncs
// them back so the graph always reflects the model.
func (m *Model) initParameters(initialization string) error {
	if m.graph.Initialized {
		for _, op := range m.ops {
			w, b := op.paramsFromWiring()
			scoped := m.ctx.In(op.scope)
			scoped.VariableWithValue(weightsVarName, w)
			scoped.VariableWithValue(biasesVarName, b)
		}
		return nil
	}
	init, err := initializerByName(initialization, random.New())
	if err != nil {
		return err
	}
	exec, err := NewExecOrError(m.backend, func(g *Graph) []*Node {
		outs := make([]*Node, 0, 2*len(m.ops))
		for _, op := range m.ops {
			w, b := op.initialValuesGraph(g, init)
			outs = append(outs, w, b)
		}
		return outs
	})
	if err != nil {
		return errors.WithMessage(err, "failed to build the parameter initialization program")
	}
	defer exec.Finalize()
	values, err := exec.CallOrError()
	if err != nil {
		return errors.WithMessage(err, "failed to initialize parameters")
	}
	for i, op := range m.ops {
		scoped := m.ctx.In(op.scope)
		scoped.VariableWithValue(weightsVarName, values[2*i])
		scoped.VariableWithValue(biasesVarName, values[2*i+1])
	}
	_, err = m.UpdateGraph()
	return err
}

// Context returns the GoMLX context holding the model's variables and
// hyperparameters, e.g. optimizers.ParamLearningRate for Fit.
func (m *Model) Context() *context.Context {
	return m.ctx
}

// NumParameters returns the number of learned parameters.
func (m *Model) NumParameters() int {
	return m.graph.NumParameters()
}

// NumOps returns the number of vectorized operations the wiring graph
// compiled into.
func (m *Model) NumOps() int {
	return len(m.ops)
}

// forwardGraph builds the forward computation: lay out the tape, run the
// ops in compiled order and extract the output rows.
func (m *Model) forwardGraph(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	if x.Rank() == 1 {
		x = InsertAxes(x, 0)
	}
	if x.Rank() != 2 {
		exceptions.Panicf("model input must be shaped (batch, %d) or be a vector of %d features, got shape %s",
			m.inputCount, m.inputCount, x.Shape())
	}
	if x.Shape().Dimensions[1] != m.inputCount {
		exceptions.Panicf("model has %d input features, got %d (input shape %s)",
			m.inputCount, x.Shape().Dimensions[1], x.Shape())
	}
	x = ConvertDType(x, m.dtype)
	batch := x.Shape().Dimensions[0]

	parts := []*Node{
		Zeros(g, shapes.Make(m.dtype, 1, batch)),
		Transpose(x, 0, 1),
	}
	if rest := m.tapeLen - 1 - m.inputCount; rest > 0 {
		parts = append(parts, Zeros(g, shapes.Make(m.dtype, rest, batch)))
	}
	tape := Concatenate(parts, 0)
	for _, op := range m.ops {
		tape = op.apply(ctx, tape)
	}
	out := Gather(tape, ConstCachedTensor(g, m.outputRows)) // (outputCount, batch)
	return Transpose(out, 0, 1)
}

// Forward evaluates the model. x is any value convertible to a tensor
// shaped (batch, inputCount); a plain vector of inputCount features is
// promoted to a batch of one. It returns a (batch, outputCount) tensor.
func (m *Model) Forward(x any) (*tensors.Tensor, error) {
	if m.forwardExec == nil {
		exec, err := context.NewExec(m.backend, m.ctx, m.forwardGraph)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to set up forward evaluation")
		}
		m.forwardExec = exec
	}
	return m.forwardExec.Exec1(x)
}

// MustForward is like Forward but panics on error.
func (m *Model) MustForward(x any) *tensors.Tensor {
	result, err := m.Forward(x)
	if err != nil {
		panic(err)
	}
	return result
}

func (m *Model) forwardWithGradGraph(ctx *context.Context, x *Node) []*Node {
	out := m.forwardGraph(ctx, x)
	loss := ReduceAllSum(out)
	params := make([]*Node, 0, 2*len(m.ops))
	for _, op := range m.ops {
		wVar, bVar := op.variables(ctx)
		params = append(params, wVar.ValueGraph(out.Graph()), bVar.ValueGraph(out.Graph()))
	}
	grads := Gradient(loss, params...)
	return append([]*Node{out}, grads...)
}

// ForwardWithGrad evaluates the model and the gradient of the summed
// outputs with respect to every weight and bias, then syncs parameters and
// gradients to the wiring graph. It returns the same output as Forward.
func (m *Model) ForwardWithGrad(x any) (*tensors.Tensor, error) {
	if m.gradExec == nil {
		exec, err := context.NewExec(m.backend, m.ctx, m.forwardWithGradGraph)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to set up gradient evaluation")
		}
		m.gradExec = exec
	}
	results, err := m.gradExec.Exec(x)
	if err != nil {
		return nil, err
	}
	for i, op := range m.ops {
		op.weightsGrad = results[1+2*i]
		op.biasesGrad = results[2+2*i]
	}
	if _, err := m.UpdateGraph(); err != nil {
		return nil, err
	}
	return results[0], nil
}

// UpdateGraph copies the model's current weights and biases, and the last
// gradients captured by ForwardWithGrad, into the wiring graph. It marks
// the graph Initialized and returns it; the model itself is unchanged.
func (m *Model) UpdateGraph() (*wiring.Graph, error) {
	for _, op := range m.ops {
		wVar, bVar := op.variables(m.ctx)
		if wVar == nil || bVar == nil {
			return nil, errors.Errorf("model variables for scope %q are missing", op.scope)
		}
		w, err := wVar.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read weights of scope %q", op.scope)
		}
		b, err := bVar.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read biases of scope %q", op.scope)
		}
		op.syncToWiring(w, b)
	}
	m.graph.Initialized = true
	return m.graph, nil
}

// Compile selects the optimizer and loss used by Fit. Valid optimizers are
// "adam", "sgd" and "rmsprop"; valid losses are "mse" (alias
// "mean-squared-error") and "crossentropy" (alias "cross-entropy", one-hot
// labels over logits).
func (m *Model) Compile(optimizer, loss string) error {
	switch strings.ToLower(optimizer) {
	case "adam":
		m.optimizer = optimizers.Adam().Done()
	case "sgd":
		m.optimizer = optimizers.StochasticGradientDescent().Done()
	case "rmsprop":
		m.optimizer = optimizers.RMSProp().Done()
	default:
		return errors.Errorf("unknown optimizer %q, valid names are \"adam\", \"sgd\" and \"rmsprop\"", optimizer)
	}
	switch strings.ToLower(loss) {
	case "mse", "mean-squared-error":
		m.lossFn = losses.MeanSquaredError
	case "crossentropy", "cross-entropy":
		m.lossFn = losses.CategoricalCrossEntropyLogits
	default:
		m.optimizer = nil
		return errors.Errorf("unknown loss %q, valid names are \"mse\" (alias \"mean-squared-error\") and \"crossentropy\" (alias \"cross-entropy\")", loss)
	}
	m.trainer = nil
	return nil
}

func (m *Model) trainModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return []*Node{m.forwardGraph(ctx, inputs[0])}
}

// Fit trains the model on inputs x and labels y for the given number of
// epochs, in minibatches of batchSize examples (a value <= 0 or larger than
// the number of examples means full batch; incomplete trailing batches are
// dropped). It requires a previous Compile call. It returns the average
// loss of the last epoch, and syncs the wiring graph when done.
func (m *Model) Fit(x, y any, epochs, batchSize int) (float64, error) {
	if m.optimizer == nil || m.lossFn == nil {
		return 0, errors.New("model is not compiled, call Compile(optimizer, loss) before Fit")
	}
	if epochs <= 0 {
		return 0, errors.Errorf("epochs must be positive, got %d", epochs)
	}
	var inputs, labels *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		inputs = tensors.FromAnyValue(x)
		labels = tensors.FromAnyValue(y)
	})
	if err != nil {
		return 0, errors.WithMessage(err, "cannot convert training data to tensors")
	}
	if inputs.Rank() != 2 {
		return 0, errors.Errorf("training inputs must be shaped (numExamples, %d), got shape %s",
			m.inputCount, inputs.Shape())
	}
	if inputs.Shape().Dimensions[1] != m.inputCount {
		return 0, errors.Errorf("training inputs have %d features, model has %d inputs",
			inputs.Shape().Dimensions[1], m.inputCount)
	}
	numExamples := inputs.Shape().Dimensions[0]
	if labels.Rank() == 0 || labels.Shape().Dimensions[0] != numExamples {
		return 0, errors.Errorf("got %d training inputs but labels shaped %s", numExamples, labels.Shape())
	}
	if batchSize <= 0 || batchSize > numExamples {
		batchSize = numExamples
	}

	if m.trainer == nil {
		m.trainer = train.NewTrainer(m.backend, m.ctx, m.trainModelGraph, m.lossFn, m.optimizer, nil, nil)
	}
	ds, err := datasets.InMemoryFromData(m.backend, "training data", []any{inputs}, []any{labels})
	if err != nil {
		return 0, errors.WithMessage(err, "failed to stage training data")
	}
	ds.BatchSize(batchSize, true)

	numBatches := numExamples / batchSize
	var epochLoss float64
	for epoch := range epochs {
		ds.Reset()
		bar := progressbar.Default(int64(numBatches), fmt.Sprintf("epoch %d/%d", epoch+1, epochs))
		epochLoss = 0
		steps := 0
		for {
			_, batchInputs, batchLabels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return 0, errors.WithMessage(err, "failed to read minibatch")
			}
			batchMetrics, err := m.trainer.TrainStep(nil, batchInputs, batchLabels)
			if err != nil {
				return 0, errors.WithMessagef(err, "training step failed on epoch %d", epoch+1)
			}
			epochLoss += scalarToFloat64(batchMetrics[0])
			steps++
			_ = bar.Add(1)
		}
		_ = bar.Finish()
		if steps > 0 {
			epochLoss /= float64(steps)
		}
		klog.V(1).Infof("freewire: epoch [%d/%d] loss=%.6g", epoch+1, epochs, epochLoss)
	}

	// Training created per-batch-size executables; drop the cached programs.
	if m.forwardExec != nil {
		m.forwardExec.Finalize()
		m.forwardExec = nil
	}
	if m.gradExec != nil {
		m.gradExec.Finalize()
		m.gradExec = nil
	}
	if _, err := m.UpdateGraph(); err != nil {
		return 0, err
	}
	return epochLoss, nil
}

func scalarToFloat64(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	exceptions.Panicf("expected a float scalar, got shape %s", t.Shape())
	return 0
}
