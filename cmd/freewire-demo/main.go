// Copyright 2026 The FreeWire Authors. SPDX-License-Identifier: Apache-2.0

// Command freewire-demo trains a small freely-wired network on the XOR
// function and prints its predictions. The hidden neurons share a grouping
// tag, so they are compiled into a single vectorized operation.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/freewire"
	"github.com/gomlx/freewire/wiring"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagEpochs       = flag.Int("epochs", 2000, "Number of training epochs.")
	flagBatchSize    = flag.Int("batch", 4, "Minibatch size.")
	flagOptimizer    = flag.String("optimizer", "adam", "Optimizer: adam, sgd or rmsprop.")
	flagLoss         = flag.String("loss", "mse", "Loss: mse or crossentropy.")
	flagLearningRate = flag.Float64("learning_rate", 0.01, "Learning rate.")
	flagInit         = flag.String("init", "he", "Weight initialization strategy.")
	flagHidden       = flag.Int("hidden", 4, "Number of hidden neurons.")
	flagDOT          = flag.String("dot", "", "If set, write the trained wiring graph in Graphviz DOT format to this file.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	backend := backends.MustNew()

	x0 := wiring.Input().WithName("x0")
	x1 := wiring.Input().WithName("x1")
	hidden := make([]*wiring.Node, *flagHidden)
	for i := range hidden {
		hidden[i] = wiring.NewNode("tanh", x0, x1).
			WithName(fmt.Sprintf("h%d", i)).
			WithGroup("hidden")
	}
	out := wiring.NewNode("sigmoid", hidden...).WithName("out")
	graph := must.M1(wiring.NewGraph(
		[]*wiring.Node{x0, x1}, hidden, []*wiring.Node{out}))

	model := must.M1(freewire.New(backend, graph, *flagInit))
	model.Context().SetParam(optimizers.ParamLearningRate, *flagLearningRate)
	fmt.Printf("Model: %s parameters, %d vectorized ops\n",
		humanize.Comma(int64(model.NumParameters())), model.NumOps())

	inputs := [][]float32{{0, 0}, {0, 1}, {1, 0}, {1, 1}}
	labels := [][]float32{{0}, {1}, {1}, {0}}
	must.M(model.Compile(*flagOptimizer, *flagLoss))
	loss := must.M1(model.Fit(inputs, labels, *flagEpochs, *flagBatchSize))
	fmt.Printf("Final loss: %.6f\n", loss)

	predictions := must.M1(model.Forward(inputs))
	for i, row := range predictions.Value().([][]float32) {
		fmt.Printf("  XOR(%g, %g) -> %.3f (want %g)\n",
			inputs[i][0], inputs[i][1], row[0], labels[i][0])
	}

	if *flagDOT != "" {
		trained := must.M1(model.UpdateGraph())
		f := must.M1(os.Create(*flagDOT))
		must.M(trained.WriteDOT(f))
		must.M(f.Close())
		fmt.Printf("Wrote wiring graph to %s\n", *flagDOT)
	}
}
