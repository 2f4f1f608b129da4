// Copyright 2026 The FreeWire Authors. SPDX-License-Identifier: Apache-2.0

package freewire

import (
	"github.com/pkg/errors"

	"github.com/gomlx/gomlx/pkg/ml/initializer"
	"github.com/gomlx/gomlx/pkg/ml/random"
)

// initializerByName maps an initialization strategy name to a GoMLX weight
// initializer. The empty name defaults to "he".
func initializerByName(name string, rng *random.Random) (initializer.Initializer, error) {
	switch name {
	case "", "he":
		return initializer.He(rng), nil
	case "xavier-uniform", "xavier", "glorot":
		return initializer.XavierUniform(rng), nil
	case "xavier-normal":
		return initializer.XavierNormal(rng), nil
	case "normal":
		return initializer.Normal(rng, 0.05), nil
	case "uniform":
		return initializer.Uniform(rng, -0.05, 0.05), nil
	case "zeros":
		return initializer.Zero, nil
	}
	return nil, errors.Errorf(
		"unknown initialization %q, valid names are \"he\", \"xavier-uniform\" (aka \"xavier\", \"glorot\"), "+
			"\"xavier-normal\", \"normal\", \"uniform\" and \"zeros\"", name)
}
