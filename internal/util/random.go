// Package util provides utility functions for the CohortPipe application.
package util

import (
	"fmt"
	"math/rand/v2"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// RunIDPrefix is prepended to every generated run ID.
const RunIDPrefix = "run_"

// runIDAlphabet is URL-safe and free of separators so run IDs can be used in
// object keys and file names unchanged.
const runIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// runIDLength is the number of random characters after the prefix.
const runIDLength = 16

// NewSource returns a PCG random source for the given seed together with the seed
// actually used. A zero seed draws a fresh seed from the process entropy, so an
// unseeded run can still be replayed by passing the returned seed back in.
func NewSource(seed uint64) (rand.Source, uint64) {
	if seed == 0 {
		seed = rand.Uint64()
		// PCG accepts zero, but zero is reserved for "unseeded" in configuration.
		for seed == 0 {
			seed = rand.Uint64()
		}
	}
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15), seed
}

// GenerateRunID generates a unique run ID with "run_" prefix.
func GenerateRunID() (string, error) {
	id, err := nanoid.Generate(runIDAlphabet, runIDLength)
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return RunIDPrefix + id, nil
}
