/*
Copyright 2011-2024 Frederic Langlet
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
you may obtain a copy of the License at

                http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package predictor

import (
	"errors"

	internal "github.com/strata-zip/strata/internal"
)

// apmState holds the table shared by every AdaptiveProbMap variant below:
// a probability curve per context, refined one gradient step per bit.
type apmState struct {
	index    int      // table slot touched by the previous Get call
	rate     uint     // shift controlling how fast the curve adapts
	data     []uint16 // one quantized probability curve per context
	gradient [2]int   // target value to chase, indexed by observed bit
}

// gradientTarget returns the {bit=0, bit=1} targets every APM variant
// chases: 0 and 65528 + 2^rate, slightly above the top of the 16-bit
// probability scale.
func gradientTarget(rate uint) [2]int {
	return [2]int{0, 65528 + (1 << rate)}
}

// APM variant selectors for NewAdaptiveProbMap.
const (
	LinearAPM       = 0
	LogisticAPM     = 1
	FastLogisticAPM = 2
)

// AdaptiveProbMap maps a probability and a context to a new, refined
// probability that the next bit will be 1. After each guess it nudges its
// internal curve toward the observed bit so later guesses in the same
// context improve.
type AdaptiveProbMap interface {
	Get(bit int, pr int, ctx int) int
}

// LinearAdaptiveProbMap maps a probability and a context into a new
// probability using linear interpolation of probabilities.
type LinearAdaptiveProbMap apmState

// LogisticAdaptiveProbMap maps a probability and a context into a new
// probability using interpolation in the logistic domain.
type LogisticAdaptiveProbMap apmState

// FastLogisticAdaptiveProbMap is similar to LogisticAdaptiveProbMap but
// works faster at the expense of some accuracy.
type FastLogisticAdaptiveProbMap apmState

// NewAdaptiveProbMap creates an instance of AdaptiveProbMap of the
// requested variant, sized for n contexts and adapting at the given rate.
func NewAdaptiveProbMap(mapType int, n, rate uint) (AdaptiveProbMap, error) {
	switch mapType {
	case LinearAPM:
		return newLinearAdaptiveProbMap(n, rate)
	case LogisticAPM:
		return newLogisticAdaptiveProbMap(n, rate)
	case FastLogisticAPM:
		return newFastLogisticAdaptiveProbMap(n, rate)
	default:
		return nil, errors.New("adaptive probability map: unknown variant")
	}
}

func newLogisticAdaptiveProbMap(n, rate uint) (*LogisticAdaptiveProbMap, error) {
	lap := &LogisticAdaptiveProbMap{}
	curveWidth := uint(33)
	size := n * curveWidth

	if size == 0 {
		size = curveWidth
	}

	lap.data = make([]uint16, size)
	lap.rate = rate

	for j := uint(0); j <= 32; j++ {
		lap.data[j] = uint16(internal.Squash((int(j)-16)<<7) << 4)
	}

	for i := uint(1); i < n; i++ {
		copy(lap.data[i*curveWidth:], lap.data[0:curveWidth])
	}

	lap.gradient = gradientTarget(rate)
	return lap, nil
}

// Get returns the refined prediction for the given bit, prior probability
// and context, and folds the observed bit into the curve for next time.
func (lap *LogisticAdaptiveProbMap) Get(bit int, pr int, ctx int) int {
	g := lap.gradient[bit]
	lap.data[lap.index+1] += uint16((g - int(lap.data[lap.index+1])) >> lap.rate)
	lap.data[lap.index] += uint16((g - int(lap.data[lap.index])) >> lap.rate)
	pr = internal.STRETCH[pr]

	// slot = 33*ctx + quantized prediction in [0..32]
	lap.index = ((pr + 2048) >> 7) + 33*ctx

	// Interpolate between the two neighboring curve points.
	weight := pr & 127
	return (int(lap.data[lap.index+1])*weight + int(lap.data[lap.index])*(128-weight)) >> 11
}

func newFastLogisticAdaptiveProbMap(n, rate uint) (*FastLogisticAdaptiveProbMap, error) {
	fla := &FastLogisticAdaptiveProbMap{}
	curveWidth := uint(32)
	fla.data = make([]uint16, n*curveWidth)
	fla.rate = rate

	for j := uint(0); j < curveWidth; j++ {
		fla.data[j] = uint16(internal.Squash((int(j)-16)<<7) << 4)
	}

	for i := uint(1); i < n; i++ {
		copy(fla.data[i*curveWidth:], fla.data[0:curveWidth])
	}

	fla.gradient = gradientTarget(rate)
	return fla, nil
}

// Get returns the refined prediction for the given bit, prior probability
// and context. Skips the two-point interpolation LogisticAdaptiveProbMap
// does, trading a little accuracy for one fewer table lookup.
func (fla *FastLogisticAdaptiveProbMap) Get(bit int, pr int, ctx int) int {
	g := fla.gradient[bit]
	fla.data[fla.index] += uint16((g - int(fla.data[fla.index])) >> fla.rate)
	fla.index = ((internal.STRETCH[pr] + 2048) >> 7) + 32*ctx
	return int(fla.data[fla.index]) >> 4
}

func newLinearAdaptiveProbMap(n, rate uint) (*LinearAdaptiveProbMap, error) {
	lap := &LinearAdaptiveProbMap{}
	curveWidth := uint(65)
	size := n * curveWidth

	if size == 0 {
		size = curveWidth
	}

	lap.data = make([]uint16, size)
	lap.rate = rate

	for j := uint(0); j <= 64; j++ {
		lap.data[j] = uint16(j<<6) << 4
	}

	for i := uint(1); i < n; i++ {
		copy(lap.data[i*curveWidth:], lap.data[0:curveWidth])
	}

	lap.gradient = gradientTarget(rate)
	return lap, nil
}

// Get returns the refined prediction for the given bit, prior probability
// and context, working directly in the linear probability domain instead
// of the logistic (stretch/squash) one.
func (lap *LinearAdaptiveProbMap) Get(bit int, pr int, ctx int) int {
	g := lap.gradient[bit]
	lap.data[lap.index+1] += uint16((g - int(lap.data[lap.index+1])) >> lap.rate)
	lap.data[lap.index] += uint16((g - int(lap.data[lap.index])) >> lap.rate)

	// slot = 65*ctx + quantized prediction in [0..64]
	lap.index = (pr >> 6) + 65*ctx

	weight := pr & 127
	return (int(lap.data[lap.index+1])*weight + int(lap.data[lap.index])*(128-weight)) >> 11
}
