/*
Copyright 2011-2025 Frederic Langlet
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

package transform

import (
	"errors"
	"fmt"

	strata "github.com/strata-zip/strata"
)

const (
	_TRANSFORM_SKIP_MASK = 0xFF
)

// ByteTransformSequence chains up to 8 byte transforms together, applying
// Forward in order and Inverse in reverse order. A transform that fails
// during Forward is skipped and recorded in the skip flags so Inverse
// knows not to run it.
type ByteTransformSequence struct {
	transforms []strata.ByteTransform
	skipFlags  byte
}

// NewByteTransformSequence creates a new instance of ByteTransformSequence
// containing the transforms provided as parameter.
func NewByteTransformSequence(transforms []strata.ByteTransform) (*ByteTransformSequence, error) {
	if transforms == nil {
		return nil, errors.New("invalid nil transforms parameter")
	}

	if len(transforms) == 0 || len(transforms) > 8 {
		return nil, errors.New("only 1 to 8 transforms allowed")
	}

	bts := new(ByteTransformSequence)
	bts.transforms = transforms
	bts.skipFlags = 0
	return bts, nil
}

// Forward applies the function to the src and writes the result to the
// destination, running Forward on each transform in the sequence in turn.
func (bts *ByteTransformSequence) Forward(src, dst []byte) (uint, uint, error) {
	bts.skipFlags = _TRANSFORM_SKIP_MASK

	if len(src) == 0 {
		return 0, 0, nil
	}

	if &src[0] == &dst[0] {
		return 0, 0, errors.New("input and output buffers cannot be equal")
	}

	requiredSize := bts.MaxEncodedLen(len(src))

	if len(dst) < requiredSize {
		return 0, 0, fmt.Errorf("output buffer is too small - size: %d, required %d", len(dst), requiredSize)
	}

	blockSize := uint(len(src))
	length := blockSize
	in, out := src, dst
	var err error
	swaps := 0

	for i, t := range bts.transforms {
		savedLength := length

		if len(out) < requiredSize {
			out = make([]byte, requiredSize)
		}

		if _, length, err = t.Forward((in)[0:length], out); err != nil {
			// Transform does not apply to this data, or a recoverable
			// error occurred: revert and mark it skipped.
			length = savedLength
			continue
		}

		bts.skipFlags &= ^(1 << (7 - uint(i)))
		in, out = out, in
		swaps++

		if i == bts.Len()-1 {
			break
		}
	}

	if swaps&1 == 0 {
		copy(dst, in[0:length])
	}

	return blockSize, length, nil
}

// Inverse applies the reverse function to the src and writes the result
// to the destination, running Inverse on each transform in reverse order.
func (bts *ByteTransformSequence) Inverse(src, dst []byte) (uint, uint, error) {
	if len(src) == 0 {
		return 0, 0, nil
	}

	if &src[0] == &dst[0] {
		return 0, 0, errors.New("input and output buffers cannot be equal")
	}

	blockSize := uint(len(src))

	if bts.skipFlags == _TRANSFORM_SKIP_MASK {
		copy(dst, src)
		return blockSize, blockSize, nil
	}

	length := blockSize
	in, out := src, dst
	var err error
	swaps := 0

	for i := bts.Len() - 1; i >= 0; i-- {
		if bts.skipFlags&(1<<(7-uint(i))) != 0 {
			continue
		}

		if len(out) < len(dst) {
			out = make([]byte, len(dst))
		}

		if _, length, err = bts.transforms[i].Inverse(in[0:length], out); err != nil {
			break
		}

		in, out = out, in
		swaps++
	}

	if err == nil && swaps&1 == 0 {
		copy(dst, in[0:length])
	}

	return blockSize, length, err
}

// MaxEncodedLen returns the max size required for the encoding output buffer.
func (bts ByteTransformSequence) MaxEncodedLen(srcLen int) int {
	requiredSize := srcLen

	for _, t := range bts.transforms {
		reqSize := t.MaxEncodedLen(requiredSize)

		if reqSize > requiredSize {
			requiredSize = reqSize
		}
	}

	return requiredSize
}

// Len returns the number of transforms in the sequence (in [1..8]).
func (bts *ByteTransformSequence) Len() int {
	return len(bts.transforms)
}

// SkipFlags returns the flags describing which transform to skip (bit set to 1).
func (bts *ByteTransformSequence) SkipFlags() byte {
	return bts.skipFlags
}

// SetSkipFlags sets the flags describing which transform to skip.
func (bts *ByteTransformSequence) SetSkipFlags(flags byte) bool {
	bts.skipFlags = flags
	return true
}
