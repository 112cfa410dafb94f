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

package entropy

import (
	"errors"
	"fmt"

	strata "github.com/strata-zip/strata"
)

// RiceGolombEncoder a Rice Golomb Entropy Encoder
type RiceGolombEncoder struct {
	signed    bool
	logBase   uint
	base      uint64
	bitstream strata.OutputBitStream
}

// NewRiceGolombEncoder creates a new instance of RiceGolombEncoder
// If sgn is true, values will be encoded as signed (int8) in the bitstream.
// Using a sign improves compression ratio for distributions centered on 0 (E.G. Gaussian)
// Example: -1 is better compressed as -1 (1 followed by '-') than as 255
func NewRiceGolombEncoder(bs strata.OutputBitStream, sgn bool, logBase uint) (*RiceGolombEncoder, error) {
	if bs == nil {
		return nil, errors.New("RiceGolomb codec: Invalid null bitstream parameter")
	}

	if logBase < 1 || logBase > 12 {
		return nil, fmt.Errorf("RiceGolomb codec: Invalid logBase '%v' value (must be in [1..12])", logBase)
	}

	rge := &RiceGolombEncoder{}
	rge.signed = sgn
	rge.bitstream = bs
	rge.logBase = logBase
	rge.base = uint64(1 << logBase)
	return rge, nil
}

// Signed returns true if this encoder is sign aware
func (rge *RiceGolombEncoder) Signed() bool {
	return rge.signed
}

// Dispose this implementation does nothing
func (rge *RiceGolombEncoder) Dispose() {
}

// EncodeByte encodes the given value into the bitstream
func (rge *RiceGolombEncoder) EncodeByte(val byte) {
	if val == 0 {
		rge.bitstream.WriteBits(rge.base, rge.logBase+1)
		return
	}

	var emit uint64

	if rge.signed == true && val&0x80 != 0 {
		emit = uint64(-val)
	} else {
		emit = uint64(val)
	}

	// quotient is unary encoded, remainder is binary encoded
	n := uint(emit>>rge.logBase) + rge.logBase + 1
	emit = rge.base | (emit & (rge.base - 1))

	if rge.signed == true {
		// Add 0 for positive and 1 for negative sign (considering
		// msb as byte 'sign')
		n++
		emit = (emit << 1) | uint64((val>>7)&1)
	}

	rge.bitstream.WriteBits(emit, n)
}

// BitStream returns the underlying bitstream
func (rge *RiceGolombEncoder) BitStream() strata.OutputBitStream {
	return rge.bitstream
}

// Write encodes the data provided into the bitstream. Return the number of byte
// written to the bitstream
func (rge *RiceGolombEncoder) Write(block []byte) (int, error) {
	for i := range block {
		rge.EncodeByte(block[i])
	}

	return len(block), nil
}

// RiceGolombDecoder Rice Golomb Entropy Decoder
type RiceGolombDecoder struct {
	signed    bool
	logBase   uint
	bitstream strata.InputBitStream
}

// NewRiceGolombDecoder creates a new instance of RiceGolombDecoder
// If sgn is true, values from the bitstream will be decoded as signed (int8)
func NewRiceGolombDecoder(bs strata.InputBitStream, sgn bool, logBase uint) (*RiceGolombDecoder, error) {
	if bs == nil {
		return nil, errors.New("RiceGolomb codec: Invalid null bitstream parameter")
	}

	if logBase < 1 || logBase > 12 {
		return nil, errors.New("RiceGolomb codec: Invalid logBase value (must be in [1..12])")
	}

	rgd := &RiceGolombDecoder{}
	rgd.signed = sgn
	rgd.bitstream = bs
	rgd.logBase = logBase
	return rgd, nil
}

// Signed returns true if this decoder is sign aware
func (rgd *RiceGolombDecoder) Signed() bool {
	return rgd.signed
}

// Dispose this implementation does nothing
func (rgd *RiceGolombDecoder) Dispose() {
}

// DecodeByte decodes one byte from the bitstream
// If the decoder is sign aware, the returned value is an int8 cast to a byte
func (rgd *RiceGolombDecoder) DecodeByte() byte {
	q := 0

	// quotient is unary encoded
	for rgd.bitstream.ReadBit() == 0 {
		q++
	}

	// remainder is binary encoded
	res := byte((q << rgd.logBase) | int(rgd.bitstream.ReadBits(rgd.logBase)))

	if rgd.signed == true && res != 0 {
		// If res != 0, Get the 'sign', encoded as 1 for negative values
		if rgd.bitstream.ReadBit() == 1 {
			return -res
		}
	}

	return res
}

// BitStream returns the underlying bitstream
func (rgd *RiceGolombDecoder) BitStream() strata.InputBitStream {
	return rgd.bitstream
}

// Read decodes data from the bitstream and return it in the provided buffer.
// Return the number of bytes read from the bitstream
func (rgd *RiceGolombDecoder) Read(block []byte) (int, error) {
	for i := range block {
		block[i] = rgd.DecodeByte()
	}

	return len(block), nil
}
