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
	"encoding/binary"
	"errors"
	"fmt"

	strata "github.com/strata-zip/strata"
)

const (
	fpaqProbScale       = 1 << 16
	fpaqDefaultChunkLen = 4 * 1024 * 1024
)

// newFpaqProbTable allocates the 4-row order-1 probability table every
// FPAQ encoder/decoder constructor seeds the same way: one row of 256
// half-scale probabilities per context class (the top two bits of the
// previous byte).
func newFpaqProbTable() [4][]int {
	var probs [4][]int

	for i := 0; i < 4; i++ {
		probs[i] = make([]int, 256)

		for j := range probs[i] {
			probs[i][j] = fpaqProbScale >> 1
		}
	}

	return probs
}

// FPAQEncoder entropy encoder derived from fpaq0r by Matt Mahoney & Alexander Ratushnyak.
// See http://mattmahoney.net/dc/#fpaq0.
// Simple (and fast) adaptive entropy bit encoder
type FPAQEncoder struct {
	low       uint64
	high      uint64
	bitstream strata.OutputBitStream
	disposed  bool
	buffer    []byte
	index     int
	probs     [4][]int // probability of bit=1
	p         []int    // pointer to current prob
	ctxIdx    byte     // previous bits
}

// NewFPAQEncoder creates an instance of FPAQEncoder
func NewFPAQEncoder(bs strata.OutputBitStream) (*FPAQEncoder, error) {
	if bs == nil {
		return nil, errors.New("FPAQ codec: Invalid null bitstream parameter")
	}

	fpa := &FPAQEncoder{}
	fpa.low = 0
	fpa.high = entropyRangeTop
	fpa.bitstream = bs
	fpa.buffer = make([]byte, 0)
	fpa.index = 0
	fpa.ctxIdx = 1
	fpa.probs = newFpaqProbTable()
	fpa.p = fpa.probs[0]
	return fpa, nil
}

// NewFPAQEncoderWithCtx creates an instance of FPAQEncoder providing a
// context map.
func NewFPAQEncoderWithCtx(bs strata.OutputBitStream, ctx *map[string]any) (*FPAQEncoder, error) {
	if bs == nil {
		return nil, errors.New("FPAQ codec: Invalid null bitstream parameter")
	}

	fpa := &FPAQEncoder{}
	fpa.low = 0
	fpa.high = entropyRangeTop
	fpa.bitstream = bs
	fpa.buffer = make([]byte, 0)
	fpa.index = 0
	fpa.ctxIdx = 1
	fpa.probs = newFpaqProbTable()
	fpa.p = fpa.probs[0]
	return fpa, nil
}

func (fpa *FPAQEncoder) encodeBit(bit byte, pIdx int) {
	// Calculate interval split
	// Written in a way to maximize accuracy of multiplication/division
	split := (((fpa.high - fpa.low) >> 8) * uint64(fpa.p[pIdx])) >> 8

	// Update probabilities
	if bit == 0 {
		fpa.low += (split + 1)
		fpa.p[pIdx] -= (fpa.p[pIdx] >> 6)
	} else {
		fpa.high = fpa.low + split
		fpa.p[pIdx] -= ((fpa.p[pIdx] - fpaqProbScale + 64) >> 6)
	}

	// Write unchanged first 32 bits to bitstream
	for (fpa.low^fpa.high)>>24 == 0 {
		fpa.flush()
	}
}

// Write encodes the data provided into the bitstream. Return the number of byte
// written to the bitstream. Splits big blocks into chunks and encode the chunks
// byte by byte sequentially into the bitstream.
func (fpa *FPAQEncoder) Write(block []byte) (int, error) {
	count := len(block)

	if count > 1<<30 {
		return 0, fmt.Errorf("FPAQ codec: Invalid block size parameter (max is 1<<30): got %v", count)
	}

	startChunk := 0
	end := count

	// Split block into chunks, encode chunk and write bit array to bitstream
	for startChunk < end {
		chunkSize := fpaqDefaultChunkLen

		if startChunk+fpaqDefaultChunkLen >= end {
			chunkSize = end - startChunk
		}

		if len(fpa.buffer) < (chunkSize + (chunkSize >> 3)) {
			fpa.buffer = make([]byte, chunkSize+(chunkSize>>3))
		}

		fpa.index = 0
		buf := block[startChunk : startChunk+chunkSize]
		fpa.p = fpa.probs[0]

		for _, val := range buf {
			bits := int(val) + 256
			fpa.encodeBit(val&0x80, 1)
			fpa.encodeBit(val&0x40, bits>>7)
			fpa.encodeBit(val&0x20, bits>>6)
			fpa.encodeBit(val&0x10, bits>>5)
			fpa.encodeBit(val&0x08, bits>>4)
			fpa.encodeBit(val&0x04, bits>>3)
			fpa.encodeBit(val&0x02, bits>>2)
			fpa.encodeBit(val&0x01, bits>>1)
			fpa.p = fpa.probs[val>>6]
		}

		WriteVarInt(fpa.bitstream, uint32(fpa.index))
		fpa.bitstream.WriteArray(fpa.buffer, uint(8*fpa.index))
		startChunk += chunkSize

		if startChunk < end {
			fpa.bitstream.WriteBits(fpa.low|entropyMask24, 56)
		}
	}

	return count, nil
}

func (fpa *FPAQEncoder) flush() {
	binary.BigEndian.PutUint32(fpa.buffer[fpa.index:], uint32(fpa.high>>24))
	fpa.index += 4
	fpa.low <<= 32
	fpa.high = (fpa.high << 32) | entropyMask32
}

// BitStream returns the underlying bitstream
func (fpa *FPAQEncoder) BitStream() strata.OutputBitStream {
	return fpa.bitstream
}

// Dispose must be called before getting rid of the entropy encoder
// This idempotent implmentation writes the last buffered bits into the
// bitstream.
func (fpa *FPAQEncoder) Dispose() {
	if fpa.disposed == true {
		return
	}

	fpa.disposed = true
	fpa.bitstream.WriteBits(fpa.low|entropyMask24, 56)
}

// FPAQDecoder entropy decoder derived from fpaq0r by Matt Mahoney & Alexander Ratushnyak.
// See http://mattmahoney.net/dc/#fpaq0.
// Simple (and fast) adaptive entropy bit decoder
type FPAQDecoder struct {
	low           uint64
	high          uint64
	current       uint64
	bitstream     strata.InputBitStream
	buffer        []byte
	index         int
	probs         [4][]int // probability of bit=1
	p             []int    // pointer to current prob
	ctx           byte     // previous bits
	legacyScaling bool     // bsVersion < 4: use the older bit-split split formula
}

// NewFPAQDecoder creates an instance of FPAQDecoder
func NewFPAQDecoder(bs strata.InputBitStream) (*FPAQDecoder, error) {
	if bs == nil {
		return nil, errors.New("FPAQ codec: Invalid null bitstream parameter")
	}

	fpa := &FPAQDecoder{}
	fpa.low = 0
	fpa.high = entropyRangeTop
	fpa.bitstream = bs
	fpa.buffer = make([]byte, 0)
	fpa.index = 0
	fpa.ctx = 1
	fpa.probs = newFpaqProbTable()
	fpa.p = fpa.probs[0]
	fpa.legacyScaling = false
	return fpa, nil
}

// NewFPAQDecoderWithCtx creates an instance of FPAQDecoder providing a
// context map.
func NewFPAQDecoderWithCtx(bs strata.InputBitStream, ctx *map[string]any) (*FPAQDecoder, error) {
	if bs == nil {
		return nil, errors.New("FPAQ codec: Invalid null bitstream parameter")
	}

	fpa := &FPAQDecoder{}
	fpa.low = 0
	fpa.high = entropyRangeTop
	fpa.bitstream = bs
	fpa.buffer = make([]byte, 0)
	fpa.index = 0
	fpa.ctx = 1
	fpa.probs = newFpaqProbTable()
	fpa.p = fpa.probs[0]

	bsVersion := uint(4)

	if ctx != nil {
		if val, containsKey := (*ctx)["bsVersion"]; containsKey {
			bsVersion = val.(uint)
		}
	}

	fpa.legacyScaling = bsVersion < 4
	return fpa, nil
}

// decodeBitV1 is the pre-v4 bitstream split formula (kept for backward
// compatibility with older streams): it shifts the working range by 4
// bits instead of 8.
func (fpa *FPAQDecoder) decodeBitV1(pred int) byte {
	// Calculate interval split
	split := ((((fpa.high - fpa.low) >> 4) * uint64(pred)) >> 8) + fpa.low
	return fpa.finishDecodeBit(split)
}

func (fpa *FPAQDecoder) decodeBitV2(pred int) byte {
	// Calculate interval split
	split := ((((fpa.high - fpa.low) >> 8) * uint64(pred)) >> 8) + fpa.low
	return fpa.finishDecodeBit(split)
}

// finishDecodeBit applies the computed split point to the working range,
// updates the order-1 probability model and refills the range from the
// bitstream once enough high bits have settled.
func (fpa *FPAQDecoder) finishDecodeBit(split uint64) byte {
	var bit byte

	if split >= fpa.current {
		bit = 1
		fpa.high = split
		fpa.p[fpa.ctx] -= ((fpa.p[fpa.ctx] - fpaqProbScale + 64) >> 6)
		fpa.ctx += (fpa.ctx + 1)
	} else {
		bit = 0
		fpa.low = -^split
		fpa.p[fpa.ctx] -= (fpa.p[fpa.ctx] >> 6)
		fpa.ctx += fpa.ctx
	}

	// Read 32 bits from bitstream
	for (fpa.low^fpa.high)>>24 == 0 {
		fpa.read()
	}

	return bit
}

func (fpa *FPAQDecoder) read() {
	fpa.low = (fpa.low << 32) & entropyMask56
	fpa.high = ((fpa.high << 32) | entropyMask32) & entropyMask56
	val := uint64(binary.BigEndian.Uint32(fpa.buffer[fpa.index:]))
	fpa.current = ((fpa.current << 32) | val) & entropyMask56
	fpa.index += 4
}

// Read decodes data from the bitstream and return it in the provided buffer.
// Return the number of bytes read from the bitstream.
// Splits big blocks into chunks and decode the chunks byte by byte sequentially from the bitstream.
func (fpa *FPAQDecoder) Read(block []byte) (int, error) {
	count := len(block)

	if count > 1<<30 {
		return 0, fmt.Errorf("FPAQ codec: Invalid block size parameter (max is 1<<30): got %v", count)
	}

	startChunk := 0
	end := count

	// Split block into chunks, read bit array from bitstream and decode chunk
	for startChunk < end {
		chunkSize := fpaqDefaultChunkLen

		if startChunk+fpaqDefaultChunkLen >= end {
			chunkSize = end - startChunk
		}

		szBytes := ReadVarInt(fpa.bitstream)
		fpa.current = fpa.bitstream.ReadBits(56)

		if len(fpa.buffer) < int(szBytes) {
			fpa.buffer = make([]byte, szBytes+(szBytes>>3))
		}

		if szBytes != 0 {
			fpa.bitstream.ReadArray(fpa.buffer, uint(8*szBytes))
		}
		fpa.index = 0
		buf := block[startChunk : startChunk+chunkSize]
		fpa.p = fpa.probs[0]

		decodeBit := fpa.decodeBitV2
		scaleShift := 0

		if fpa.legacyScaling == true {
			decodeBit = fpa.decodeBitV1
			scaleShift = 4
		}

		for i := range buf {
			fpa.ctx = 1

			for b := 0; b < 8; b++ {
				if scaleShift != 0 {
					decodeBit(fpa.p[fpa.ctx] >> scaleShift)
				} else {
					decodeBit(fpa.p[fpa.ctx])
				}
			}

			buf[i] = byte(fpa.ctx)
			fpa.p = fpa.probs[(fpa.ctx&0xFF)>>6]
		}

		startChunk += chunkSize
	}

	return count, nil
}

// BitStream returns the underlying bitstream
func (fpa *FPAQDecoder) BitStream() strata.InputBitStream {
	return fpa.bitstream
}

// Dispose must be called before getting rid of the entropy decoder
// This implementation does nothing.
func (fpa *FPAQDecoder) Dispose() {
}
