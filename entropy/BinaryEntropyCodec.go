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

	strata "github.com/strata-zip/strata"
)

// Shared by every binary range coder in this package (BinaryEntropyCodec,
// FPAQCodec): the 56-bit working range, its masks, and the chunking
// thresholds that bound how much scratch memory Write/Read allocate at once.
const (
	entropyRangeTop      = uint64(0x00FFFFFFFFFFFFFF)
	entropyMask56        = uint64(0x00FFFFFFFFFFFFFF)
	entropyMask24        = uint64(0x0000000000FFFFFF)
	entropyMask32        = uint64(0x00000000FFFFFFFF)
	entropyMaxBlockSize  = 1 << 30
	entropyMaxChunkSize  = 1 << 26
)

// chunkLength picks how many bytes of a block to encode/decode per chunk:
// small blocks are processed whole (padded up to 64), huge blocks are
// divided down so the scratch buffer never gets too large.
func chunkLength(count int) int {
	switch {
	case count >= entropyMaxChunkSize:
		if count < 8*entropyMaxChunkSize {
			return count >> 3
		}

		return count >> 4
	case count < 64:
		return 64
	default:
		return count
	}
}

// BinaryEntropyEncoder entropy encoder based on arithmetic coding and
// using an external probability predictor.
type BinaryEntropyEncoder struct {
	predictor strata.Predictor
	low       uint64
	high      uint64
	bitstream strata.OutputBitStream
	disposed  bool
	buffer    []byte
	index     int
}

// NewBinaryEntropyEncoder creates an instance of BinaryEntropyEncoder using the
// given predictor to predict the probability of the next bit to be one. It outputs
// to the given OutputBitstream
func NewBinaryEntropyEncoder(bs strata.OutputBitStream, predictor strata.Predictor) (*BinaryEntropyEncoder, error) {
	if bs == nil {
		return nil, errors.New("Binary entropy codec: Invalid null bitstream parameter")
	}

	if predictor == nil {
		return nil, errors.New("Binary entropy codec: Invalid null predictor parameter")
	}

	bee := &BinaryEntropyEncoder{}
	bee.predictor = predictor
	bee.low = 0
	bee.high = entropyRangeTop
	bee.bitstream = bs
	bee.buffer = make([]byte, 0)
	bee.index = 0
	return bee, nil
}

// EncodeByte encodes the given value into the bitstream bit by bit
func (bee *BinaryEntropyEncoder) EncodeByte(val byte) {
	bee.EncodeBit((val>>7)&1, bee.predictor.Get())
	bee.EncodeBit((val>>6)&1, bee.predictor.Get())
	bee.EncodeBit((val>>5)&1, bee.predictor.Get())
	bee.EncodeBit((val>>4)&1, bee.predictor.Get())
	bee.EncodeBit((val>>3)&1, bee.predictor.Get())
	bee.EncodeBit((val>>2)&1, bee.predictor.Get())
	bee.EncodeBit((val>>1)&1, bee.predictor.Get())
	bee.EncodeBit(val&1, bee.predictor.Get())
}

// EncodeBit encodes one bit into the bitstream using arithmetic coding
// and the probability predictor provided at creation time.
func (bee *BinaryEntropyEncoder) EncodeBit(bit byte, pred int) {
	// Calculate interval split
	// Written in a way to maximize accuracy of multiplication/division
	split := (((bee.high - bee.low) >> 4) * uint64(pred)) >> 8

	// Update fields with new interval bounds
	if bit == 0 {
		bee.low += (split + 1)
	} else {
		bee.high = bee.low + split
	}

	bee.predictor.Update(bit)

	// Write unchanged first 32 bits to bitstream
	for (bee.low ^ bee.high) < (1 << 24) {
		bee.flush()
	}
}

// Write encodes the data provided into the bitstream. Return the number of byte
// written to the bitstream. Splits big blocks into chunks and encode the chunks
// byte by byte sequentially into the bitstream.
func (bee *BinaryEntropyEncoder) Write(block []byte) (int, error) {
	count := len(block)

	if count > entropyMaxBlockSize {
		return -1, errors.New("Binary entropy codec: Invalid block size parameter (max is 1<<30)")
	}

	startChunk := 0
	end := count
	length := chunkLength(count)

	// Split block into chunks, encode chunk and write bit array to bitstream
	for startChunk < end {
		chunkSize := length

		if startChunk+length >= end {
			chunkSize = end - startChunk
		}

		if len(bee.buffer) < (chunkSize + (chunkSize >> 3)) {
			bee.buffer = make([]byte, chunkSize+(chunkSize>>3))
		}

		bee.index = 0
		buf := block[startChunk : startChunk+chunkSize]

		for i := range buf {
			bee.EncodeByte(buf[i])
		}

		WriteVarInt(bee.bitstream, uint32(bee.index))
		bee.bitstream.WriteArray(bee.buffer, uint(8*bee.index))
		startChunk += chunkSize

		if startChunk < end {
			bee.bitstream.WriteBits(bee.low|entropyMask24, 56)
		}
	}

	return count, nil
}

func (bee *BinaryEntropyEncoder) flush() {
	binary.BigEndian.PutUint32(bee.buffer[bee.index:], uint32(bee.high>>24))
	bee.index += 4
	bee.low <<= 32
	bee.high = (bee.high << 32) | entropyMask32
}

// BitStream returns the underlying bitstream
func (bee *BinaryEntropyEncoder) BitStream() strata.OutputBitStream {
	return bee.bitstream
}

// Dispose must be called before getting rid of the entropy encoder
// This idempotent implementation writes the last buffered bits into the
// bitstream.
func (bee *BinaryEntropyEncoder) Dispose() {
	if bee.disposed == true {
		return
	}

	bee.disposed = true
	bee.bitstream.WriteBits(bee.low|entropyMask24, 56)
}

// BinaryEntropyDecoder entropy decoder based on arithmetic coding and
// using an external probability predictor.
type BinaryEntropyDecoder struct {
	predictor strata.Predictor
	low       uint64
	high      uint64
	current   uint64
	bitstream strata.InputBitStream
	buffer    []byte
	index     int
}

// NewBinaryEntropyDecoder creates an instance of BinaryEntropyDecoder using the
// given predictor to predict the probability of the next bit to be one. It reads
// from the given InputBitstream
func NewBinaryEntropyDecoder(bs strata.InputBitStream, predictor strata.Predictor) (*BinaryEntropyDecoder, error) {
	if bs == nil {
		return nil, errors.New("Binary entropy codec: Invalid null bitstream parameter")
	}

	if predictor == nil {
		return nil, errors.New("Binary entropy codec: Invalid null predictor parameter")
	}

	// Defer stream reading. We are creating the object, we should not do any I/O
	bed := &BinaryEntropyDecoder{}
	bed.predictor = predictor
	bed.low = 0
	bed.high = entropyRangeTop
	bed.bitstream = bs
	bed.buffer = make([]byte, 0)
	bed.index = 0
	return bed, nil
}

// DecodeByte decodes the given value from the bitstream bit by bit
func (bed *BinaryEntropyDecoder) DecodeByte() byte {
	return (bed.DecodeBit(bed.predictor.Get()) << 7) |
		(bed.DecodeBit(bed.predictor.Get()) << 6) |
		(bed.DecodeBit(bed.predictor.Get()) << 5) |
		(bed.DecodeBit(bed.predictor.Get()) << 4) |
		(bed.DecodeBit(bed.predictor.Get()) << 3) |
		(bed.DecodeBit(bed.predictor.Get()) << 2) |
		(bed.DecodeBit(bed.predictor.Get()) << 1) |
		bed.DecodeBit(bed.predictor.Get())
}

// DecodeBit decodes one bit from the bitstream using arithmetic coding
// and the probability predictor provided at creation time.
func (bed *BinaryEntropyDecoder) DecodeBit(pred int) byte {
	// Calculate interval split
	// Written in a way to maximize accuracy of multiplication/division
	split := ((((bed.high - bed.low) >> 4) * uint64(pred)) >> 8) + bed.low
	var bit byte

	// Update predictor
	if split >= bed.current {
		bit = 1
		bed.high = split
		bed.predictor.Update(1)
	} else {
		bit = 0
		bed.low = -^split
		bed.predictor.Update(0)
	}

	// Read 32 bits from bitstream
	for (bed.low ^ bed.high) < (1 << 24) {
		bed.read()
	}

	return bit
}

func (bed *BinaryEntropyDecoder) read() {
	bed.low = (bed.low << 32) & entropyMask56
	bed.high = ((bed.high << 32) | entropyMask32) & entropyMask56
	val := uint64(binary.BigEndian.Uint32(bed.buffer[bed.index:]))
	bed.current = ((bed.current << 32) | val) & entropyMask56
	bed.index += 4
}

// Read decodes data from the bitstream and return it in the provided buffer.
// Return the number of bytes read from the bitstream.
// Splits big blocks into chunks and decode the chunks byte by byte sequentially from the bitstream.
func (bed *BinaryEntropyDecoder) Read(block []byte) (int, error) {
	count := len(block)

	if count > entropyMaxBlockSize {
		return -1, errors.New("Binary entropy codec: Invalid block size parameter (max is 1<<30)")
	}

	startChunk := 0
	end := count
	length := chunkLength(count)

	// Split block into chunks, read bit array from bitstream and decode chunk
	for startChunk < end {
		chunkSize := length

		if startChunk+length >= end {
			chunkSize = end - startChunk
		}

		if len(bed.buffer) < chunkSize+(chunkSize>>3) {
			bed.buffer = make([]byte, chunkSize+(chunkSize>>3))
		}

		szBytes := ReadVarInt(bed.bitstream)
		bed.current = bed.bitstream.ReadBits(56)

		if szBytes != 0 {
			bed.bitstream.ReadArray(bed.buffer, uint(8*szBytes))
		}

		bed.index = 0
		buf := block[startChunk : startChunk+chunkSize]

		for i := range buf {
			buf[i] = bed.DecodeByte()
		}

		startChunk += chunkSize
	}

	return count, nil
}

// BitStream returns the underlying bitstream
func (bed *BinaryEntropyDecoder) BitStream() strata.InputBitStream {
	return bed.bitstream
}

// Dispose must be called before getting rid of the entropy decoder
// This implementation does nothing.
func (bed *BinaryEntropyDecoder) Dispose() {
}
