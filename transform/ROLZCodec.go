/*
Copyright 2011-2025 Frederic Langlet
Licensed under the Apache License, Version 2.0 (the "License")
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
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"strings"

	strata "github.com/strata-zip/strata"
	"github.com/strata-zip/strata/bitio"
	"github.com/strata-zip/strata/entropy"
	"github.com/strata-zip/strata/internal"
)

// Implementation of a Reduced Offset Lempel Ziv transform
// More information about ROLZ at http://ezcodesample.com/rolz/rolz_article.html

const (
	rolzHashSize       = 1 << 16
	rolzMinMatch3      = 3
	rolzMinMatch4      = 4
	rolzMinMatch7      = 7
	rolzMaxMatch1      = rolzMinMatch3 + 65535
	rolzMaxMatch2      = rolzMinMatch3 + 255
	rolzLogPosChecks1 = 4
	rolzLogPosChecks2 = 5
	rolzChunkLen      = 16 * 1024 * 1024
	rolzHashMask       = ^uint32(rolzChunkLen - 1)
	rolzMatchFlag      = 0
	rolzLiteralFlag    = 1
	rolzMatchCtx       = 0
	rolzLiteralCtx     = 1
	rolzHashSeed       = 200002979
	rolzMaxBlockSize  = 1 << 30 // 1 GB
	rolzMinBlockSize  = 64
	rolzProbScale          = 0xFFFF
	rolzRangeTop             = uint64(0x00FFFFFFFFFFFFFF)
	rolzMask56            = uint64(0x00FFFFFFFFFFFFFF)
	rolzMask32            = uint64(0x00000000FFFFFFFF)
)

func getKey1(p []byte) uint32 {
	return uint32(binary.LittleEndian.Uint16(p))
}

func getKey2(p []byte) uint32 {
	return uint32((binary.LittleEndian.Uint64(p)*rolzHashSeed)>>40) & 0xFFFF
}

func rolzKey(minMatch int, p []byte) uint32 {
	if minMatch == rolzMinMatch3 {
		return getKey1(p)
	}

	return getKey2(p)
}

func rolzhash(p []byte) uint32 {
	return ((binary.LittleEndian.Uint32(p) << 8) * rolzHashSeed) & rolzHashMask
}

func emitCopy(buf []byte, dstIdx, ref, matchLen int) int {
	if dstIdx >= ref+matchLen {
		copy(buf[dstIdx:], buf[ref:ref+matchLen])
		return dstIdx + matchLen
	}

	// Handle overlapping segments
	for matchLen != 0 {
		buf[dstIdx] = buf[ref]
		dstIdx++
		ref++
		matchLen--
	}

	return dstIdx
}

// ROLZCodec Reduced Offset Lempel Ziv codec
type ROLZCodec struct {
	delegate strata.ByteTransform
}

// NewROLZCodec creates a new instance of ROLZCodec providing
// he log of the number of matches to check for during encoding.
func NewROLZCodec(logPosChecks uint) (*ROLZCodec, error) {
	rol := &ROLZCodec{}
	d, err := newROLZCodec1(logPosChecks)
	rol.delegate = d
	return rol, err
}

// NewROLZCodecWithFlag creates a new instance of ROLZCodec
// If the bool parameter is false, encode literals and matches using ANS.
// Otherwise encode literals and matches using CM and check more match
// positions.
func NewROLZCodecWithFlag(extra bool) (*ROLZCodec, error) {
	rol := &ROLZCodec{}
	var err error
	var d strata.ByteTransform

	if extra {
		d, err = newROLZCodec2(rolzLogPosChecks2)
	} else {
		d, err = newROLZCodec1(rolzLogPosChecks1)
	}

	rol.delegate = d
	return rol, err
}

// NewROLZCodecWithCtx creates a new instance of ROLZCodec providing a
// context map. If the map contains a transform name set to "ROLZX"
// encode literals and matches using CM and check more match positions.
// Otherwise encode literals and matches using ANS.
func NewROLZCodecWithCtx(ctx *map[string]any) (*ROLZCodec, error) {
	rol := &ROLZCodec{}
	var err error
	var d strata.ByteTransform

	if val, containsKey := (*ctx)["transform"]; containsKey {
		transform := val.(string)

		if strings.Contains(transform, "ROLZX") {
			d, err = newROLZCodec2WithCtx(rolzLogPosChecks2, ctx)
			rol.delegate = d
		}
	}

	if rol.delegate == nil && err == nil {
		d, err = newROLZCodec1WithCtx(rolzLogPosChecks1, ctx)
		rol.delegate = d
	}

	return rol, err
}

// Forward applies the function to the src and writes the result
// to the destination. Returns number of bytes read, number of bytes
// written and possibly an error.
func (rol *ROLZCodec) Forward(src, dst []byte) (uint, uint, error) {
	if len(src) == 0 {
		return 0, 0, nil
	}

	if len(src) < rolzMinBlockSize {
		return 0, 0, errors.New("ROLZ codec forward transform skip: block too small")
	}

	if &src[0] == &dst[0] {
		return 0, 0, errors.New("Input and output buffers cannot be equal")
	}

	if len(src) > rolzMaxBlockSize {
		return 0, 0, fmt.Errorf("The max ROLZ codec block size is %d, got %d", rolzMaxBlockSize, len(src))
	}

	return rol.delegate.Forward(src, dst)
}

// Inverse applies the reverse function to the src and writes the result
// to the destination. Returns number of bytes read, number of bytes
// written and possibly an error.
func (rol *ROLZCodec) Inverse(src, dst []byte) (uint, uint, error) {
	if len(src) == 0 {
		return 0, 0, nil
	}

	if &src[0] == &dst[0] {
		return 0, 0, errors.New("Input and output buffers cannot be equal")
	}

	if len(src) > rolzMaxBlockSize {
		return 0, 0, fmt.Errorf("The max ROLZ codec block size is %d, got %d", rolzMaxBlockSize, len(src))
	}

	return rol.delegate.Inverse(src, dst)
}

// MaxEncodedLen returns the max size required for the encoding output buffer
func (rol *ROLZCodec) MaxEncodedLen(srcLen int) int {
	return rol.delegate.MaxEncodedLen(srcLen)
}

// Use ANS to encode/decode literals and matches
type rolzCodec1 struct {
	matches      []uint32
	counters     []int32
	logPosChecks uint
	maskChecks   int32
	posChecks    int32
	minMatch     int
	ctx          *map[string]any
}

func newROLZCodec1(logPosChecks uint) (*rolzCodec1, error) {
	c := &rolzCodec1{}

	if (logPosChecks < 2) || (logPosChecks > 8) {
		return nil, fmt.Errorf("ROLZ codec forward transform failed: Invalid logPosChecks parameter: %d (must be in [2..8])", logPosChecks)
	}

	c.logPosChecks = logPosChecks
	c.posChecks = 1 << logPosChecks
	c.maskChecks = c.posChecks - 1
	c.counters = make([]int32, 1<<16)
	c.matches = make([]uint32, 0)
	return c, nil
}

func newROLZCodec1WithCtx(logPosChecks uint, ctx *map[string]any) (*rolzCodec1, error) {
	c := &rolzCodec1{}

	if (logPosChecks < 2) || (logPosChecks > 8) {
		return nil, fmt.Errorf("ROLZ codec: Invalid logPosChecks parameter: %d (must be in [2..8])", logPosChecks)
	}

	c.logPosChecks = logPosChecks
	c.posChecks = 1 << logPosChecks
	c.maskChecks = c.posChecks - 1
	c.counters = make([]int32, 1<<16)
	c.matches = make([]uint32, 0)
	c.ctx = ctx
	return c, nil
}

// findMatch returns match position index (logPosChecks bits) + length (8 bits) or -1
func (c *rolzCodec1) findMatch(buf []byte, pos int, hash32 uint32, counter int32, matches []uint32) (int, int) {
	maxMatch := min(rolzMaxMatch1, len(buf)-pos)

	if maxMatch < c.minMatch {
		return -1, -1
	}

	maxMatch -= 4
	bestLen := 0
	bestIdx := -1
	curBuf := buf[pos:]

	// Check all recorded positions
	for i := counter; i > counter-c.posChecks; i-- {
		ref := matches[i&c.maskChecks]

		// Hash check may save a memory access ...
		if ref&rolzHashMask != hash32 {
			continue
		}

		ref &= ^rolzHashMask
		refBuf := buf[ref:]

		if refBuf[bestLen] != curBuf[bestLen] {
			continue
		}

		n := 0

		for n < maxMatch {
			if diff := binary.LittleEndian.Uint32(refBuf[n:]) ^ binary.LittleEndian.Uint32(curBuf[n:]); diff != 0 {
				n += (bits.TrailingZeros32(diff) >> 3)
				break
			}

			n += 4
		}

		if n > bestLen {
			bestIdx = int(i)
			bestLen = n
		}
	}

	if bestLen < c.minMatch {
		return -1, -1
	}

	return int(counter) - bestIdx, bestLen - c.minMatch
}

// Forward applies the function to the src and writes the result
// to the destination. Returns number of bytes read, number of bytes
// written and possibly an error.
func (c *rolzCodec1) Forward(src, dst []byte) (uint, uint, error) {
	if n := c.MaxEncodedLen(len(src)); len(dst) < n {
		return 0, 0, fmt.Errorf("ROLZ codec forward transform failed: output buffer is too small - size: %d, required %d", len(dst), n)
	}

	srcEnd := len(src) - 4
	binary.BigEndian.PutUint32(dst[0:], uint32(len(src)))
	sizeChunk := len(src)

	if sizeChunk > rolzChunkLen {
		sizeChunk = rolzChunkLen
	}

	startChunk := 0
	litBuf := make([]byte, c.MaxEncodedLen(sizeChunk))
	lenBuf := make([]byte, sizeChunk/5)
	mIdxBuf := make([]byte, sizeChunk/4)
	tkBuf := make([]byte, sizeChunk/4)
	var err error

	for i := range c.counters {
		c.counters[i] = 0
	}

	litOrder := uint(1)

	if len(src) < 1<<17 {
		litOrder = 0
	}

	flags := byte(litOrder)
	c.minMatch = rolzMinMatch3
	delta := 2

	if c.ctx != nil {
		dt := internal.DT_UNDEFINED

		if val, containsKey := (*c.ctx)["dataType"]; containsKey {
			dt = val.(internal.DataType)
		}

		if dt == internal.DT_UNDEFINED {
			var freqs0 [256]int
			internal.ComputeHistogram(src, freqs0[:], true, false)
			dt = internal.DetectSimpleType(len(src), freqs0[:])

			if dt != internal.DT_UNDEFINED {
				(*c.ctx)["dataType"] = dt
			}
		}

		if dt == internal.DT_EXE {
			delta = 3
			flags |= 8
		} else if dt == internal.DT_DNA {
			delta = 8
			c.minMatch = rolzMinMatch7
			flags |= 4
		} else if dt == internal.DT_MULTIMEDIA {
			delta = 8
			c.minMatch = rolzMinMatch4
			flags |= 2
		}
	}

	flags |= byte(c.logPosChecks << 4)
	dst[4] = flags
	srcIdx := 0
	dstIdx := 5

	if len(c.matches) == 0 {
		c.matches = make([]uint32, rolzHashSize<<c.logPosChecks)
	}

	// Main loop
	for startChunk < srcEnd {
		litIdx := 0
		lenIdx := 0
		mIdx := 0
		tkIdx := 0

		for i := range c.matches {
			c.matches[i] = 0
		}

		endChunk := startChunk + sizeChunk

		if endChunk >= srcEnd {
			endChunk = srcEnd
			sizeChunk = endChunk - startChunk
		}

		buf := src[startChunk:endChunk]
		srcIdx = 0
		n := min(srcEnd-startChunk, 8)

		for j := 0; j < n; j++ {
			litBuf[litIdx] = buf[srcIdx]
			litIdx++
			srcIdx++
		}

		firstLitIdx := srcIdx
		srcInc := 0

		// Next chunk
		for srcIdx < sizeChunk {
			key := rolzKey(c.minMatch, buf[srcIdx-delta:])

			m := c.matches[key<<c.logPosChecks : (key+1)<<c.logPosChecks]
			hash32 := rolzhash(buf[srcIdx : srcIdx+4])
			matchIdx, matchLen := c.findMatch(buf, srcIdx, hash32, c.counters[key], m)

			// Register current position
			c.counters[key] = (c.counters[key] + 1) & c.maskChecks
			m[c.counters[key]] = hash32 | uint32(srcIdx)

			if matchIdx < 0 {
				srcIdx++
				srcIdx += (srcInc >> 6)
				srcInc++
				continue
			}

			// Check if better match at next position
			srcIdx1 := srcIdx + 1
			key = rolzKey(c.minMatch, buf[srcIdx1-delta:])

			m = c.matches[key<<c.logPosChecks : (key+1)<<c.logPosChecks]
			hash32 = rolzhash(buf[srcIdx1 : srcIdx1+4])
			matchIdx1, matchLen1 := c.findMatch(buf, srcIdx1, hash32, c.counters[key], m)

			if (matchIdx1 >= 0) && (matchLen1 > matchLen) {
				// New match is better
				matchIdx = matchIdx1
				matchLen = matchLen1
				srcIdx = srcIdx1

				// Register current position
				c.counters[key] = (c.counters[key] + 1) & c.maskChecks
				m[c.counters[key]] = hash32 | uint32(srcIdx)
			}

			// token LLLLLMMM -> L lit length, M match length
			litLen := srcIdx - firstLitIdx
			var token byte

			if matchLen >= 7 {
				token = 7
				lenIdx += emitLengthROLZ(lenBuf[lenIdx:], matchLen-7)
			} else {
				token = byte(matchLen)
			}

			// Emit literals
			if litLen > 0 {
				if litLen >= 31 {
					token |= 0xF8
					lenIdx += emitLengthROLZ(lenBuf[lenIdx:], litLen-31)
				} else {
					token |= byte(litLen << 3)
				}

				copy(litBuf[litIdx:], buf[firstLitIdx:firstLitIdx+litLen])
				litIdx += litLen
			}

			tkBuf[tkIdx] = token
			tkIdx++

			// Emit match index
			mIdxBuf[mIdx] = byte(matchIdx)
			mIdx++
			srcIdx += (matchLen + c.minMatch)
			firstLitIdx = srcIdx
			srcInc = 0
		}

		// Emit last chunk literals
		srcIdx = sizeChunk
		litLen := srcIdx - firstLitIdx

		if tkIdx != 0 {
			// At least one match to emit
			if litLen >= 31 {
				tkBuf[tkIdx] = 0xF8
			} else {
				tkBuf[tkIdx] = byte(litLen << 3)
			}

			tkIdx++
		}

		// Emit literals
		if litLen > 0 {
			if litLen >= 31 {
				lenIdx += emitLengthROLZ(lenBuf[lenIdx:], litLen-31)
			}

			copy(litBuf[litIdx:], buf[firstLitIdx:firstLitIdx+litLen])
			litIdx += litLen
		}

		os := internal.NewBufferStream(make([]byte, 0, sizeChunk/4))

		// Scope to deallocate resources early
		{
			// Encode literal, length and match index buffers
			var obs strata.OutputBitStream

			if obs, err = bitio.NewDefaultOutputBitStream(os, 65536); err != nil {
				break
			}

			obs.WriteBits(uint64(litIdx), 32)
			obs.WriteBits(uint64(tkIdx), 32)
			obs.WriteBits(uint64(lenIdx), 32)
			obs.WriteBits(uint64(mIdx), 32)
			var litEnc *entropy.ANSRangeEncoder

			if litEnc, err = entropy.NewANSRangeEncoder(obs, litOrder); err != nil {
				goto End
			}

			if _, err = litEnc.Write(litBuf[0:litIdx]); err != nil {
				goto End
			}

			litEnc.Dispose()
			var mEnc *entropy.ANSRangeEncoder

			if mEnc, err = entropy.NewANSRangeEncoder(obs, 0, 32768); err != nil {
				goto End
			}

			if _, err = mEnc.Write(tkBuf[0:tkIdx]); err != nil {
				goto End
			}

			if _, err = mEnc.Write(lenBuf[0:lenIdx]); err != nil {
				goto End
			}

			if _, err = mEnc.Write(mIdxBuf[0:mIdx]); err != nil {
				goto End
			}

			mEnc.Dispose()
			obs.Close()
		}

		// Copy bitstream array to output
		bufSize := os.Len()

		if dstIdx+bufSize > len(dst) {
			err = errors.New("ROLZ codec forward transform skip: destination buffer too small")
			break
		}

		if _, err = os.Read(dst[dstIdx : dstIdx+bufSize]); err != nil {
			break
		}

		dstIdx += bufSize
		startChunk = endChunk
	}

End:
	if err == nil {
		if dstIdx+4 > len(dst) {
			err = errors.New("ROLZ codec forward transform skip: destination buffer too small")
		} else {
			// Emit last literals
			srcIdx += (startChunk - sizeChunk)
			dst[dstIdx] = src[srcIdx]
			dst[dstIdx+1] = src[srcIdx+1]
			dst[dstIdx+2] = src[srcIdx+2]
			dst[dstIdx+3] = src[srcIdx+3]
			srcIdx += 4
			dstIdx += 4

			if srcIdx != len(src) {
				err = errors.New("ROLZ codec forward transform skip: destination buffer too small")
			} else if dstIdx >= len(src) {
				err = errors.New("ROLZ codec forward transform skip: no compression")
			}
		}
	}

	return uint(srcIdx), uint(dstIdx), err
}

// Inverse applies the reverse function to the src and writes the result
// to the destination. Returns number of bytes read, number of bytes
// written and possibly an error.
func (c *rolzCodec1) Inverse(src, dst []byte) (uint, uint, error) {
	if len(src) < 5 {
		return 0, 0, errors.New("ROLZ codec inverse transform failed: invalid input data (input array too small)")
	}

	dstEnd := int(binary.BigEndian.Uint32(src[0:])) - 4

	if dstEnd <= 0 || dstEnd > len(dst) {
		return 0, 0, errors.New("ROLZ codec inverse transform failed: invalid input data")
	}

	startChunk := 0
	srcIdx := 5
	dstIdx := 0
	sizeChunk := min(len(dst), rolzChunkLen)
	litBuf := make([]byte, sizeChunk)
	mLenBuf := make([]byte, sizeChunk/5)
	mIdxBuf := make([]byte, sizeChunk/4)
	tkBuf := make([]byte, sizeChunk/4)
	var err error

	for i := range c.counters {
		c.counters[i] = 0
	}

	flags := src[4]
	litOrder := uint(flags & 1)
	delta := 2
	c.minMatch = rolzMinMatch3
	bsVersion := uint(6)

	if len(c.matches) < int(c.logPosChecks) {
		c.matches = make([]uint32, rolzHashSize<<c.logPosChecks)
	}
	if c.ctx != nil {
		if val, containsKey := (*c.ctx)["bsVersion"]; containsKey {
			bsVersion = val.(uint)
		}
	}

	if bsVersion >= 4 {
		if flags&0x0E == 2 {
			c.minMatch = rolzMinMatch4
			delta = 8
		} else if flags&0x0E == 4 {
			c.minMatch = rolzMinMatch7
			delta = 8
		} else if flags&0x0E == 8 {
			delta = 3
		}
	} else if bsVersion >= 3 {
		if flags&6 == 2 {
			c.minMatch = rolzMinMatch4
		} else if flags&6 == 4 {
			c.minMatch = rolzMinMatch7
		}
	}

	c.logPosChecks = uint(flags >> 4)

	if c.logPosChecks < 2 || c.logPosChecks > 8 {
		return 0, 0, errors.New("ROLZ codec inverse transform failed: invalid 'logPosChecks' value in bitstream")
	}

	c.posChecks = 1 << c.logPosChecks
	c.maskChecks = c.posChecks - 1

	// Main loop
	for startChunk < dstEnd {
		mIdx := 0
		lenIdx := 0
		litIdx := 0
		tkIdx := 0

		for i := range c.matches {
			c.matches[i] = 0
		}

		endChunk := startChunk + sizeChunk

		if endChunk > dstEnd {
			endChunk = dstEnd
		}

		sizeChunk = endChunk - startChunk
		buf := dst[startChunk:endChunk]
		onlyLiterals := false

		// Scope to deallocate resources early
		{
			// Decode literal, match length and match index buffers
			is := internal.NewBufferStream(src[srcIdx:])
			var ibs strata.InputBitStream

			if ibs, err = bitio.NewDefaultInputBitStream(is, 65536); err != nil {
				goto End
			}

			litLen := int(ibs.ReadBits(32))
			tkLen := int(ibs.ReadBits(32))
			mLenLen := int(ibs.ReadBits(32))
			mIdxLen := int(ibs.ReadBits(32))

			if litLen < 0 || litLen > len(litBuf) {
				err = fmt.Errorf("ROLZ codec: Invalid length for literals: got %d, must be positive and less than or equal to %d", litLen, len(litBuf))
				goto End
			}

			if tkLen < 0 || tkLen > len(tkBuf) {
				err = fmt.Errorf("ROLZ codec: Invalid length for tokens: got %d, must be positive and less than or equal to %d", tkLen, len(tkBuf))
				goto End
			}

			if mLenLen < 0 || mLenLen > len(mLenBuf) {
				err = fmt.Errorf("ROLZ codec: Invalid length for match lengths: got %d, must be positive and less than or equal to %d", mLenLen, len(mLenBuf))
				goto End
			}

			if mIdxLen < 0 || mIdxLen > len(mIdxBuf) {
				err = fmt.Errorf("ROLZ codec: Invalid length for match indexes: got %d, must be positive and less than or equal to %d", mIdxLen, len(mIdxBuf))
				goto End
			}

			var litDec *entropy.ANSRangeDecoder

			if litDec, err = entropy.NewANSRangeDecoder(ibs, litOrder); err != nil {
				goto End
			}

			if _, err = litDec.Read(litBuf[0:litLen]); err != nil {
				goto End
			}

			litDec.Dispose()
			var mDec *entropy.ANSRangeDecoder

			if mDec, err = entropy.NewANSRangeDecoder(ibs, 0, 32768); err != nil {
				goto End
			}

			if _, err = mDec.Read(tkBuf[0:tkLen]); err != nil {
				goto End
			}

			if _, err = mDec.Read(mLenBuf[0:mLenLen]); err != nil {
				goto End
			}

			if _, err = mDec.Read(mIdxBuf[0:mIdxLen]); err != nil {
				goto End
			}

			mDec.Dispose()
			onlyLiterals = tkLen == 0
			srcIdx += int((ibs.Read() + 7) >> 3)
			ibs.Close()
		}

		if onlyLiterals == true {
			// Shortcut when no match
			copy(buf[dstIdx:], litBuf[0:sizeChunk])
			startChunk = endChunk
			dstIdx += sizeChunk
			continue
		}

		dstIdx = 0
		mm := 8

		if bsVersion < 3 {
			mm = 2
		}

		if startChunk >= dstEnd {
			mm = dstEnd - startChunk
		}

		for j := 0; j < mm; j++ {
			buf[dstIdx] = litBuf[litIdx]
			dstIdx++
			litIdx++
		}

		// Next chunk
		for dstIdx < sizeChunk {
			// token LLLLLMMM -> L lit length, M match length
			token := tkBuf[tkIdx]
			tkIdx++
			matchLen := int(token & 0x07)

			if matchLen == 7 {
				ml, deltaIdx := readLengthROLZ(mLenBuf[lenIdx : lenIdx+4])
				lenIdx += deltaIdx
				matchLen = ml + 7
			}

			var litLen int

			if token < 0xF8 {
				litLen = int(token >> 3)
			} else {
				ll, deltaIdx := readLengthROLZ(mLenBuf[lenIdx : lenIdx+4])
				lenIdx += deltaIdx
				litLen = ll + 31
			}

			if litLen > 0 {
				if dstIdx+litLen > len(litBuf) {
					err = errors.New("ROLZ codec inverse transform failed: invalid data")
					goto End
				}

				srcInc := 0
				d := buf[dstIdx-delta:]
				copy(d[delta:], litBuf[litIdx:litIdx+litLen])

				if c.minMatch == rolzMinMatch3 {
					for n := 0; n < litLen; n++ {
						key := getKey1(d[n:])
						cnt := (c.counters[key] + 1) & c.maskChecks
						c.matches[(key<<c.logPosChecks)+uint32(cnt)] = uint32(dstIdx + n)
						c.counters[key] = cnt
						n += (srcInc >> 6)
						srcInc++
					}
				} else {
					for n := 0; n < litLen; n++ {
						key := getKey2(d[n:])
						cnt := (c.counters[key] + 1) & c.maskChecks
						c.matches[(key<<c.logPosChecks)+uint32(cnt)] = uint32(dstIdx + n)
						c.counters[key] = cnt
						n += (srcInc >> 6)
						srcInc++
					}
				}

				litIdx += litLen
				dstIdx += litLen

				if dstIdx >= sizeChunk {
					// Last chunk literals not followed by match
					if dstIdx == sizeChunk {
						break
					}

					err = errors.New("ROLZ codec inverse transform failed: invalid data")
					goto End
				}
			}

			// Sanity check
			if dstIdx+matchLen+c.minMatch > dstEnd {
				err = errors.New("ROLZ codec inverse transform failed: invalid data")
				goto End
			}

			matchIdx := int32(mIdxBuf[mIdx] & 0xFF)
			mIdx++
			key := rolzKey(c.minMatch, buf[dstIdx-delta:])

			m := c.matches[key<<c.logPosChecks : (key+1)<<c.logPosChecks]
			ref := int(m[(c.counters[key]-matchIdx)&c.maskChecks])
			c.counters[key] = (c.counters[key] + 1) & c.maskChecks
			m[c.counters[key]] = uint32(dstIdx)
			dstIdx = emitCopy(buf, dstIdx, ref, matchLen+c.minMatch)
		}

		startChunk = endChunk
	}

End:
	if err == nil {
		// Emit last literals
		dstIdx += (startChunk - sizeChunk)

		if dstIdx+4 > len(dst) && srcIdx+4 > len(src) {
			err = errors.New("ROLZ codec inverse transform failed: invalid input data")
		} else {
			dst[dstIdx] = src[srcIdx]
			dst[dstIdx+1] = src[srcIdx+1]
			dst[dstIdx+2] = src[srcIdx+2]
			dst[dstIdx+3] = src[srcIdx+3]
			srcIdx += 4
			dstIdx += 4
		}

		if srcIdx != len(src) {
			err = errors.New("ROLZ codec inverse transform failed: invalid input data")
		}
	}

	return uint(srcIdx), uint(dstIdx), err
}

// MaxEncodedLen returns the max size required for the encoding output buffer
func (c *rolzCodec1) MaxEncodedLen(srcLen int) int {
	if srcLen <= 512 {
		return srcLen + 64
	}

	return srcLen
}

func emitLengthROLZ(block []byte, litLen int) int {
	idx := 0

	if litLen >= 1<<7 {
		if litLen >= 1<<14 {
			if litLen >= 1<<21 {
				block[idx] = byte(0x80 | (litLen >> 21))
				idx++
			}

			block[idx] = byte(0x80 | (litLen >> 14))
			idx++
		}

		block[idx] = byte(0x80 | (litLen >> 7))
		idx++
	}

	block[idx] = byte(litLen & 0x7F)
	return idx + 1
}

// return litLen, idx
func readLengthROLZ(lenBuf []byte) (int, int) {
	next := lenBuf[0]
	idx := 1
	litLen := int(next & 0x7F)

	if next >= 128 {
		next = lenBuf[idx]
		idx++
		litLen = (litLen << 7) | int(next&0x7F)

		if next >= 128 {
			next = lenBuf[idx]
			idx++
			litLen = (litLen << 7) | int(next&0x7F)

			if next >= 128 {
				next = lenBuf[idx]
				idx++
				litLen = (litLen << 7) | int(next&0x7F)
			}
		}
	}

	return litLen, idx
}

// Use CM (ROLZEncoder/ROLZDecoder) to encode/decode literals and matches
// Code loosely based on 'balz' by Ilya Muravyov
type rolzCodec2 struct {
	matches      []uint32
	counters     []int32
	logPosChecks uint
	maskChecks   int32
	posChecks    int32
	minMatch     int
	ctx          *map[string]any
}

func newROLZCodec2(logPosChecks uint) (*rolzCodec2, error) {
	c := &rolzCodec2{}

	if (logPosChecks < 2) || (logPosChecks > 8) {
		return nil, fmt.Errorf("ROLZX codec forward transform failed: invalid logPosChecks parameter: %v (must be in [2..8])", logPosChecks)
	}

	c.logPosChecks = logPosChecks
	c.posChecks = 1 << logPosChecks
	c.maskChecks = c.posChecks - 1
	c.counters = make([]int32, 1<<16)
	c.matches = make([]uint32, rolzHashSize<<logPosChecks)
	return c, nil
}

func newROLZCodec2WithCtx(logPosChecks uint, ctx *map[string]any) (*rolzCodec2, error) {
	c := &rolzCodec2{}

	if (logPosChecks < 2) || (logPosChecks > 8) {
		return nil, fmt.Errorf("ROLZX codec forward transform failed: invalid logPosChecks parameter: %d (must be in [2..8])", logPosChecks)
	}

	c.logPosChecks = logPosChecks
	c.posChecks = 1 << logPosChecks
	c.maskChecks = c.posChecks - 1
	c.counters = make([]int32, 1<<16)
	c.matches = make([]uint32, rolzHashSize<<logPosChecks)
	c.ctx = ctx
	return c, nil
}

// findMatch returns match position index and length or -1
func (c *rolzCodec2) findMatch(buf []byte, pos int, key uint32) (int, int) {
	maxMatch := min(rolzMaxMatch2, len(buf)-pos)

	if maxMatch < c.minMatch {
		return -1, -1
	}

	maxMatch -= 4
	m := c.matches[key<<c.logPosChecks : (key+1)<<c.logPosChecks]
	hash32 := rolzhash(buf[pos : pos+4])
	counter := c.counters[key]
	bestLen := 0
	bestIdx := -1
	curBuf := buf[pos:]

	// Check all recorded positions
	for i := counter; i > counter-c.posChecks; i-- {
		ref := m[i&c.maskChecks]

		// Hash check may save a memory access ...
		if ref&rolzHashMask != hash32 {
			continue
		}

		ref &= ^rolzHashMask
		refBuf := buf[ref:]

		if refBuf[bestLen] != curBuf[bestLen] {
			continue
		}

		n := 0

		for n < maxMatch {
			if diff := binary.LittleEndian.Uint32(refBuf[n:]) ^ binary.LittleEndian.Uint32(curBuf[n:]); diff != 0 {
				n += (bits.TrailingZeros32(diff) >> 3)
				break
			}

			n += 4
		}

		if n > bestLen {
			bestIdx = int(i)
			bestLen = n

			if bestLen == maxMatch {
				break
			}
		}
	}

	// Register current position
	c.counters[key] = (c.counters[key] + 1) & c.maskChecks
	m[c.counters[key]] = hash32 | uint32(pos)

	if bestLen < c.minMatch {
		return -1, -1
	}

	return int(counter) - bestIdx, bestLen - c.minMatch
}

// Forward applies the function to the src and writes the result
// to the destination. Returns number of bytes read, number of bytes
// written and possibly an error.
func (c *rolzCodec2) Forward(src, dst []byte) (uint, uint, error) {
	if n := c.MaxEncodedLen(len(src)); len(dst) < n {
		return 0, 0, fmt.Errorf("ROLZX codec: Output buffer is too small - size: %d, required %d", len(dst), n)
	}

	srcEnd := len(src) - 4
	srcIdx := 0
	dstIdx := 5
	startChunk := 0
	binary.BigEndian.PutUint32(dst[0:], uint32(len(src)))
	re, _ := newRolzEncoder(9, c.logPosChecks, dst, &dstIdx)

	for i := range c.counters {
		c.counters[i] = 0
	}

	c.minMatch = rolzMinMatch3
	delta := 2
	flags := byte(0)

	if c.ctx != nil {
		dt := internal.DT_UNDEFINED

		if val, containsKey := (*c.ctx)["dataType"]; containsKey {
			dt = val.(internal.DataType)
		}

		if dt == internal.DT_UNDEFINED {
			var freqs0 [256]int
			internal.ComputeHistogram(src, freqs0[:], true, false)
			dt = internal.DetectSimpleType(len(src), freqs0[:])

			if dt == internal.DT_UNDEFINED {
				(*c.ctx)["dataType"] = dt
			}
		}

		if dt == internal.DT_EXE {
			delta = 3
			flags |= 8
		} else if dt == internal.DT_DNA {
			c.minMatch = rolzMinMatch7
			flags = 1
		}
	}

	dst[4] = flags
	sizeChunk := min(len(src), rolzChunkLen)

	// Main loop
	for startChunk < srcEnd {
		for i := range c.matches {
			c.matches[i] = 0
		}

		endChunk := startChunk + sizeChunk

		if endChunk >= srcEnd {
			endChunk = srcEnd
		}

		sizeChunk = endChunk - startChunk
		re.reset()
		buf := src[startChunk:endChunk]
		srcIdx = 0

		// First literals
		mm := 8
		re.setContext(rolzLiteralCtx, 0)

		if startChunk >= srcEnd {
			mm = srcEnd - startChunk
		}

		for j := 0; j < mm; j++ {
			re.encode9Bits((rolzLiteralFlag << 8) | int(buf[srcIdx]))
			srcIdx++
		}

		// Next chunk
		for srcIdx < sizeChunk {
			re.setContext(rolzLiteralCtx, buf[srcIdx-1])
			key := rolzKey(c.minMatch, buf[srcIdx-delta:])

			matchIdx, matchLen := c.findMatch(buf, srcIdx, key)

			if matchIdx < 0 {
				// Emit one literal
				re.encode9Bits((rolzLiteralFlag << 8) | int(buf[srcIdx]))
				srcIdx++
				continue
			}

			// Emit one match length and index
			re.encode9Bits((rolzMatchFlag << 8) | int(matchLen))
			re.setContext(rolzMatchCtx, buf[srcIdx-1])
			re.encodeBits(matchIdx, c.logPosChecks)
			srcIdx += (matchLen + c.minMatch)
		}

		startChunk = endChunk
	}

	// Emit last literals
	srcIdx += (startChunk - sizeChunk)

	for i := 0; i < 4; i++ {
		re.setContext(rolzLiteralCtx, src[srcIdx-1])
		re.encode9Bits((rolzLiteralFlag << 8) | int(src[srcIdx]))
		srcIdx++
	}

	re.dispose()
	var err error

	if srcIdx != len(src) {
		err = errors.New("ROLZX codec forward transform skip: destination buffer too small")
	} else if dstIdx >= len(src) {
		err = errors.New("ROLZX codec forward transform skip: no compression")
	}

	return uint(srcIdx), uint(dstIdx), err
}

// Inverse applies the reverse function to the src and writes the result
// to the destination. Returns number of bytes read, number of bytes
// written and possibly an error.
func (c *rolzCodec2) Inverse(src, dst []byte) (uint, uint, error) {
	dstEnd := int(binary.BigEndian.Uint32(src[0:]))

	if dstEnd <= 0 || dstEnd > len(dst) {
		return 0, 0, errors.New("ROLZX codec inverse transform failed: invalid data")
	}

	c.minMatch = rolzMinMatch3
	srcIdx := 4
	bsVersion := uint(6)
	flags := src[4]
	delta := 2

	if c.ctx != nil {
		if val, containsKey := (*c.ctx)["bsVersion"]; containsKey {
			bsVersion = val.(uint)
		}
	}

	if bsVersion >= 4 {
		if flags&0x0E == 8 {
			delta = 3
		} else if flags&0x0E == 4 {
			delta = 8
			c.minMatch = rolzMinMatch7
		}

		srcIdx++
	} else if bsVersion >= 3 {
		if flags == 1 {
			c.minMatch = rolzMinMatch7
		}

		srcIdx++
	}

	dstIdx := 0
	startChunk := 0
	sizeChunk := min(len(dst), rolzChunkLen)
	rd, _ := newRolzDecoder(9, c.logPosChecks, src, &srcIdx)

	for i := range c.counters {
		c.counters[i] = 0
	}

	// Main loop
	for startChunk < dstEnd {
		for i := range c.matches {
			c.matches[i] = 0
		}

		endChunk := startChunk + sizeChunk

		if endChunk > dstEnd {
			endChunk = dstEnd
			sizeChunk = endChunk - startChunk
		}

		buf := dst[startChunk:endChunk]
		rd.reset()
		dstIdx = 0

		// First literals
		mm := 8

		if bsVersion < 3 {
			mm = 2
		}

		rd.setContext(rolzLiteralCtx, 0)

		if startChunk >= dstEnd {
			mm = dstEnd - startChunk
		}

		for j := 0; j < mm; j++ {
			val := rd.decode9Bits()

			// Sanity check
			if val>>8 == rolzMatchFlag {
				dstIdx += startChunk
				return uint(srcIdx), uint(dstIdx), errors.New("ROLZX codec inverse transform failed: invalid data")
			}

			buf[dstIdx] = byte(val)
			dstIdx++
		}

		// Next chunk
		for dstIdx < sizeChunk {
			savedIdx := dstIdx
			key := rolzKey(c.minMatch, buf[dstIdx-delta:])

			m := c.matches[key<<c.logPosChecks:]
			rd.setContext(rolzLiteralCtx, buf[dstIdx-1])
			val := rd.decode9Bits()

			if val>>8 == rolzLiteralFlag {
				buf[dstIdx] = byte(val)
				dstIdx++
			} else {
				// Read one match length and index
				matchLen := val & 0xFF

				// Sanity check
				if matchLen+3 > dstEnd {
					dstIdx += startChunk
					return uint(srcIdx), uint(dstIdx), errors.New("ROLZX codec inverse transform failed: invalid data")
				}

				rd.setContext(rolzMatchCtx, buf[dstIdx-1])
				matchIdx := int32(rd.decodeBits(c.logPosChecks))
				ref := int(m[(c.counters[key]-matchIdx)&c.maskChecks])
				dstIdx = emitCopy(buf, dstIdx, ref, matchLen+c.minMatch)
			}

			// Update map
			c.counters[key] = (c.counters[key] + 1) & c.maskChecks
			m[c.counters[key]] = uint32(savedIdx)
		}

		startChunk = endChunk
	}

	rd.dispose()
	var err error
	dstIdx += (startChunk - sizeChunk)

	if srcIdx != len(src) {
		err = errors.New("ROLZX codec inverse transform failed: invalid data")
	}

	return uint(srcIdx), uint(dstIdx), err
}

// MaxEncodedLen returns the max size required for the encoding output buffer
func (c *rolzCodec2) MaxEncodedLen(srcLen int) int {
	// Since we do not check the dst index for each byte (for speed purpose)
	// allocate some extra buffer for incompressible data.
	if srcLen <= 16384 {
		return srcLen + 1024
	}

	return srcLen + srcLen/32
}

type rolzEncoder struct {
	buf     []byte
	idx     *int
	low     uint64
	high    uint64
	probs   [2][]int
	logSize [2]uint
	c1      int
	pIdx    int
	ctx     int
	p       []int
}

func newRolzEncoder(litLogSize, mLogSize uint, buf []byte, idx *int) (*rolzEncoder, error) {
	e := &rolzEncoder{}
	e.low = 0
	e.high = rolzRangeTop
	e.buf = buf
	e.idx = idx
	e.pIdx = rolzLiteralCtx
	e.c1 = 1
	e.ctx = 0
	e.logSize[rolzMatchCtx] = mLogSize
	e.probs[rolzMatchCtx] = make([]int, 256<<mLogSize)
	e.logSize[rolzLiteralCtx] = litLogSize
	e.probs[rolzLiteralCtx] = make([]int, 256<<litLogSize)
	e.reset()
	return e, nil
}

func (e *rolzEncoder) reset() {
	for i := range e.probs[rolzMatchCtx] {
		e.probs[rolzMatchCtx][i] = rolzProbScale >> 1
	}

	for i := range e.probs[rolzLiteralCtx] {
		e.probs[rolzLiteralCtx][i] = rolzProbScale >> 1
	}
}

func (e *rolzEncoder) setContext(n int, ctx byte) {
	e.pIdx = n
	e.ctx = int(ctx) << e.logSize[e.pIdx]
}

func (e *rolzEncoder) encodeBits(val int, n uint) {
	e.c1 = 1
	e.p = e.probs[e.pIdx][e.ctx:]

	for n != 0 {
		n--
		e.encodeBit(val & (1 << n))
	}
}

func (e *rolzEncoder) encode9Bits(val int) {
	e.c1 = 1
	e.p = e.probs[e.pIdx][e.ctx:]
	e.encodeBit(val & 0x100)
	e.encodeBit(val & 0x80)
	e.encodeBit(val & 0x40)
	e.encodeBit(val & 0x20)
	e.encodeBit(val & 0x10)
	e.encodeBit(val & 0x08)
	e.encodeBit(val & 0x04)
	e.encodeBit(val & 0x02)
	e.encodeBit(val & 0x01)
}

func (e *rolzEncoder) encodeBit(bit int) {
	// Calculate interval split
	split := (((e.high - e.low) >> 4) * uint64(e.p[e.c1]>>4)) >> 8

	// Update fields with new interval bounds
	if bit == 0 {
		e.low += (split + 1)
		e.p[e.c1] -= (e.p[e.c1] >> 5)
		e.c1 += e.c1
	} else {
		e.high = e.low + split
		e.p[e.c1] -= ((e.p[e.c1] - rolzProbScale + 32) >> 5)
		e.c1 += (e.c1 + 1)
	}

	// Write unchanged first 32 bits to bitstream
	for (e.low^e.high)>>24 == 0 {
		binary.BigEndian.PutUint32(e.buf[*e.idx:*e.idx+4], uint32(e.high>>32))
		*e.idx += 4
		e.low <<= 32
		e.high = (e.high << 32) | rolzMask32
	}
}

func (e *rolzEncoder) dispose() {
	for i := 0; i < 8; i++ {
		e.buf[*e.idx+i] = byte(e.low >> 56)
		e.low <<= 8
	}

	*e.idx += 8
}

type rolzDecoder struct {
	buf     []byte
	idx     *int
	low     uint64
	high    uint64
	current uint64
	probs   [2][]int
	logSize [2]uint
	c1      int
	pIdx    int
	ctx     int
	p       []int
}

func newRolzDecoder(litLogSize, mLogSize uint, buf []byte, idx *int) (*rolzDecoder, error) {
	d := &rolzDecoder{}
	d.low = 0
	d.high = rolzRangeTop
	d.buf = buf
	d.idx = idx
	d.current = uint64(0)

	for i := 0; i < 8; i++ {
		d.current = (d.current << 8) | (uint64(d.buf[*d.idx+i]) & 0xFF)
	}

	*d.idx += 8
	d.pIdx = rolzLiteralCtx
	d.c1 = 1
	d.ctx = 0
	d.logSize[rolzMatchCtx] = mLogSize
	d.probs[rolzMatchCtx] = make([]int, 256<<mLogSize)
	d.logSize[rolzLiteralCtx] = litLogSize
	d.probs[rolzLiteralCtx] = make([]int, 256<<litLogSize)
	d.reset()
	return d, nil
}

func (d *rolzDecoder) reset() {
	for i := range d.probs[rolzMatchCtx] {
		d.probs[rolzMatchCtx][i] = rolzProbScale >> 1
	}

	for i := range d.probs[rolzLiteralCtx] {
		d.probs[rolzLiteralCtx][i] = rolzProbScale >> 1
	}
}

func (d *rolzDecoder) setContext(n int, ctx byte) {
	d.pIdx = n
	d.ctx = int(ctx) << d.logSize[d.pIdx]
}

func (d *rolzDecoder) decodeBits(n uint) int {
	d.c1 = 1
	mask := (1 << n) - 1
	d.p = d.probs[d.pIdx][d.ctx:]

	for n != 0 {
		d.decodeBit()
		n--
	}

	return d.c1 & mask
}

func (d *rolzDecoder) decode9Bits() int {
	d.c1 = 1
	d.p = d.probs[d.pIdx][d.ctx:]
	d.decodeBit()
	d.decodeBit()
	d.decodeBit()
	d.decodeBit()
	d.decodeBit()
	d.decodeBit()
	d.decodeBit()
	d.decodeBit()
	d.decodeBit()
	return d.c1 & 0x1FF
}

func (d *rolzDecoder) decodeBit() int {
	// Calculate interval split
	mid := d.low + ((((d.high - d.low) >> 4) * uint64(d.p[d.c1]>>4)) >> 8)
	var bit int

	// Update bounds and predictor
	if mid >= d.current {
		bit = 1
		d.high = mid
		d.p[d.c1] -= ((d.p[d.c1] - rolzProbScale + 32) >> 5)
		d.c1 += (d.c1 + 1)
	} else {
		bit = 0
		d.low = mid + 1
		d.p[d.c1] -= (d.p[d.c1] >> 5)
		d.c1 += d.c1
	}

	// Read 32 bits from bitstream
	for (d.low^d.high)>>24 == 0 {
		d.low = (d.low << 32) & rolzMask56
		d.high = ((d.high << 32) | rolzMask32) & rolzMask56
		val := uint64(binary.BigEndian.Uint32(d.buf[*d.idx : *d.idx+4]))
		d.current = ((d.current << 32) | val) & rolzMask56
		*d.idx += 4
	}

	return bit
}

func (d *rolzDecoder) dispose() {
}
