/*
Copyright 2011-2022 Frederic Langlet
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

	strata "github.com/strata-zip/strata"
	internal "github.com/strata-zip/strata/internal"
)

const (
	lzxHashSeed         = 0x1E35A7BD
	lzxHashLog1         = 17
	lzxHashShift1       = 40 - lzxHashLog1
	lzxHashMask1        = (1 << lzxHashLog1) - 1
	lzxHashLog2         = 21
	lzxHashShift2       = 48 - lzxHashLog2
	lzxHashMask2        = (1 << lzxHashLog2) - 1
	lzxMaxDistance1     = (1 << 17) - 2
	lzxMaxDistance2     = (1 << 24) - 2
	lzxMinMatch1        = 5
	lzxMinMatch2        = 9
	lzxMaxMatch         = 65535 + 254 + 15 + lzxMinMatch1
	lzxMinBlockLen      = 24
	lzxMinMatchMinDist  = 1 << 16
	lzpHashSeed         = 0x7FEB352D
	lzpHashLog          = 16
	lzpHashShift        = 32 - lzpHashLog
	lzpMinMatch         = 96
	lzpMatchFlag        = 0xFC
	lzpMinBlockLen      = 128
)

// LZCodec encapsulates an implementation of a Lempel-Ziv codec
type LZCodec struct {
	delegate strata.ByteTransform
}

// NewLZCodec creates a new instance of LZCodec
func NewLZCodec() (*LZCodec, error) {
	lzc := &LZCodec{}
	d, err := NewLZXCodec()
	lzc.delegate = d
	return lzc, err
}

// MaxEncodedLen returns the max size required for the encoding output mBuf
func (lzc *LZCodec) MaxEncodedLen(srcLen int) int {
	return lzc.delegate.MaxEncodedLen(srcLen)
}

// NewLZCodecWithCtx creates a new instance of LZCodec using a
// configuration map as parameter.
func NewLZCodecWithCtx(ctx *map[string]interface{}) (*LZCodec, error) {
	lzc := &LZCodec{}

	var err error
	var d strata.ByteTransform

	if val, containsKey := (*ctx)["lz"]; containsKey {
		lzType := val.(uint64)

		if lzType == LZP_TYPE {
			d, err = NewLZPCodecWithCtx(ctx)
			lzc.delegate = d
		}
	}

	if lzc.delegate == nil && err == nil {
		d, err = NewLZXCodecWithCtx(ctx)
		lzc.delegate = d
	}

	return lzc, err
}

// Forward applies the function to the src and writes the result
// to the destination. Returns number of bytes read, number of bytes
// written and possibly an error.
func (lzc *LZCodec) Forward(src, dst []byte) (uint, uint, error) {
	if len(src) == 0 {
		return 0, 0, nil
	}

	if &src[0] == &dst[0] {
		return 0, 0, errors.New("Input and output mBufs cannot be equal")
	}

	return lzc.delegate.Forward(src, dst)
}

// Inverse applies the reverse function to the src and writes the result
// to the destination. Returns number of bytes read, number of bytes
// written and possibly an error.
func (lzc *LZCodec) Inverse(src, dst []byte) (uint, uint, error) {
	if len(src) == 0 {
		return 0, 0, nil
	}

	if &src[0] == &dst[0] {
		return 0, 0, errors.New("Input and output mBufs cannot be equal")
	}

	return lzc.delegate.Inverse(src, dst)
}

// LZXCodec Simple byte oriented LZ77 implementation.
// It is a based on a heavily modified LZ4 with a bigger window, a bigger
// hash map, 3+n*8 bit literal lengths and 17 or 24 bit match distances.
type LZXCodec struct {
	hashes       []int32
	mLenBuf      []byte
	mBuf         []byte
	tkBuf        []byte
	extra        bool
	ctx          *map[string]interface{}
	legacyV2 bool
}

// NewLZXCodec creates a new instance of LZXCodec
func NewLZXCodec() (*LZXCodec, error) {
	lzx := &LZXCodec{}
	lzx.hashes = make([]int32, 0)
	lzx.mLenBuf = make([]byte, 0)
	lzx.mBuf = make([]byte, 0)
	lzx.tkBuf = make([]byte, 0)
	lzx.extra = false
	lzx.legacyV2 = false // old encoding
	return lzx, nil
}

// NewLZXCodecWithCtx creates a new instance of LZXCodec using a
// configuration map as parameter.
func NewLZXCodecWithCtx(ctx *map[string]interface{}) (*LZXCodec, error) {
	lzx := &LZXCodec{}
	lzx.hashes = make([]int32, 0)
	lzx.mLenBuf = make([]byte, 0)
	lzx.mBuf = make([]byte, 0)
	lzx.tkBuf = make([]byte, 0)
	lzx.extra = false
	lzx.ctx = ctx
	bsVersion := uint(3)

	if ctx != nil {
		if val, containsKey := (*ctx)["lz"]; containsKey {
			lzType := val.(uint64)
			lzx.extra = lzType == LZX_TYPE
		}

		if val, containsKey := (*ctx)["bsVersion"]; containsKey {
			bsVersion = val.(uint)
		}
	}

	lzx.legacyV2 = bsVersion < 3
	return lzx, nil
}

func emitLengthLZ(block []byte, length int) int {
	if length < 254 {
		block[0] = byte(length)
		return 1
	}

	if length < 65536+254 {
		length -= 254
		block[0] = byte(254)
		block[1] = byte(length >> 8)
		block[2] = byte(length)
		return 3
	}

	length -= 255
	block[0] = byte(255)
	block[1] = byte(length >> 16)
	block[2] = byte(length >> 8)
	block[3] = byte(length)
	return 4
}

func readLengthLZ(block []byte) (int, int) {
	res := int(block[0])
	idx := 1

	if res < 254 {
		return res, idx
	}

	if res == 254 {
		res += (int(block[idx]) << 8)
		res += int(block[idx+1])
		return res, idx + 2
	}

	res += (int(block[idx]) << 16)
	res += (int(block[idx+1]) << 8)
	res += int(block[idx+2])
	return res, idx + 3
}

func emitLiteralsLZ(src, dst []byte) {
	for i := 0; i < len(src); i += 8 {
		copy(dst[i:], src[i:i+8])
	}
}

// emitLiteralsBoundedLZ copies src into dst starting at dstIdx, falling back
// to a plain copy near the end of the output buffer since emitLiteralsLZ's
// 8-byte stride can overrun dst when there isn't a full stride of headroom.
// Shared by inverseV2 and inverseV3.
func emitLiteralsBoundedLZ(dst []byte, dstIdx int, src []byte, dstEnd int) {
	if dstIdx+len(src) >= dstEnd {
		copy(dst[dstIdx:], src)
	} else {
		emitLiteralsLZ(src, dst[dstIdx:])
	}
}

// copyMatchLZ copies a decoded match of length mLen from dst[dstIdx-dist:]
// to dst[dstIdx:], 16 bytes at a time when the source and destination
// ranges don't overlap (dist >= 16), byte by byte otherwise. Returns the
// updated dstIdx (always mEnd). Shared by inverseV2 and inverseV3.
func copyMatchLZ(dst []byte, dstIdx, dist, mLen, mEnd int) int {
	ref := dstIdx - dist

	if dist >= 16 {
		for {
			// No overlap
			copy(dst[dstIdx:], dst[ref:ref+16])
			ref += 16
			dstIdx += 16

			if dstIdx >= mEnd {
				break
			}
		}
	} else {
		for i := 0; i < mLen; i++ {
			dst[dstIdx+i] = dst[ref+i]
		}
	}

	return mEnd
}

func (lzx *LZXCodec) hash(p []byte) uint32 {
	if lzx.extra == true {
		return uint32((binary.LittleEndian.Uint64(p)*lzxHashSeed)>>lzxHashShift2) & lzxHashMask2
	}

	return uint32((binary.LittleEndian.Uint64(p)*lzxHashSeed)>>lzxHashShift1) & lzxHashMask1
}

// Forward applies the function to the src and writes the result
// to the destination. Returns number of bytes read, number of bytes
// written and possibly an error.
func (lzx *LZXCodec) Forward(src, dst []byte) (uint, uint, error) {
	if len(src) == 0 {
		return 0, 0, nil
	}

	count := len(src)

	if n := lzx.MaxEncodedLen(count); len(dst) < n {
		return 0, 0, fmt.Errorf("Output mBuf is too small - size: %d, required %d", len(dst), n)
	}

	// If too small, skip
	if count < lzxMinBlockLen {
		return 0, 0, errors.New("Block too small, skip")
	}

	if len(lzx.hashes) == 0 {
		if lzx.extra == true {
			lzx.hashes = make([]int32, 1<<lzxHashLog2)
		} else {
			lzx.hashes = make([]int32, 1<<lzxHashLog1)
		}
	} else {
		for i := range lzx.hashes {
			lzx.hashes[i] = 0
		}
	}

	minBufSize := count / 5

	if minBufSize < 256 {
		minBufSize = 256
	}

	if len(lzx.mLenBuf) < minBufSize {
		lzx.mLenBuf = make([]byte, minBufSize)
	}

	if len(lzx.mBuf) < minBufSize {
		lzx.mBuf = make([]byte, minBufSize)
	}

	if len(lzx.tkBuf) < minBufSize {
		lzx.tkBuf = make([]byte, minBufSize)
	}

	srcEnd := count - 16 - 1
	maxDist := lzxMaxDistance2
	dThreshold := 1 << 16
	dst[12] = 1

	if srcEnd < 4*lzxMaxDistance1 {
		maxDist = lzxMaxDistance1
		dThreshold = lzxMaxDistance1 + 1
		dst[12] = 0
	}

	minMatch := lzxMinMatch1

	if lzx.ctx != nil {
		if val, containsKey := (*lzx.ctx)["dataType"]; containsKey {
			dt := val.(internal.DataType)

			if dt == internal.DT_DNA {
				// Longer min match for DNA input
				minMatch = lzxMinMatch2
				dst[12] |= 2
			}
		}
	}

	srcIdx := 0
	dstIdx := 13
	anchor := 0
	mLenIdx := 0
	mIdx := 0
	tkIdx := 0
	repd0 := len(src)
	repd1 := 0

	for srcIdx < srcEnd {
		var minRef int

		if srcIdx < maxDist {
			minRef = 0
		} else {
			minRef = srcIdx - maxDist
		}

		h0 := lzx.hash(src[srcIdx:])
		ref := srcIdx + 1 - repd0
		bestLen := 0

		if ref > minRef {
			// Check repd0 first
			if binary.LittleEndian.Uint32(src[srcIdx+1:]) == binary.LittleEndian.Uint32(src[ref:]) {
				maxMatch := srcEnd - srcIdx - 5

				if maxMatch > lzxMaxMatch {
					maxMatch = lzxMaxMatch
				}

				bestLen = 4 + findMatchLZX(src, srcIdx+5, ref+4, maxMatch)
			}
		}

		if bestLen < minMatch {
			ref = int(lzx.hashes[h0])
			lzx.hashes[h0] = int32(srcIdx)

			if ref <= minRef {
				srcIdx++
				continue
			}

			if binary.LittleEndian.Uint32(src[srcIdx:]) == binary.LittleEndian.Uint32(src[ref:]) {
				maxMatch := srcEnd - srcIdx - 4

				if maxMatch > lzxMaxMatch {
					maxMatch = lzxMaxMatch
				}

				bestLen = 4 + findMatchLZX(src, srcIdx+4, ref+4, maxMatch)
			}
		} else {
			srcIdx++
			lzx.hashes[h0] = int32(srcIdx)
		}

		// No good match ?
		if (bestLen < minMatch) || (bestLen == minMatch && srcIdx-ref >= lzxMinMatchMinDist && srcIdx-ref != repd0) {
			srcIdx++
			continue
		}

		if ref != srcIdx-repd0 {
			// Check if better match at next position
			h1 := lzx.hash(src[srcIdx+1:])
			ref1 := int(lzx.hashes[h1])
			lzx.hashes[h1] = int32(srcIdx + 1)

			// Find a match
			if ref1 > minRef+1 {
				maxMatch := srcEnd - srcIdx - 1

				if maxMatch > lzxMaxMatch {
					maxMatch = lzxMaxMatch
				}

				bestLen1 := findMatchLZX(src, srcIdx+1, ref1, maxMatch)

				// Select best match
				if (bestLen1 > bestLen) || ((bestLen1 == bestLen) && (srcIdx+1-ref1 < srcIdx-ref)) {
					ref = ref1
					bestLen = bestLen1
					srcIdx++
				}
			}
		}

		d := srcIdx - ref
		var dist int

		if d == repd0 {
			dist = 0
		} else {
			if d == repd1 {
				dist = 1
			} else {
				dist = d + 1
			}

			repd1 = repd0
			repd0 = d
		}

		// Emit token
		// Token: 3 bits litLen + 1 bit flag + 4 bits mLen (LLLFMMMM)
		// flag = if maxDist = lzxMaxDistance1, then highest bit of distance
		//        else 1 if dist needs 3 bytes (> 0xFFFF) and 0 otherwise
		mLen := bestLen - minMatch
		var token int

		if dist > 65535 {
			token = 0x10
		} else {
			token = 0
		}

		if mLen < 15 {
			token += mLen
		} else {
			token += 15
		}

		// Literals to process ?
		if anchor == srcIdx {
			lzx.tkBuf[tkIdx] = byte(token)
			tkIdx++
		} else {
			// Process literals
			litLen := srcIdx - anchor

			// Emit literal length
			if litLen >= 7 {
				if litLen >= 1<<24 {
					return 0, 0, errors.New("Too many literals, skip")
				}

				lzx.tkBuf[tkIdx] = byte((7 << 5) | token)
				tkIdx++
				dstIdx += emitLengthLZ(dst[dstIdx:], litLen-7)
			} else {
				lzx.tkBuf[tkIdx] = byte((litLen << 5) | token)
				tkIdx++
			}

			// Emit literals
			emitLiteralsLZ(src[anchor:anchor+litLen], dst[dstIdx:])
			dstIdx += litLen
		}

		// Emit match length
		if mLen >= 15 {
			mLenIdx += emitLengthLZ(lzx.mLenBuf[mLenIdx:], mLen-15)
		}

		// Emit distance
		if dist >= dThreshold {
			lzx.mBuf[mIdx] = byte(dist >> 16)
			mIdx++
		}

		lzx.mBuf[mIdx] = byte(dist >> 8)
		lzx.mBuf[mIdx+1] = byte(dist)
		mIdx += 2

		if mIdx >= len(lzx.mBuf)-8 {
			// Expand match mBuf
			extraBuf1 := make([]byte, len(lzx.mBuf))
			lzx.mBuf = append(lzx.mBuf, extraBuf1...)

			if mLenIdx >= len(lzx.mLenBuf)-8 {
				extraBuf2 := make([]byte, len(lzx.mLenBuf))
				lzx.mLenBuf = append(lzx.mBuf, extraBuf2...)
			}
		}

		// Fill this.hashes and update positions
		anchor = srcIdx + bestLen
		srcIdx++

		for srcIdx < anchor {
			lzx.hashes[lzx.hash(src[srcIdx:])] = int32(srcIdx)
			srcIdx++
		}
	}

	// Emit last literals
	litLen := count - anchor

	if dstIdx+litLen+tkIdx+mIdx >= count {
		return uint(count), uint(dstIdx), errors.New("No compression")
	}

	if litLen >= 7 {
		lzx.tkBuf[tkIdx] = byte(7 << 5)
		tkIdx++
		dstIdx += emitLengthLZ(dst[dstIdx:], litLen-7)
	} else {
		lzx.tkBuf[tkIdx] = byte(litLen << 5)
		tkIdx++
	}

	copy(dst[dstIdx:], src[anchor:anchor+litLen])
	dstIdx += litLen

	// Emit buffers: literals + tokens + matches
	binary.LittleEndian.PutUint32(dst[0:], uint32(dstIdx))
	binary.LittleEndian.PutUint32(dst[4:], uint32(tkIdx))
	binary.LittleEndian.PutUint32(dst[8:], uint32(mIdx))
	copy(dst[dstIdx:], lzx.tkBuf[0:tkIdx])
	dstIdx += tkIdx
	copy(dst[dstIdx:], lzx.mBuf[0:mIdx])
	dstIdx += mIdx
	copy(dst[dstIdx:], lzx.mLenBuf[0:mLenIdx])
	dstIdx += mLenIdx
	return uint(count), uint(dstIdx), nil
}

func findMatchLZX(src []byte, srcIdx, ref, maxMatch int) int {
	bestLen := 0

	for bestLen+4 <= maxMatch {
		diff := binary.LittleEndian.Uint32(src[srcIdx+bestLen:]) ^ binary.LittleEndian.Uint32(src[ref+bestLen:])

		if diff != 0 {
			bestLen += (bits.TrailingZeros32(diff) >> 3)
			break
		}

		bestLen += 4
	}

	return bestLen
}

// Inverse applies the reverse function to the src and writes the result
// to the destination. Returns number of bytes read, number of bytes
// written and possibly an error.
func (lzx *LZXCodec) Inverse(src, dst []byte) (uint, uint, error) {
	if lzx.legacyV2 == true {
		return lzx.inverseV2(src, dst)
	}

	return lzx.inverseV3(src, dst)
}

func (lzx *LZXCodec) inverseV3(src, dst []byte) (uint, uint, error) {
	if len(src) == 0 {
		return 0, 0, nil
	}

	count := len(src)

	if count < 13 {
		return 0, 0, errors.New("LZCodec: inverse transform failed, invalid data")
	}

	tkIdx := int(binary.LittleEndian.Uint32(src[0:]))
	mIdx := tkIdx + int(binary.LittleEndian.Uint32(src[4:]))
	mLenIdx := mIdx + int(binary.LittleEndian.Uint32(src[8:]))

	if mLenIdx > count {
		return 0, 0, errors.New("LZCodec: inverse transform failed, invalid data")
	}

	srcEnd := tkIdx - 13
	dstEnd := len(dst) - 16
	maxDist := lzxMaxDistance2

	if src[12]&1 == 0 {
		maxDist = lzxMaxDistance1
	}

	minMatch := lzxMinMatch1

	if src[12]&2 != 0 {
		minMatch = lzxMinMatch2
	}

	srcIdx := 13
	dstIdx := 0
	repd0 := 0
	repd1 := 0

	for {
		token := int(src[tkIdx])
		tkIdx++

		if token >= 32 {
			// Get literal length
			litLen := token >> 5

			if litLen == 7 {
				ll, delta := readLengthLZ(src[srcIdx:])
				litLen += ll
				srcIdx += delta
			}

			// Emit literals
			emitLiteralsBoundedLZ(dst, dstIdx, src[srcIdx:srcIdx+litLen], dstEnd)

			srcIdx += litLen
			dstIdx += litLen

			if srcIdx >= srcEnd {
				break
			}
		}

		// Get match length
		mLen := token & 0x0F

		if mLen == 15 {
			ll, delta := readLengthLZ(src[mLenIdx:])
			mLen += ll
			mLenIdx += delta
		}

		mLen += minMatch
		mEnd := dstIdx + mLen

		// Get distance
		dist := (int(src[mIdx]) << 8) | int(src[mIdx+1])
		mIdx += 2

		if (token & 0x10) != 0 {
			if maxDist == lzxMaxDistance1 {
				dist += 65536
			} else {
				dist = (dist << 8) | int(src[mIdx])
				mIdx++
			}
		}

		if dist == 0 {
			dist = repd0
		} else {
			if dist == 1 {
				dist = repd1
			} else {
				dist--
			}

			repd1 = repd0
			repd0 = dist
		}

		// Sanity check
		if dstIdx < dist || dist > maxDist || mEnd > dstEnd+16 {
			return uint(srcIdx), uint(dstIdx), fmt.Errorf("LZCodec: invalid distance decoded: %d", dist)
		}

		dstIdx = copyMatchLZ(dst, dstIdx, dist, mLen, mEnd)
	}

	var err error

	if srcIdx != srcEnd+13 {
		err = errors.New("LZCodec: inverse transform failed")
	}

	return uint(mIdx), uint(dstIdx), err
}

func (lzx *LZXCodec) inverseV2(src, dst []byte) (uint, uint, error) {
	if len(src) == 0 {
		return 0, 0, nil
	}

	count := len(src)
	tkIdx := int(binary.LittleEndian.Uint32(src[0:]))
	mIdx := tkIdx + int(binary.LittleEndian.Uint32(src[4:]))

	if tkIdx > count || mIdx > count {
		return 0, 0, errors.New("LZCodec: inverse transform failed, invalid data")
	}

	srcEnd := tkIdx - 9
	dstEnd := len(dst) - 16
	maxDist := lzxMaxDistance2

	if src[8] == 0 {
		maxDist = lzxMaxDistance1
	}

	srcIdx := 9
	dstIdx := 0
	repd := 0

	for {
		token := int(src[tkIdx])
		tkIdx++

		if token >= 32 {
			// Get literal length
			litLen := token >> 5

			if litLen == 7 {
				ll, delta := readLengthLZ(src[srcIdx:])
				litLen += ll
				srcIdx += delta
			}

			// Emit literals
			emitLiteralsBoundedLZ(dst, dstIdx, src[srcIdx:srcIdx+litLen], dstEnd)

			srcIdx += litLen
			dstIdx += litLen

			if srcIdx >= srcEnd {
				break
			}
		}

		// Get match length
		mLen := token & 0x0F

		if mLen == 15 {
			ll, delta := readLengthLZ(src[mIdx:])
			mLen += ll
			mIdx += delta
		}

		mLen += 5
		mEnd := dstIdx + mLen

		// Get distance
		d := (int(src[mIdx]) << 8) | int(src[mIdx+1])
		mIdx += 2

		if (token & 0x10) != 0 {
			if maxDist == lzxMaxDistance1 {
				d += 65536
			} else {
				d = (d << 8) | int(src[mIdx])
				mIdx++
			}
		}

		var dist int

		if d == 0 {
			dist = repd
		} else {
			dist = d - 1
			repd = dist
		}

		// Sanity check
		if dstIdx < dist || dist > maxDist || mEnd > dstEnd+16 {
			return uint(srcIdx), uint(dstIdx), fmt.Errorf("LZCodec: invalid distance decoded: %d", dist)
		}

		dstIdx = copyMatchLZ(dst, dstIdx, dist, mLen, mEnd)
	}

	var err error

	if srcIdx != srcEnd+9 {
		err = errors.New("LZCodec: inverse transform failed")
	}

	return uint(mIdx), uint(dstIdx), err
}

// MaxEncodedLen returns the max size required for the encoding output mBuf
func (lzx LZXCodec) MaxEncodedLen(srcLen int) int {
	if srcLen <= 1024 {
		return srcLen + 16
	}

	return srcLen + srcLen/64
}

// LZPCodec an implementation of the Lempel Ziv Predict algorithm
type LZPCodec struct {
	hashes []int32
}

// NewLZPCodec creates a new instance of LZPCodec
func NewLZPCodec() (*LZPCodec, error) {
	lzp := &LZPCodec{}
	lzp.hashes = make([]int32, 0)
	return lzp, nil
}

// NewLZPCodecWithCtx creates a new instance of LZPCodec using a
// configuration map as parameter.
func NewLZPCodecWithCtx(ctx *map[string]interface{}) (*LZPCodec, error) {
	lzp := &LZPCodec{}
	lzp.hashes = make([]int32, 0)
	return lzp, nil
}

// Forward applies the function to the src and writes the result
// to the destination. Returns number of bytes read, number of bytes
// written and possibly an error.
func (lzp *LZPCodec) Forward(src, dst []byte) (uint, uint, error) {
	if len(src) == 0 {
		return 0, 0, nil
	}

	count := len(src)

	if n := lzp.MaxEncodedLen(count); len(dst) < n {
		return 0, 0, fmt.Errorf("Output mBuf is too small - size: %d, required %d", len(dst), n)
	}

	// If too small, skip
	if count < lzpMinBlockLen {
		return 0, 0, fmt.Errorf("Block too small, skip")
	}

	srcEnd := count
	dstEnd := len(dst) - 4

	if len(lzp.hashes) == 0 {
		lzp.hashes = make([]int32, 1<<lzpHashLog)
	} else {
		for i := range lzp.hashes {
			lzp.hashes[i] = 0
		}
	}

	dst[0] = src[0]
	dst[1] = src[1]
	dst[2] = src[2]
	dst[3] = src[3]
	ctx := binary.LittleEndian.Uint32(src[:])
	srcIdx := 4
	dstIdx := 4
	minRef := 4

	for (srcIdx < srcEnd-lzpMinMatch) && (dstIdx < dstEnd) {
		h := (lzpHashSeed * ctx) >> lzpHashShift
		ref := int(lzp.hashes[h])
		lzp.hashes[h] = int32(srcIdx)
		bestLen := 0

		// Find a match
		if ref > minRef && binary.LittleEndian.Uint32(src[srcIdx+lzpMinMatch-4:]) == binary.LittleEndian.Uint32(src[ref+lzpMinMatch-4:]) {
			bestLen = lzp.findMatch(src, srcIdx, ref, srcEnd-srcIdx)
		}

		// No good match ?
		if bestLen < lzpMinMatch {
			val := uint32(src[srcIdx])
			ctx = (ctx << 8) | val
			dst[dstIdx] = src[srcIdx]
			srcIdx++
			dstIdx++

			if ref != 0 {
				if val == lzpMatchFlag {
					dst[dstIdx] = byte(0xFF)
					dstIdx++
				}

				if minRef < bestLen {
					minRef = srcIdx + bestLen
				}
			}

			continue
		}

		srcIdx += bestLen
		ctx = binary.LittleEndian.Uint32(src[srcIdx-4:])
		dst[dstIdx] = lzpMatchFlag
		dstIdx++
		bestLen -= lzpMinMatch

		// Emit match length
		for bestLen >= 254 {
			bestLen -= 254
			dst[dstIdx] = 0xFE
			dstIdx++

			if dstIdx >= dstEnd {
				break
			}
		}

		dst[dstIdx] = byte(bestLen)
		dstIdx++
	}

	for (srcIdx < srcEnd) && (dstIdx < dstEnd) {
		h := (lzpHashSeed * ctx) >> lzpHashShift
		ref := lzp.hashes[h]
		lzp.hashes[h] = int32(srcIdx)
		val := uint32(src[srcIdx])
		ctx = (ctx << 8) | val
		dst[dstIdx] = src[srcIdx]
		srcIdx++
		dstIdx++

		if (ref != 0) && (val == lzpMatchFlag) && (dstIdx < dstEnd) {
			dst[dstIdx] = 0xFF
			dstIdx++
		}
	}

	var err error

	if (srcIdx != count) || (dstIdx >= count-(count>>6)) {
		err = errors.New("LZP forward transform failed: output buffer too small")
	}

	return uint(srcIdx), uint(dstIdx), err
}

// Inverse applies the reverse function to the src and writes the result
// to the destination. Returns number of bytes read, number of bytes
// written and possibly an error.
func (lzp *LZPCodec) Inverse(src, dst []byte) (uint, uint, error) {
	if len(src) == 0 {
		return 0, 0, nil
	}

	if len(src) < 4 {
		return 0, 0, errors.New("Block too small, skip")
	}

	if len(lzp.hashes) == 0 {
		lzp.hashes = make([]int32, 1<<lzpHashLog)
	} else {
		for i := range lzp.hashes {
			lzp.hashes[i] = 0
		}
	}

	srcEnd := len(src)
	dst[0] = src[0]
	dst[1] = src[1]
	dst[2] = src[2]
	dst[3] = src[3]
	ctx := binary.LittleEndian.Uint32(dst[:])
	srcIdx := 4
	dstIdx := 4
	res := true

	for srcIdx < srcEnd {
		h := (lzpHashSeed * ctx) >> lzpHashShift
		ref := int(lzp.hashes[h])
		lzp.hashes[h] = int32(dstIdx)

		if ref == 0 || src[srcIdx] != lzpMatchFlag {
			dst[dstIdx] = src[srcIdx]
			ctx = (ctx << 8) | uint32(dst[dstIdx])
			srcIdx++
			dstIdx++
			continue
		}

		srcIdx++

		if src[srcIdx] == 0xFF {
			dst[dstIdx] = lzpMatchFlag
			ctx = (ctx << 8) | uint32(lzpMatchFlag)
			srcIdx++
			dstIdx++
			continue
		}

		mLen := lzpMinMatch

		for srcIdx < srcEnd && src[srcIdx] == 0xFE {
			srcIdx++
			mLen += 254
		}

		if srcIdx >= srcEnd {
			res = false
			break
		}

		mLen += int(src[srcIdx])
		srcIdx++

		for i := 0; i < mLen; i++ {
			dst[dstIdx+i] = dst[ref+i]
		}

		dstIdx += mLen
		ctx = binary.LittleEndian.Uint32(dst[dstIdx-4:])
	}

	var err error

	if res == false || (srcIdx != srcEnd) {
		err = errors.New("LZP inverse transform failed: output buffer too small")
	}

	return uint(srcIdx), uint(dstIdx), err
}

func (lzp *LZPCodec) findMatch(src []byte, srcIdx, ref, maxMatch int) int {
	bestLen := 0

	for bestLen+8 <= maxMatch {
		diff := binary.LittleEndian.Uint64(src[srcIdx+bestLen:]) ^ binary.LittleEndian.Uint64(src[ref+bestLen:])

		if diff != 0 {
			bestLen += (bits.TrailingZeros64(diff) >> 3)
			break
		}

		bestLen += 8
	}

	return bestLen
}

// MaxEncodedLen returns the max size required for the encoding output buffer
func (lzp LZPCodec) MaxEncodedLen(srcLen int) int {
	if srcLen <= 1024 {
		return srcLen + 16
	}

	return srcLen + srcLen/64
}
