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

// Package pipeline implements the block-oriented compression pipeline: a
// Writer that frames, transforms, entropy-codes and orders blocks onto a
// bitstream, and a Reader that reverses the process.
package pipeline

import (
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	strata "github.com/strata-zip/strata"
	"github.com/strata-zip/strata/bitio"
	"github.com/strata-zip/strata/entropy"
	"github.com/strata-zip/strata/hash"
	"github.com/strata-zip/strata/internal"
	"github.com/strata-zip/strata/transform"
)

// Forward: raw bytes -> detect data type -> transform chain -> entropy code -> framed block.
// Reverse: read framing -> entropy decode -> inverse transform chain -> raw bytes.

const (
	magicNumber      = 0x4B414E5A // "KANZ"
	formatVersion    = uint64(6)  // version written on encode
	legacyMinVersion = uint64(3)  // oldest version this package can decode
	legacyVersion    = uint64(4)  // last version using the pre-v6 header layout

	streamDefaultBufferSize = 256 * 1024
	extraBufferSize         = 512
	copyBlockMask           = 0x80
	transformsMask          = 0x10
	minBlockSize            = 1024
	maxBlockSize            = 1024 * 1024 * 1024
	smallBlockSize          = 15
	maxConcurrency          = 64
	cancelTasksID           = -1

	checksumNone   = uint(0)
	checksum32     = uint(32)
	checksum64     = uint(64)
	checksumKind32 = uint64(1)
	checksumKind64 = uint64(2)

	headerPaddingBits  = 15
	headerChecksumBits = 24
)

// Error an extended error containing a message and a code value.
type Error struct {
	msg  string
	code int
}

// Error returns the underlying error
func (e Error) Error() string {
	return fmt.Sprintf("%v (code %v)", e.msg, e.code)
}

// Message returns the message string associated with the error
func (e Error) Message() string {
	return e.msg
}

// ErrorCode returns the code value associated with the error
func (e Error) ErrorCode() int {
	return e.code
}

func newErr(msg string, code int) *Error {
	return &Error{msg: msg, code: code}
}

// formatErr wraps a decode-time framing failure under the single exit code
// the host sees: ERR_INVALID_STREAM. The finer code is kept in the message
// for diagnostics.
func formatErr(msg string, internalCode int) *Error {
	return &Error{msg: fmt.Sprintf("%s (detail %d)", msg, internalCode), code: strata.ERR_INVALID_STREAM}
}

type blockBuffer struct {
	// Enclose a slice in a struct to share it between stream and tasks
	// and reduce memory allocation. Tasks may reallocate the slice as needed.
	Buf []byte
}

// originalSizeMask returns the 2-bit mask and number of payload bits needed
// to store n in the frame header's original-size field.
func originalSizeMask(n int64) (mask uint64, bits uint) {
	switch {
	case n <= 0:
		return 0, 0
	case n < 1<<16:
		return 1, 16
	case n < 1<<32:
		return 2, 32
	default:
		return 3, 48
	}
}

func headerChecksum(version, checksumKind uint64, entropyType uint32, transformType uint64,
	blockSize uint32, origSizeMask, origSize uint64) uint32 {
	const mul = uint32(0x1E35A7BD)
	h := mul * uint32(version)
	h ^= mul * uint32(checksumKind)
	h ^= mul * entropyType
	h ^= mul * uint32(transformType>>32)
	h ^= mul * uint32(transformType)
	h ^= mul * blockSize
	h ^= mul * uint32(origSizeMask)
	h ^= mul * uint32(origSize>>32)
	h ^= mul * uint32(origSize)
	h = (h >> 9) ^ (h << 5)
	return h & ((1 << headerChecksumBits) - 1)
}

// Writer losslessly compresses data written to it and forwards the
// framed bitstream to the underlying OutputBitStream.
type Writer struct {
	blockSize     int
	hasher32      *hash.XXHash32
	hasher64      *hash.XXHash64
	buffers       []blockBuffer
	entropyType   uint32
	transformType uint64
	obs           strata.OutputBitStream
	initialized   int32
	closed        int32
	blockID       int32
	jobs          int
	originalSize  int64
	available     int
	listeners     []strata.Listener
	ctx           map[string]interface{}
}

type encodeTask struct {
	iBuffer            *blockBuffer
	oBuffer            *blockBuffer
	hasher32           *hash.XXHash32
	hasher64           *hash.XXHash64
	blockLength        uint
	blockTransformType uint64
	blockEntropyType   uint32
	currentBlockID     int32
	processedBlockID   *int32
	listeners          []strata.Listener
	obs                strata.OutputBitStream
	ctx                map[string]interface{}
}

func checksumBitsFromCtx(ctx map[string]interface{}) uint {
	v, present := ctx["checksum"]
	if !present {
		return checksumNone
	}

	switch t := v.(type) {
	case bool:
		if t {
			return checksum32
		}
		return checksumNone
	case uint:
		return t
	case int:
		return uint(t)
	default:
		return checksumNone
	}
}

// NewWriter creates a new instance of Writer
func NewWriter(os io.WriteCloser, codec, transformChain string, blockSize, jobs uint, checksumBits uint) (*Writer, error) {
	ctx := make(map[string]interface{})
	ctx["codec"] = codec
	ctx["transform"] = transformChain
	ctx["blockSize"] = blockSize
	ctx["jobs"] = jobs
	ctx["checksum"] = checksumBits
	return NewWriterWithCtx(os, ctx)
}

// NewWriterWithCtx creates a new instance of Writer using a map of
// parameters and an io.WriteCloser.
func NewWriterWithCtx(os io.WriteCloser, ctx map[string]interface{}) (*Writer, error) {
	obs, err := bitio.NewDefaultOutputBitStream(os, streamDefaultBufferSize)

	if err != nil {
		return nil, newErr(fmt.Sprintf("cannot create output bitstream: %v", err), strata.ERR_CREATE_BITSTREAM)
	}

	return newWriterWithCtx(obs, ctx)
}

// NewWriterWithBitStream creates a new instance of Writer using a map of
// parameters and a caller-supplied OutputBitStream.
func NewWriterWithBitStream(obs strata.OutputBitStream, ctx map[string]interface{}) (*Writer, error) {
	return newWriterWithCtx(obs, ctx)
}

func newWriterWithCtx(obs strata.OutputBitStream, ctx map[string]interface{}) (*Writer, error) {
	if obs == nil {
		return nil, newErr("invalid nil output bitstream parameter", strata.ERR_CREATE_STREAM)
	}

	if ctx == nil {
		return nil, newErr("invalid nil context parameter", strata.ERR_CREATE_STREAM)
	}

	entropyCodec := ctx["codec"].(string)
	transformChain := ctx["transform"].(string)
	tasks := ctx["jobs"].(uint)

	if tasks == 0 || tasks > maxConcurrency {
		return nil, newErr(fmt.Sprintf("the number of jobs must be in [1..%d], got %d", maxConcurrency, tasks), strata.ERR_CREATE_STREAM)
	}

	bSize := ctx["blockSize"].(uint)

	if bSize > maxBlockSize {
		return nil, newErr(fmt.Sprintf("the block size must be at most %d MB", maxBlockSize>>20), strata.ERR_CREATE_STREAM)
	}

	if bSize < minBlockSize {
		return nil, newErr(fmt.Sprintf("the block size must be at least %d", minBlockSize), strata.ERR_CREATE_STREAM)
	}

	if int(bSize)&-16 != int(bSize) {
		return nil, newErr("the block size must be a multiple of 16", strata.ERR_CREATE_STREAM)
	}

	ctx["bsVersion"] = uint(formatVersion)
	w := &Writer{}
	w.obs = obs

	eType, err := entropy.GetType(entropyCodec)

	if err != nil {
		return nil, newErr(err.Error(), strata.ERR_CREATE_STREAM)
	}

	w.entropyType = eType
	w.transformType, err = transform.GetType(transformChain)

	if err != nil {
		return nil, newErr(err.Error(), strata.ERR_CREATE_STREAM)
	}

	w.blockSize = int(bSize)
	w.available = 0
	w.originalSize = 0

	if val, present := ctx["fileSize"]; present {
		w.originalSize = val.(int64)
	}

	switch checksumBitsFromCtx(ctx) {
	case checksum64:
		if w.hasher64, err = hash.NewXXHash64(magicNumber); err != nil {
			return nil, err
		}
	case checksum32:
		if w.hasher32, err = hash.NewXXHash32(magicNumber); err != nil {
			return nil, err
		}
	}

	w.jobs = int(tasks)
	w.buffers = make([]blockBuffer, 2*w.jobs)

	// Allocate first buffer and add padding for incompressible blocks
	bufSize := w.blockSize + w.blockSize>>6

	if bufSize < 65536 {
		bufSize = 65536
	}

	w.buffers[0] = blockBuffer{Buf: make([]byte, bufSize)}
	w.buffers[w.jobs] = blockBuffer{Buf: make([]byte, 0)}

	for i := 1; i < w.jobs; i++ {
		w.buffers[i] = blockBuffer{Buf: make([]byte, 0)}
		w.buffers[i+w.jobs] = blockBuffer{Buf: make([]byte, 0)}
	}

	w.blockID = 0
	w.listeners = make([]strata.Listener, 0)
	w.ctx = ctx
	return w, nil
}

// AddListener adds an event listener to this writer.
// Returns true if the listener has been added.
func (w *Writer) AddListener(bl strata.Listener) bool {
	if bl == nil {
		return false
	}

	w.listeners = append(w.listeners, bl)
	return true
}

// RemoveListener removes an event listener from this writer.
// Returns true if the listener has been removed.
func (w *Writer) RemoveListener(bl strata.Listener) bool {
	if bl == nil {
		return false
	}

	for i, e := range w.listeners {
		if e == bl {
			w.listeners = append(w.listeners[:i], w.listeners[i+1:]...)
			return true
		}
	}

	return false
}

func (w *Writer) writeHeader() *Error {
	checksumKind := uint64(0)

	if w.hasher64 != nil {
		checksumKind = checksumKind64
	} else if w.hasher32 != nil {
		checksumKind = checksumKind32
	}

	origMask, origBits := originalSizeMask(w.originalSize)

	if w.obs.WriteBits(magicNumber, 32) != 32 {
		return newErr("cannot write magic number to header", strata.ERR_WRITE_FILE)
	}

	if w.obs.WriteBits(formatVersion, 4) != 4 {
		return newErr("cannot write format version to header", strata.ERR_WRITE_FILE)
	}

	if w.obs.WriteBits(checksumKind, 2) != 2 {
		return newErr("cannot write checksum kind to header", strata.ERR_WRITE_FILE)
	}

	if w.obs.WriteBits(uint64(w.entropyType), 5) != 5 {
		return newErr("cannot write entropy type to header", strata.ERR_WRITE_FILE)
	}

	if w.obs.WriteBits(w.transformType, 48) != 48 {
		return newErr("cannot write transform chain to header", strata.ERR_WRITE_FILE)
	}

	if w.obs.WriteBits(uint64(w.blockSize>>4), 28) != 28 {
		return newErr("cannot write block size to header", strata.ERR_WRITE_FILE)
	}

	if w.obs.WriteBits(origMask, 2) != 2 {
		return newErr("cannot write original size mask to header", strata.ERR_WRITE_FILE)
	}

	if origBits > 0 {
		if w.obs.WriteBits(uint64(w.originalSize), origBits) != origBits {
			return newErr("cannot write original size to header", strata.ERR_WRITE_FILE)
		}
	}

	if w.obs.WriteBits(0, headerPaddingBits) != headerPaddingBits {
		return newErr("cannot write header padding", strata.ERR_WRITE_FILE)
	}

	chk := headerChecksum(formatVersion, checksumKind, w.entropyType, w.transformType,
		uint32(w.blockSize), origMask, uint64(w.originalSize))

	if w.obs.WriteBits(uint64(chk), headerChecksumBits) != headerChecksumBits {
		return newErr("cannot write header checksum", strata.ERR_WRITE_FILE)
	}

	return nil
}

// Write writes len(block) bytes from block to the underlying data stream.
// It returns the number of bytes written from block (0 <= n <= len(block)) and
// any error encountered that caused the write to stop early.
func (w *Writer) Write(block []byte) (int, error) {
	if atomic.LoadInt32(&w.closed) == 1 {
		return 0, newErr("stream closed", strata.ERR_WRITE_FILE)
	}

	off := 0
	remaining := len(block)

	for remaining > 0 {
		lenChunk := remaining
		bufOff := w.available % w.blockSize

		if lenChunk > w.blockSize-bufOff {
			lenChunk = w.blockSize - bufOff
		}

		if lenChunk == 0 {
			continue
		}

		// Process a chunk of in-buffer data. No access to bitstream required
		bufID := w.available / w.blockSize
		copy(w.buffers[bufID].Buf[bufOff:], block[off:off+lenChunk])
		bufOff += lenChunk
		off += lenChunk
		remaining -= lenChunk
		w.available += lenChunk

		if bufOff >= w.blockSize {
			if bufID+1 < w.jobs {
				// Current write buffer is full
				if len(w.buffers[bufID+1].Buf) == 0 {
					bufSize := w.blockSize + w.blockSize>>6

					if bufSize < 65536 {
						bufSize = 65536
					}

					w.buffers[bufID+1].Buf = make([]byte, bufSize)
				}
			} else {
				// If all buffers are full, time to encode
				if err := w.processBlock(); err != nil {
					return len(block) - remaining, err
				}
			}
		}

		if remaining == 0 {
			break
		}
	}

	return len(block) - remaining, nil
}

// Close writes the buffered data to the output stream then writes
// a final empty block and releases resources.
// Close makes the bitstream unavailable for further writes. Idempotent.
func (w *Writer) Close() error {
	if atomic.SwapInt32(&w.closed, 1) == 1 {
		return nil
	}

	if err := w.processBlock(); err != nil {
		return err
	}

	// Write end block of size 0
	w.obs.WriteBits(0, 5) // write length-3 (5 bits max)
	w.obs.WriteBits(0, 3)

	if err := w.obs.Close(); err != nil {
		return err
	}

	for i := range w.buffers {
		w.buffers[i] = blockBuffer{Buf: make([]byte, 0)}
	}

	return nil
}

func (w *Writer) processBlock() error {
	if atomic.SwapInt32(&w.initialized, 1) == 0 {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}

	if w.available == 0 {
		return nil
	}

	// Protect against future concurrent modification of the list of block listeners
	listeners := make([]strata.Listener, len(w.listeners))
	copy(listeners, w.listeners)

	nbTasks := w.jobs
	nbInputBlocks := (w.available + w.blockSize - 1) / w.blockSize

	if nbTasks > nbInputBlocks {
		nbTasks = nbInputBlocks
	}

	var jobsPerTask []uint

	if nbTasks > 1 {
		jobsPerTask, _ = internal.ComputeJobsPerTask(make([]uint, nbTasks), uint(w.jobs), uint(nbTasks))
	} else {
		jobsPerTask = []uint{uint(w.jobs)}
	}

	var grp errgroup.Group
	firstID := w.blockID

	for taskID := 0; taskID < nbTasks; taskID++ {
		dataLength := w.available

		if dataLength > w.blockSize {
			dataLength = w.blockSize
		}

		if dataLength == 0 {
			break
		}

		copyCtx := make(map[string]interface{}, len(w.ctx))

		for k, v := range w.ctx {
			copyCtx[k] = v
		}

		copyCtx["jobs"] = jobsPerTask[taskID]
		w.available -= dataLength

		task := encodeTask{
			iBuffer:            &w.buffers[taskID],
			oBuffer:            &w.buffers[w.jobs+taskID],
			hasher32:           w.hasher32,
			hasher64:           w.hasher64,
			blockLength:        uint(dataLength),
			blockTransformType: w.transformType,
			blockEntropyType:   w.entropyType,
			currentBlockID:     firstID + int32(taskID) + 1,
			processedBlockID:   &w.blockID,
			obs:                w.obs,
			listeners:          listeners,
			ctx:                copyCtx,
		}

		grp.Go(func() error {
			return task.encode()
		})
	}

	return grp.Wait()
}

// Written returns the number of bytes written so far
func (w *Writer) Written() uint64 {
	return (w.obs.Written() + 7) >> 3
}

// Encode mode + transformed entropy coded data
// mode | 0b10000000 => copy block
// mode | 0b0yy00000 => size(size(block))-1
// mode | 0b000y0000 => 1 if more than 4 transforms
//
// case 4 transforms or less
// mode | 0b0000yyyy => transform sequence skip flags (1 means skip)
//
// case more than 4 transforms
// mode | 0b00000000
//
// then 0byyyyyyyy => transform sequence skip flags (1 means skip)
func (e *encodeTask) encode() (errRes error) {
	data := e.iBuffer.Buf
	buffer := e.oBuffer.Buf
	mode := byte(0)
	checksum32 := uint32(0)
	checksum64 := uint64(0)

	defer func() {
		if r := recover(); r != nil {
			errRes = newErr(fmt.Sprint(r), strata.ERR_PROCESS_BLOCK)
		}

		// Unblock other tasks
		if errRes != nil {
			atomic.StoreInt32(e.processedBlockID, cancelTasksID)
		} else if atomic.LoadInt32(e.processedBlockID) == e.currentBlockID-1 {
			atomic.StoreInt32(e.processedBlockID, e.currentBlockID)
		}
	}()

	// Compute block checksum
	if e.hasher32 != nil {
		checksum32 = e.hasher32.Hash(data[0:e.blockLength])
	} else if e.hasher64 != nil {
		checksum64 = e.hasher64.Hash(data[0:e.blockLength])
	}

	if len(e.listeners) > 0 {
		hv, ht := eventHash(e.hasher32, e.hasher64, checksum32, checksum64)
		evt := strata.NewEvent(strata.EVT_BEFORE_TRANSFORM, int(e.currentBlockID),
			int64(e.blockLength), hv, ht, time.Now())
		notifyListeners(e.listeners, evt)
	}

	if e.blockLength <= smallBlockSize {
		e.blockTransformType = transform.NONE_TYPE
		e.blockEntropyType = entropy.NONE_TYPE
		mode |= byte(copyBlockMask)
	} else if skipOpt, present := e.ctx["skipBlocks"]; present && skipOpt.(bool) {
		skip := false

		if e.blockLength >= 8 {
			skip = internal.IsDataCompressed(internal.GetMagicType(data))
		}

		if !skip {
			histo := [256]int{}
			internal.ComputeHistogram(data[0:e.blockLength], histo[:], true, false)
			entropy1024 := internal.ComputeFirstOrderEntropy1024(int(e.blockLength), histo[:])
			skip = entropy1024 >= entropy.INCOMPRESSIBLE_THRESHOLD
		}

		if skip {
			e.blockTransformType = transform.NONE_TYPE
			e.blockEntropyType = entropy.NONE_TYPE
			mode |= copyBlockMask
		}
	}

	e.ctx["size"] = e.blockLength
	t, err := transform.New(&e.ctx, e.blockTransformType)

	if err != nil {
		return newErr(err.Error(), strata.ERR_CREATE_CODEC)
	}

	requiredSize := t.MaxEncodedLen(int(e.blockLength))

	if e.blockLength >= 4 {
		magic := internal.GetMagicType(data)

		if internal.IsDataCompressed(magic) {
			e.ctx["dataType"] = internal.DT_BIN
		} else if internal.IsDataMultimedia(magic) {
			e.ctx["dataType"] = internal.DT_MULTIMEDIA
		} else if internal.IsDataExecutable(magic) {
			e.ctx["dataType"] = internal.DT_EXE
		}
	}

	if len(e.iBuffer.Buf) < requiredSize {
		extraBuf := make([]byte, requiredSize-len(e.iBuffer.Buf))
		data = append(data, extraBuf...)
		e.iBuffer.Buf = data
	}

	if len(e.oBuffer.Buf) < requiredSize {
		extraBuf := make([]byte, requiredSize-len(e.oBuffer.Buf))
		buffer = append(buffer, extraBuf...)
		e.oBuffer.Buf = buffer
	}

	// Forward transform (ignore error, encode skipFlags)
	_, postTransformLength, _ := t.Forward(data[0:e.blockLength], buffer)
	e.ctx["size"] = postTransformLength
	dataSize := uint(1)

	if postTransformLength >= 256 {
		dataSize = uint(internal.Log2NoCheck(uint32(postTransformLength))>>3) + 1

		if dataSize > 4 {
			return newErr("invalid block data length", strata.ERR_WRITE_FILE)
		}
	}

	mode |= byte(((dataSize - 1) & 0x03) << 5)

	if len(e.listeners) > 0 {
		hv, ht := eventHash(e.hasher32, e.hasher64, checksum32, checksum64)
		evt := strata.NewEvent(strata.EVT_AFTER_TRANSFORM, int(e.currentBlockID),
			int64(postTransformLength), hv, ht, time.Now())
		notifyListeners(e.listeners, evt)
	}

	bufSize := postTransformLength

	if bufSize < e.blockLength+(e.blockLength>>3) {
		bufSize = e.blockLength + (e.blockLength >> 3)
	}

	if bufSize < 512*1024 {
		bufSize = 512 * 1024
	}

	if len(data) < int(bufSize) {
		// Rare case where the transform expanded the input or the entropy
		// coder may expand the size
		data = make([]byte, bufSize)
	}

	bufStream := internal.NewBufferStream(data[0:0:cap(data)])
	obs, _ := bitio.NewDefaultOutputBitStream(bufStream, 16384)

	if (mode&copyBlockMask) != 0 || t.Len() <= 4 {
		mode |= byte(t.SkipFlags() >> 4)
		obs.WriteBits(uint64(mode), 8)
	} else {
		mode |= transformsMask
		obs.WriteBits(uint64(mode), 8)
		obs.WriteBits(uint64(t.SkipFlags()), 8)
	}

	obs.WriteBits(uint64(postTransformLength), 8*dataSize)

	if e.hasher32 != nil {
		obs.WriteBits(uint64(checksum32), 32)
	} else if e.hasher64 != nil {
		obs.WriteBits(checksum64, 64)
	}

	if len(e.listeners) > 0 {
		hv, ht := eventHash(e.hasher32, e.hasher64, checksum32, checksum64)
		evt := strata.NewEvent(strata.EVT_BEFORE_ENTROPY, int(e.currentBlockID),
			int64(postTransformLength), hv, ht, time.Now())
		notifyListeners(e.listeners, evt)
	}

	// Each block is encoded separately: the entropy encoder is rebuilt to
	// reset per-chunk statistics.
	ee, err := entropy.NewEntropyEncoder(obs, e.ctx, e.blockEntropyType)

	if err != nil {
		return newErr(err.Error(), strata.ERR_CREATE_CODEC)
	}

	if _, err = ee.Write(buffer[0:postTransformLength]); err != nil {
		return newErr(err.Error(), strata.ERR_PROCESS_BLOCK)
	}

	// Dispose before displaying statistics. Dispose may write to the bitstream
	ee.Dispose()
	obs.Close()
	written := obs.Written()

	// Ordered-emission barrier: spin until all lower-numbered blocks have
	// written their own record to the shared bitstream.
	for {
		taskID := atomic.LoadInt32(e.processedBlockID)

		if taskID == cancelTasksID {
			return nil
		}

		if taskID == e.currentBlockID-1 {
			break
		}

		runtime.Gosched()
	}

	if len(e.listeners) > 0 {
		hv, ht := eventHash(e.hasher32, e.hasher64, checksum32, checksum64)
		evt := strata.NewEvent(strata.EVT_AFTER_ENTROPY, int(e.currentBlockID),
			int64((written+7)>>3), hv, ht, time.Now())
		notifyListeners(e.listeners, evt)
	}

	// Emit block size in bits (max size pre-entropy is 1 GB = 1 << 30 bytes)
	lw := uint(3)

	if written >= 8 {
		lw = uint(internal.Log2NoCheck(uint32(written>>3)) + 4)
	}

	e.obs.WriteBits(uint64(lw-3), 5) // write length-3 (5 bits max)
	e.obs.WriteBits(written, lw)
	chkSize := uint(1 << 30)

	if written < 1<<30 {
		chkSize = uint(written)
	}

	for n := uint(0); written > 0; {
		e.obs.WriteArray(data[n:], chkSize)
		n += (chkSize + 7) >> 3
		written -= uint64(chkSize)
		chkSize = uint(1 << 30)

		if written < 1<<30 {
			chkSize = uint(written)
		}
	}

	return nil
}

// eventHash resolves the (hash value, hash type) pair expected by
// strata.NewEvent from the active checksum state.
func eventHash(hasher32 *hash.XXHash32, hasher64 *hash.XXHash64, checksum32 uint32, checksum64 uint64) (uint64, int) {
	switch {
	case hasher64 != nil:
		return checksum64, strata.EVT_HASH_64BITS
	case hasher32 != nil:
		return uint64(checksum32), strata.EVT_HASH_32BITS
	default:
		return 0, strata.EVT_HASH_NONE
	}
}

func notifyListeners(listeners []strata.Listener, evt *strata.Event) {
	defer func() {
		// Block listeners must never take down a worker goroutine.
		recover()
	}()

	for _, bl := range listeners {
		bl.ProcessEvent(evt)
	}
}

type decodeResult struct {
	data           []byte
	decoded        int
	blockID        int
	skipped        bool
	checksum32     uint32
	checksum64     uint64
	completionTime time.Time
}

// Reader reads and losslessly decompresses a framed bitstream produced by
// a Writer.
type Reader struct {
	blockSize       int
	hasher32        *hash.XXHash32
	hasher64        *hash.XXHash64
	buffers         []blockBuffer
	entropyType     uint32
	transformType   uint64
	ibs             strata.InputBitStream
	initialized     int32
	closed          int32
	blockID         int32
	jobs            int
	bufferThreshold int
	available       int // decoded not consumed bytes
	consumed        int // decoded consumed bytes
	originalSize    int64
	listeners       []strata.Listener
	ctx             map[string]interface{}
}

type decodeTask struct {
	iBuffer            *blockBuffer
	oBuffer            *blockBuffer
	hasher32           *hash.XXHash32
	hasher64           *hash.XXHash64
	blockLength        uint
	blockTransformType uint64
	blockEntropyType   uint32
	currentBlockID     int32
	processedBlockID   *int32
	listeners          []strata.Listener
	ibs                strata.InputBitStream
	ctx                map[string]interface{}
	result             decodeResult
}

// NewReader creates a new instance of Reader
func NewReader(is io.ReadCloser, jobs uint) (*Reader, error) {
	ctx := make(map[string]interface{})
	ctx["jobs"] = jobs
	return NewReaderWithCtx(is, ctx)
}

// NewReaderWithCtx creates a new instance of Reader using a map of parameters
func NewReaderWithCtx(is io.ReadCloser, ctx map[string]interface{}) (*Reader, error) {
	ibs, err := bitio.NewDefaultInputBitStream(is, streamDefaultBufferSize)

	if err != nil {
		return nil, newErr(fmt.Sprintf("cannot create input bitstream: %v", err), strata.ERR_CREATE_BITSTREAM)
	}

	return newReaderWithCtx(ibs, ctx)
}

// NewReaderWithBitStream creates a new instance of Reader using a map of
// parameters and a caller-supplied InputBitStream.
func NewReaderWithBitStream(ibs strata.InputBitStream, ctx map[string]interface{}) (*Reader, error) {
	return newReaderWithCtx(ibs, ctx)
}

func newReaderWithCtx(ibs strata.InputBitStream, ctx map[string]interface{}) (*Reader, error) {
	if ibs == nil {
		return nil, newErr("invalid nil input bitstream parameter", strata.ERR_CREATE_STREAM)
	}

	if ctx == nil {
		return nil, newErr("invalid nil context parameter", strata.ERR_CREATE_STREAM)
	}

	tasks := ctx["jobs"].(uint)

	if tasks == 0 || tasks > maxConcurrency {
		return nil, newErr(fmt.Sprintf("the number of jobs must be in [1..%d], got %d", maxConcurrency, tasks), strata.ERR_CREATE_STREAM)
	}

	r := &Reader{}
	r.ibs = ibs
	r.jobs = int(tasks)
	r.blockID = 0
	r.consumed = 0
	r.available = 0
	r.bufferThreshold = 0
	r.buffers = make([]blockBuffer, 2*r.jobs)

	for i := range r.buffers {
		r.buffers[i] = blockBuffer{Buf: make([]byte, 0)}
	}

	r.listeners = make([]strata.Listener, 0)
	r.ctx = ctx
	r.blockSize = 0
	r.entropyType = entropy.NONE_TYPE
	r.transformType = transform.NONE_TYPE
	return r, nil
}

// AddListener adds an event listener to this reader.
// Returns true if the listener has been added.
func (r *Reader) AddListener(bl strata.Listener) bool {
	if bl == nil {
		return false
	}

	r.listeners = append(r.listeners, bl)
	return true
}

// RemoveListener removes an event listener from this reader.
// Returns true if the listener has been removed.
func (r *Reader) RemoveListener(bl strata.Listener) bool {
	if bl == nil {
		return false
	}

	for i, e := range r.listeners {
		if e == bl {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return true
		}
	}

	return false
}

func (r *Reader) readHeader() (retErr error) {
	defer func() {
		if rec := recover(); rec != nil {
			retErr = formatErr(fmt.Sprintf("cannot read bitstream header: %v", rec), strata.ERR_READ_FILE)
		}
	}()

	fileType := r.ibs.ReadBits(32)

	if fileType != magicNumber {
		return formatErr("invalid stream type", strata.ERR_INVALID_FILE)
	}

	bsVersion := r.ibs.ReadBits(4)

	if bsVersion > formatVersion || bsVersion < legacyMinVersion {
		return formatErr(fmt.Sprintf("cannot read this version of the stream: %d", bsVersion), strata.ERR_STREAM_VERSION)
	}

	r.ctx["bsVersion"] = uint(bsVersion)
	var err error

	if bsVersion <= legacyVersion {
		err = r.readLegacyHeader(bsVersion)
	} else {
		err = r.readCurrentHeader(bsVersion)
	}

	if err != nil {
		return err
	}

	if len(r.listeners) > 0 {
		msg := fmt.Sprintf("Checksum set to %v\n", r.hasher32 != nil || r.hasher64 != nil)
		msg += fmt.Sprintf("Block size set to %d bytes\n", r.blockSize)
		w1, _ := entropy.GetName(r.entropyType)

		if w1 == "NONE" {
			w1 = "no"
		}

		msg += fmt.Sprintf("Using %v entropy codec (stage 1)\n", w1)
		w2, _ := transform.GetName(r.transformType)

		if w2 == "NONE" {
			w2 = "no"
		}

		msg += fmt.Sprintf("Using %v transform (stage 2)\n", w2)
		evt := strata.NewEventFromString(strata.EVT_AFTER_HEADER_DECODING, 0, msg, time.Now())
		notifyListeners(r.listeners, evt)
	}

	return nil
}

// readCurrentHeader decodes the v5/v6 header layout: magic, version,
// 2-bit checksum kind, entropy type, transform mask, block size, a
// variable-width original-size field and a 24-bit header checksum.
func (r *Reader) readCurrentHeader(bsVersion uint64) error {
	checksumKind := r.ibs.ReadBits(2)
	var err error

	switch checksumKind {
	case checksumKind64:
		if r.hasher64, err = hash.NewXXHash64(magicNumber); err != nil {
			return err
		}
	case checksumKind32:
		if r.hasher32, err = hash.NewXXHash32(magicNumber); err != nil {
			return err
		}
	}

	r.entropyType = uint32(r.ibs.ReadBits(5))
	eType, err := entropy.GetName(r.entropyType)

	if err != nil {
		return formatErr(fmt.Sprintf("invalid entropy type: %d", r.entropyType), strata.ERR_INVALID_CODEC)
	}

	r.ctx["codec"] = eType
	r.ctx["extra"] = r.entropyType == entropy.TPAQX_TYPE

	r.transformType = r.ibs.ReadBits(48)
	tType, err := transform.GetName(r.transformType)

	if err != nil {
		return formatErr(fmt.Sprintf("invalid transform chain: %d", r.transformType), strata.ERR_INVALID_CODEC)
	}

	r.ctx["transform"] = tType

	r.blockSize = int(r.ibs.ReadBits(28)) << 4

	if r.blockSize < minBlockSize || r.blockSize > maxBlockSize {
		return formatErr(fmt.Sprintf("incorrect block size: %d", r.blockSize), strata.ERR_BLOCK_SIZE)
	}

	r.ctx["blockSize"] = uint(r.blockSize)
	r.bufferThreshold = r.blockSize

	origMask := r.ibs.ReadBits(2)
	var origBits uint
	var origSize uint64

	switch origMask {
	case 1:
		origBits = 16
	case 2:
		origBits = 32
	case 3:
		origBits = 48
	}

	if origBits > 0 {
		origSize = r.ibs.ReadBits(origBits)
		r.originalSize = int64(origSize)
		r.ctx["fileSize"] = r.originalSize
	}

	r.ibs.ReadBits(headerPaddingBits) // reserved

	storedChecksum := uint32(r.ibs.ReadBits(headerChecksumBits))
	computed := headerChecksum(bsVersion, checksumKind, r.entropyType, r.transformType,
		uint32(r.blockSize), origMask, origSize)

	if storedChecksum != computed {
		return formatErr("corrupted header", strata.ERR_INVALID_FILE)
	}

	return nil
}

// readLegacyHeader decodes streams written by versions <= 4, which used a
// single checksum-present bit, a fixed 4-bit header checksum and an
// explicit input-block-count field instead of an original-size field.
func (r *Reader) readLegacyHeader(bsVersion uint64) error {
	var err error

	if r.ibs.ReadBit() == 1 {
		if r.hasher32, err = hash.NewXXHash32(magicNumber); err != nil {
			return err
		}
	}

	r.entropyType = uint32(r.ibs.ReadBits(5))
	eType, err := entropy.GetName(r.entropyType)

	if err != nil {
		return formatErr(fmt.Sprintf("invalid entropy type: %d", r.entropyType), strata.ERR_INVALID_CODEC)
	}

	r.ctx["codec"] = eType
	r.ctx["extra"] = r.entropyType == entropy.TPAQX_TYPE

	r.transformType = r.ibs.ReadBits(48)
	tType, err := transform.GetName(r.transformType)

	if err != nil {
		return formatErr(fmt.Sprintf("invalid transform chain: %d", r.transformType), strata.ERR_INVALID_CODEC)
	}

	r.ctx["transform"] = tType
	r.blockSize = int(r.ibs.ReadBits(28)) << 4

	if r.blockSize < minBlockSize || r.blockSize > maxBlockSize {
		return formatErr(fmt.Sprintf("incorrect block size: %d", r.blockSize), strata.ERR_BLOCK_SIZE)
	}

	r.ctx["blockSize"] = uint(r.blockSize)
	r.bufferThreshold = r.blockSize
	nbInputBlocks := r.ibs.ReadBits(6)
	cksum1 := uint32(r.ibs.ReadBits(4))

	if bsVersion >= 3 {
		const mul = uint32(0x1E35A7BD)
		checksumKind := uint64(0)

		if r.hasher32 != nil {
			checksumKind = 1
		}

		cksum2 := mul * uint32(bsVersion)
		cksum2 ^= mul * uint32(checksumKind)
		cksum2 ^= mul * r.entropyType
		cksum2 ^= mul * uint32(r.transformType>>32)
		cksum2 ^= mul * uint32(r.transformType)
		cksum2 ^= mul * uint32(r.blockSize)
		cksum2 ^= mul * uint32(nbInputBlocks)
		cksum2 = (cksum2 >> 23) ^ (cksum2 >> 3)

		if cksum1 != (cksum2 & 0x0F) {
			return formatErr("corrupted header", strata.ERR_INVALID_FILE)
		}
	}

	return nil
}

// Close reads the buffered data from the input stream and releases resources.
// Close makes the bitstream unavailable for further reads. Idempotent
func (r *Reader) Close() error {
	if atomic.SwapInt32(&r.closed, 1) == 1 {
		return nil
	}

	if err := r.ibs.Close(); err != nil {
		return err
	}

	r.available = 0

	for i := range r.buffers {
		r.buffers[i] = blockBuffer{Buf: make([]byte, 0)}
	}

	return nil
}

// Read reads up to len(block) bytes and copies them into block.
// It returns the number of bytes read (0 <= n <= len(block)) and any error encountered.
func (r *Reader) Read(block []byte) (int, error) {
	if atomic.LoadInt32(&r.closed) == 1 {
		return 0, newErr("stream closed", strata.ERR_READ_FILE)
	}

	if atomic.SwapInt32(&r.initialized, 1) == 0 {
		if err := r.readHeader(); err != nil {
			return 0, err
		}
	}

	off := 0
	remaining := len(block)

	for remaining > 0 {
		avail := r.available
		bufOff := r.consumed % r.blockSize

		if avail > r.bufferThreshold-bufOff {
			avail = r.bufferThreshold - bufOff
		}

		lenChunk := remaining

		if lenChunk > avail {
			lenChunk = avail
		}

		if lenChunk > 0 {
			bufID := r.consumed / r.blockSize
			copy(block[off:], r.buffers[bufID].Buf[bufOff:bufOff+lenChunk])
			off += lenChunk
			remaining -= lenChunk
			r.available -= lenChunk
			r.consumed += lenChunk

			if r.available > 0 && bufOff+lenChunk >= r.bufferThreshold {
				continue
			}

			if remaining == 0 {
				break
			}
		}

		if r.available == 0 {
			var err error

			if r.available, err = r.processBlock(); err != nil {
				return len(block) - remaining, err
			}

			if r.available == 0 {
				if len(block) == remaining {
					return 0, io.EOF
				}

				break
			}
		}
	}

	return len(block) - remaining, nil
}

func (r *Reader) processBlock() (int, error) {
	if atomic.LoadInt32(&r.blockID) == cancelTasksID {
		return 0, nil
	}

	blkSize := r.blockSize

	if extraBufferSize >= (blkSize >> 4) {
		blkSize += extraBufferSize
	} else {
		blkSize += blkSize >> 4
	}

	listeners := make([]strata.Listener, len(r.listeners))
	copy(listeners, r.listeners)
	decoded := 0

	for {
		nbTasks := r.jobs
		nbInputBlocks := nbTasks

		if r.originalSize > 0 {
			nbInputBlocks = int((r.originalSize + int64(r.blockSize) - 1) / int64(r.blockSize))

			if nbInputBlocks < 1 {
				nbInputBlocks = 1
			}
		}

		if nbTasks > nbInputBlocks {
			nbTasks = nbInputBlocks
		}

		var jobsPerTask []uint

		if nbTasks > 1 {
			jobsPerTask, _ = internal.ComputeJobsPerTask(make([]uint, nbTasks), uint(r.jobs), uint(nbTasks))
		} else {
			jobsPerTask = []uint{uint(r.jobs)}
		}

		tasks := make([]*decodeTask, nbTasks)
		var grp errgroup.Group
		firstID := r.blockID
		bufSize := r.blockSize + extraBufferSize

		if bufSize < r.blockSize+(r.blockSize>>4) {
			bufSize = r.blockSize + (r.blockSize >> 4)
		}

		for taskID := 0; taskID < nbTasks; taskID++ {
			if len(r.buffers[taskID].Buf) < bufSize {
				r.buffers[taskID].Buf = make([]byte, bufSize)
			}

			copyCtx := make(map[string]interface{}, len(r.ctx))

			for k, v := range r.ctx {
				copyCtx[k] = v
			}

			copyCtx["jobs"] = jobsPerTask[taskID]

			task := &decodeTask{
				iBuffer:            &r.buffers[taskID],
				oBuffer:            &r.buffers[r.jobs+taskID],
				hasher32:           r.hasher32,
				hasher64:           r.hasher64,
				blockLength:        uint(blkSize),
				blockTransformType: r.transformType,
				blockEntropyType:   r.entropyType,
				currentBlockID:     firstID + int32(taskID) + 1,
				processedBlockID:   &r.blockID,
				listeners:          listeners,
				ibs:                r.ibs,
				ctx:                copyCtx,
			}
			tasks[taskID] = task

			grp.Go(func() error {
				return task.decode()
			})
		}

		waitErr := grp.Wait()
		skipped := 0

		for _, task := range tasks {
			res := task.result

			if res.decoded > r.blockSize {
				return decoded, newErr("invalid data", strata.ERR_PROCESS_BLOCK)
			}

			decoded += res.decoded

			if res.skipped {
				skipped++
			}
		}

		if waitErr != nil {
			return decoded, waitErr
		}

		n := 0

		for _, task := range tasks {
			res := task.result
			copy(r.buffers[n].Buf, res.data[0:res.decoded])
			n++

			if len(listeners) > 0 {
				hv, ht := eventHash(r.hasher32, r.hasher64, res.checksum32, res.checksum64)
				evt := strata.NewEvent(strata.EVT_AFTER_TRANSFORM, int(res.blockID),
					int64(res.decoded), hv, ht, res.completionTime)
				notifyListeners(listeners, evt)
			}
		}

		if skipped != nbTasks {
			break
		}
	}

	r.consumed = 0
	return decoded, nil
}

// Pos returns the number of bytes consumed from the stream so far
func (r *Reader) Pos() uint64 {
	return (r.ibs.Read() + 7) >> 3
}

// decode mode + transformed entropy coded data, the mirror of encode.
func (d *decodeTask) decode() (errRes error) {
	data := d.iBuffer.Buf
	buffer := d.oBuffer.Buf
	decoded := 0
	checksum32 := uint32(0)
	checksum64 := uint64(0)
	skipped := false

	defer func() {
		d.result = decodeResult{
			data:           d.iBuffer.Buf,
			decoded:        decoded,
			blockID:        int(d.currentBlockID),
			completionTime: time.Now(),
			checksum32:     checksum32,
			checksum64:     checksum64,
			skipped:        skipped,
		}

		if r := recover(); r != nil {
			errRes = newErr(fmt.Sprint(r), strata.ERR_PROCESS_BLOCK)
		}

		if errRes != nil || (decoded == 0 && !skipped) {
			atomic.StoreInt32(d.processedBlockID, cancelTasksID)
		} else if atomic.LoadInt32(d.processedBlockID) == d.currentBlockID-1 {
			atomic.StoreInt32(d.processedBlockID, d.currentBlockID)
		}
	}()

	for {
		taskID := atomic.LoadInt32(d.processedBlockID)

		if taskID == cancelTasksID {
			return nil
		}

		if taskID == d.currentBlockID-1 {
			break
		}

		runtime.Gosched()
	}

	lr := uint(d.ibs.ReadBits(5)) + 3
	read := d.ibs.ReadBits(lr)

	if read == 0 {
		return nil
	}

	if read > uint64(1)<<34 {
		return formatErr("invalid block size", strata.ERR_BLOCK_SIZE)
	}

	rLen := int((read + 7) >> 3)
	maxL := rLen

	if int(d.blockLength) > rLen {
		maxL = int(d.blockLength)
	}

	if len(data) < maxL {
		extraBuf := make([]byte, maxL-len(data))
		data = append(data, extraBuf...)
		d.iBuffer.Buf = data
	}

	for n := uint(0); read > 0; {
		chkSize := uint(1 << 30)

		if read < 1<<30 {
			chkSize = uint(read)
		}

		d.ibs.ReadArray(data[n:], chkSize)
		n += (chkSize + 7) >> 3
		read -= uint64(chkSize)
	}

	// After completion of the bitstream reading, increment the block id.
	// It unblocks the task processing the next block (if any)
	atomic.StoreInt32(d.processedBlockID, d.currentBlockID)

	if v, hasKey := d.ctx["from"]; hasKey {
		from := v.(int)

		if int(d.currentBlockID) < from {
			skipped = true
			return nil
		}
	}

	if v, hasKey := d.ctx["to"]; hasKey {
		to := v.(int)

		if int(d.currentBlockID) >= to {
			skipped = true
			return nil
		}
	}

	// All the code below is concurrent
	bufStream := internal.NewBufferStream(data[0:rLen])
	ibs, _ := bitio.NewDefaultInputBitStream(bufStream, 16384)

	mode := byte(ibs.ReadBits(8))
	skipFlags := byte(0)

	if mode&copyBlockMask != 0 {
		d.blockTransformType = transform.NONE_TYPE
		d.blockEntropyType = entropy.NONE_TYPE
	} else if mode&transformsMask != 0 {
		skipFlags = byte(ibs.ReadBits(8))
	} else {
		skipFlags = (mode << 4) | 0x0F
	}

	dataSize := 1 + uint((mode>>5)&0x03)
	length := dataSize << 3
	mask := uint64(1<<length) - 1
	preTransformLength := uint(ibs.ReadBits(length) & mask)

	if preTransformLength == 0 {
		return formatErr("invalid block size", strata.ERR_BLOCK_SIZE)
	}

	if preTransformLength > maxBlockSize {
		return formatErr(fmt.Sprintf("invalid compressed block length: %d", preTransformLength), strata.ERR_BLOCK_SIZE)
	}

	if d.hasher32 != nil {
		checksum32 = uint32(ibs.ReadBits(32))
	} else if d.hasher64 != nil {
		checksum64 = ibs.ReadBits(64)
	}

	if len(d.listeners) > 0 {
		hv, ht := eventHash(d.hasher32, d.hasher64, checksum32, checksum64)
		evt := strata.NewEvent(strata.EVT_BEFORE_ENTROPY, int(d.currentBlockID),
			int64(-1), hv, ht, time.Now())
		notifyListeners(d.listeners, evt)
	}

	bufferSize := d.blockLength

	if bufferSize < preTransformLength+extraBufferSize {
		bufferSize = preTransformLength + extraBufferSize
	}

	if len(buffer) < int(bufferSize) {
		extraBuf := make([]byte, int(bufferSize)-len(buffer))
		buffer = append(buffer, extraBuf...)
		d.oBuffer.Buf = buffer
	}

	d.ctx["size"] = preTransformLength

	// Each block is decoded separately: the entropy decoder is rebuilt to
	// reset per-chunk statistics.
	ed, err := entropy.NewEntropyDecoder(ibs, d.ctx, d.blockEntropyType)

	if err != nil {
		return formatErr(err.Error(), strata.ERR_INVALID_CODEC)
	}

	defer ed.Dispose()

	if _, err = ed.Read(buffer[0:preTransformLength]); err != nil {
		return newErr(err.Error(), strata.ERR_PROCESS_BLOCK)
	}

	ibs.Close()

	if len(d.listeners) > 0 {
		hv, ht := eventHash(d.hasher32, d.hasher64, checksum32, checksum64)
		evt := strata.NewEvent(strata.EVT_AFTER_ENTROPY, int(d.currentBlockID),
			int64(ibs.Read())/8, hv, ht, time.Now())
		notifyListeners(d.listeners, evt)
		evt = strata.NewEvent(strata.EVT_BEFORE_TRANSFORM, int(d.currentBlockID),
			int64(preTransformLength), hv, ht, time.Now())
		notifyListeners(d.listeners, evt)
	}

	d.ctx["size"] = preTransformLength
	xform, err := transform.New(&d.ctx, d.blockTransformType)

	if err != nil {
		return formatErr(err.Error(), strata.ERR_INVALID_CODEC)
	}

	xform.SetSkipFlags(skipFlags)
	var oIdx uint

	if _, oIdx, err = xform.Inverse(buffer[0:preTransformLength], data); err != nil {
		return newErr(err.Error(), strata.ERR_PROCESS_BLOCK)
	}

	decoded = int(oIdx)

	if d.hasher32 != nil {
		if got := d.hasher32.Hash(data[0:decoded]); got != checksum32 {
			return formatErr(fmt.Sprintf("corrupted bitstream: expected checksum %x, found %x", checksum32, got), strata.ERR_CRC_CHECK)
		}
	} else if d.hasher64 != nil {
		if got := d.hasher64.Hash(data[0:decoded]); got != checksum64 {
			return formatErr(fmt.Sprintf("corrupted bitstream: expected checksum %x, found %x", checksum64, got), strata.ERR_CRC_CHECK)
		}
	}

	return nil
}
