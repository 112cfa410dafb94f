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

package internal

import (
	"bytes"
	"errors"
)

// BufferStream a closable read/write stream of bytes backed by a bytes.Buffer
type BufferStream struct {
	buf    *bytes.Buffer
	closed bool
}

// NewBufferStream creates a new instance of BufferStream
func NewBufferStream(args ...[]byte) *BufferStream {
	bs := &BufferStream{}

	if len(args) == 1 {
		bs.buf = bytes.NewBuffer(args[0])
	} else {
		bs.buf = bytes.NewBuffer(make([]byte, 0))
	}

	return bs
}

// Write returns an error if the stream is closed, otherwise writes the given
// data to the internal buffer (growing the buffer as needed).
// Returns the number of bytes written.
func (bs *BufferStream) Write(b []byte) (int, error) {
	if bs.closed == true {
		return 0, errors.New("Stream closed")
	}

	return bs.buf.Write(b)
}

// Read returns an error if the stream is closed, otherwise reads data from
// the internal buffer at the read offset position.
// Returns the number of bytes read or (0, io.EOF) when no more data remains.
func (bs *BufferStream) Read(b []byte) (int, error) {
	if bs.closed == true {
		return 0, errors.New("Stream closed")
	}

	return bs.buf.Read(b)
}

// Close makes the stream unavailable for future reads or writes.
func (bs *BufferStream) Close() error {
	bs.closed = true
	return nil
}

// Len returns the size of the stream
func (bs *BufferStream) Len() int {
	return bs.buf.Len()
}

// Available returns the number of unused bytes in the underlying buffer's
// capacity (bytes.Buffer.Available), or 0 once the stream is closed
func (bs *BufferStream) Available() int {
	if bs.closed == true {
		return 0
	}

	return bs.buf.Available()
}
