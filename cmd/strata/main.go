/*
Copyright 2011-2026 Frederic Langlet
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

// Command strata is a minimal demonstration of the pipeline package's
// public API. It is not the file-walking, multi-path CLI the core
// pipeline leaves to its callers (see spec.md's out-of-scope list) —
// just enough flag parsing to drive one Writer or Reader over one
// input/output pair end to end.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/strata-zip/strata/pipeline"
)

func main() {
	compress := flag.Bool("c", false, "compress the input")
	decompress := flag.Bool("d", false, "decompress the input")
	inPath := flag.String("in", "", "input file path (default: stdin)")
	outPath := flag.String("out", "", "output file path (default: stdout)")
	entropyCodec := flag.String("entropy", "ANS0", "entropy codec: NONE|HUFFMAN|ANS0|ANS1|RANGE|FPAQ|TPAQ|CM")
	transformChain := flag.String("transform", "BWT+RANK+ZRLT", "ordered transform chain, '+'-separated")
	blockSize := flag.Uint("block", 4*1024*1024, "block size in bytes, [1024, 1<<30], multiple of 16")
	jobs := flag.Uint("jobs", 1, "number of concurrent block workers, [1, 64]")
	checksum := flag.Uint("checksum", 0, "per-block checksum width in bits: 0, 32 or 64")
	flag.Parse()

	if *compress == *decompress {
		fmt.Fprintln(os.Stderr, "strata: exactly one of -c or -d is required")
		os.Exit(1)
	}

	in, out, err := openStreams(*inPath, *outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "strata: %v\n", err)
		os.Exit(1)
	}
	defer in.Close()
	defer out.Close()

	if *compress {
		err = runCompress(in, out, *entropyCodec, *transformChain, *blockSize, *jobs, *checksum)
	} else {
		err = runDecompress(in, out, *jobs)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "strata: %v\n", err)
		os.Exit(1)
	}
}

func openStreams(inPath, outPath string) (io.ReadCloser, io.WriteCloser, error) {
	in := io.ReadCloser(os.Stdin)
	out := io.WriteCloser(os.Stdout)
	var err error

	if inPath != "" {
		if in, err = os.Open(inPath); err != nil {
			return nil, nil, fmt.Errorf("cannot open input %q: %w", inPath, err)
		}
	}

	if outPath != "" {
		if out, err = os.Create(outPath); err != nil {
			in.Close()
			return nil, nil, fmt.Errorf("cannot create output %q: %w", outPath, err)
		}
	}

	return in, out, nil
}

func runCompress(in io.Reader, out io.WriteCloser, entropyCodec, transformChain string, blockSize, jobs, checksumBits uint) error {
	w, err := pipeline.NewWriter(out, entropyCodec, transformChain, blockSize, jobs, checksumBits)
	if err != nil {
		return fmt.Errorf("cannot create writer: %w", err)
	}

	buf := make([]byte, blockSize)

	for {
		n, rerr := in.Read(buf)

		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				w.Close()
				return fmt.Errorf("compress: %w", werr)
			}
		}

		if rerr == io.EOF {
			break
		}

		if rerr != nil {
			w.Close()
			return fmt.Errorf("read input: %w", rerr)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}

	return nil
}

func runDecompress(in io.ReadCloser, out io.Writer, jobs uint) error {
	r, err := pipeline.NewReader(in, jobs)
	if err != nil {
		return fmt.Errorf("cannot create reader: %w", err)
	}

	buf := make([]byte, 1024*1024)

	for {
		n, rerr := r.Read(buf)

		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				r.Close()
				return fmt.Errorf("decompress: %w", werr)
			}
		}

		if rerr == io.EOF {
			break
		}

		if rerr != nil {
			r.Close()
			return fmt.Errorf("read stream: %w", rerr)
		}
	}

	if err := r.Close(); err != nil {
		return fmt.Errorf("close reader: %w", err)
	}

	return nil
}
