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

// DivSufSort wraps the linear-time SA-IS suffix array construction for
// reuse across the BWT and BWTS forward passes. The name is kept for
// historical continuity with the chunked BWT primary index scheme, which
// was designed against a suffix-array-based construction.
type DivSufSort struct {
	alphabet []int
	work     []int
}

// NewDivSufSort creates a new suffix array computer.
func NewDivSufSort() (*DivSufSort, error) {
	return &DivSufSort{}, nil
}

// ComputeSuffixArray computes the suffix array of src and stores the result
// in sa, which must be at least len(src) elements long.
func (d *DivSufSort) ComputeSuffixArray(src []byte, sa []int32) {
	n := len(src)

	if n == 0 {
		return
	}

	if cap(d.alphabet) < n {
		d.alphabet = make([]int, n)
	}

	if cap(d.work) < n {
		d.work = make([]int, n)
	}

	data := d.alphabet[:n]

	for i, b := range src {
		data[i] = int(b)
	}

	work := d.work[:n]
	ComputeSuffixArray(data, work, 0, n, 256, false)

	for i, v := range work {
		sa[i] = int32(v)
	}
}
