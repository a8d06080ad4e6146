// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package mpt

// Nibble is a 4-bit integer in the range 0-F. It is a single letter used to
// navigate in the MPT structure.
type Nibble byte

// Rune converts a Nibble into a hexa-decimal rune (0-9a-f).
func (n Nibble) Rune() rune {
	if n < 10 {
		return rune('0' + n)
	} else if n < 16 {
		return rune('a' + n - 10)
	} else {
		return '?'
	}
}

// String converts a Nibble into a hexa-decimal string (0-9a-f).
func (n Nibble) String() string {
	return string(n.Rune())
}

// ToNibblePath converts a sequence of key bytes into the sequence of Nibbles
// used to navigate from the root of a trie to the value associated with the
// key. Each byte contributes its high nibble followed by its low nibble.
func ToNibblePath(key []byte) []Nibble {
	res := make([]Nibble, len(key)*2)
	for i := 0; i < len(key); i++ {
		res[2*i] = Nibble(key[i] >> 4)
		res[2*i+1] = Nibble(key[i] & 0xF)
	}
	return res
}

// GetCommonPrefixLength computes the length of the common prefix of the
// given Nibble-slices.
func GetCommonPrefixLength(a, b []Nibble) int {
	lengthA := len(a)
	if lengthA > len(b) {
		return GetCommonPrefixLength(b, a)
	}
	for i := 0; i < lengthA; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return lengthA
}

// IsPrefixOf tests whether one Nibble slice is the prefix of another.
func IsPrefixOf(a, b []Nibble) bool {
	return len(a) <= len(b) && GetCommonPrefixLength(a, b) == len(a)
}

// nibblesEqual tests two nibble paths for equality.
func nibblesEqual(a, b []Nibble) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// concatNibbles joins nibble paths into a newly allocated path.
func concatNibbles(paths ...[]Nibble) []Nibble {
	length := 0
	for _, path := range paths {
		length += len(path)
	}
	res := make([]Nibble, 0, length)
	for _, path := range paths {
		res = append(res, path...)
	}
	return res
}
