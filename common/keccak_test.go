// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestKeccak256_KnownHashes(t *testing.T) {
	tests := []struct {
		input string
		hash  string
	}{
		{"", "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a456"},
		{"abc", "4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45"},
	}
	for _, test := range tests {
		want, err := hex.DecodeString(test.hash)
		if err != nil {
			t.Fatalf("invalid test case hash: %v", err)
		}
		if got := Keccak256([]byte(test.input)); !bytes.Equal(got[:], want) {
			t.Errorf("invalid hash of %q: got %x, wanted %x", test.input, got, want)
		}
	}
}

func TestKeccak256_SpecializedHashersAgreeWithGenericHasher(t *testing.T) {
	addr := Address{1, 2, 3, 4, 5}
	if got, want := Keccak256ForAddress(addr), Keccak256(addr[:]); got != want {
		t.Errorf("address hash mismatch: got %x, wanted %x", got, want)
	}
	key := Key{0xfa, 0xce}
	if got, want := Keccak256ForKey(key), Keccak256(key[:]); got != want {
		t.Errorf("key hash mismatch: got %x, wanted %x", got, want)
	}
}

func TestValue_Uint256RoundTrip(t *testing.T) {
	value := Value{}
	value[31] = 7
	value[30] = 1
	if got := ValueFromUint256(value.ToUint256()); got != value {
		t.Errorf("round trip failed: got %x, wanted %x", got, value)
	}
	if !(Value{}).IsZero() {
		t.Errorf("zero value not detected as zero")
	}
	if (Value{31: 1}).IsZero() {
		t.Errorf("non-zero value detected as zero")
	}
}
