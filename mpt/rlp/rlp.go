// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package rlp

import (
	"encoding/binary"
	"fmt"

	"github.com/Fantom-foundation/Replay/common"
	"github.com/holiman/uint256"
)

// The definition of the RLP encoding can be found here:
// https://ethereum.org/en/developers/docs/data-structures-and-encoding/rlp
//
// Based on Appendix B of https://ethereum.github.io/yellowpaper/paper.pdf
//
// Recursive-Length Prefix (RLP) serialization is based on a recursive
// structure definition of an `item`. An item is defined as
//   - a string of bytes
//   - a list of items
// Note the recursive definition in the second line. This recursive step
// allows arbitrarily nested structures to be encoded. This package provides
// RLP encoding and decoding support for items and a few convenience
// utilities for frequently used types.

// Item is an interface for everything that can be RLP encoded by this package.
type Item interface {
	// write writes the RLP encoding of this item to the given writer.
	write(writer) writer

	// getEncodedLength computes the encoded length of this item in bytes.
	getEncodedLength() int
}

// Encode is a convenience function for serializing an item structure.
func Encode(item Item) []byte {
	return EncodeInto(make([]byte, 0, 1024), item)
}

// EncodeInto serializes an item structure into the given buffer, which is
// grown as needed and returned.
func EncodeInto(dst []byte, item Item) []byte {
	writer := writer(dst)
	return item.write(writer)
}

// Decode parses a single RLP encoded item from the given data. The full
// input must be consumed by the item, trailing bytes are rejected.
func Decode(data []byte) (Item, error) {
	item, consumed, err := decode(data)
	if err != nil {
		return nil, err
	}
	if consumed != uint64(len(data)) {
		return nil, fmt.Errorf("trailing bytes after RLP item: %d", uint64(len(data))-consumed)
	}
	return item, nil
}

// decode decodes the first item of an RLP stream. It checks the first byte
// of the stream to determine the type of the item and decodes it
// accordingly, recursing for nested items. It returns the item and the
// number of consumed bytes.
func decode(data []byte) (Item, uint64, error) {
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("input RLP is empty")
	}

	prefix := data[0]
	if prefix < 0x80 { // single byte string
		return String{Str: data[0:1]}, 1, nil
	}

	if prefix < 0xb8 { // short string
		length := uint64(prefix - 0x80)
		if uint64(len(data)) < length+1 {
			return nil, 0, fmt.Errorf("expected %d bytes, got: %d", length+1, len(data))
		}
		if length == 1 && data[1] < 0x80 {
			return nil, 0, fmt.Errorf("non-canonical single byte string: %x", data[1])
		}
		return String{Str: data[1 : length+1]}, length + 1, nil
	}

	if prefix < 0xc0 { // long string
		numLengthBytes := uint64(prefix - 0xb7)
		length, err := readSize(data[1:], byte(numLengthBytes))
		if err != nil {
			return nil, 0, err
		}
		offset := numLengthBytes + 1
		// The comparison must not add to the declared length, which may be
		// close to the uint64 range on crafted input.
		if remaining := uint64(len(data)) - offset; length > remaining {
			return nil, 0, fmt.Errorf("declared length %d exceeds %d remaining bytes", length, remaining)
		}
		return String{Str: data[offset : offset+length]}, offset + length, nil
	}

	if prefix < 0xf8 { // short list
		length := uint64(prefix - 0xc0)
		if uint64(len(data)) < length+1 {
			return nil, 0, fmt.Errorf("expected %d bytes, got: %d", length+1, len(data))
		}
		items, err := decodeList(data[1 : length+1])
		return List{Items: items}, length + 1, err
	}

	// long list
	numLengthBytes := uint64(prefix - 0xf7)
	length, err := readSize(data[1:], byte(numLengthBytes))
	if err != nil {
		return nil, 0, err
	}
	offset := numLengthBytes + 1
	if remaining := uint64(len(data)) - offset; length > remaining {
		return nil, 0, fmt.Errorf("declared length %d exceeds %d remaining bytes", length, remaining)
	}
	items, err := decodeList(data[offset : offset+length])
	return List{Items: items}, offset + length, err
}

// decodeList decodes a sequence of items from the given RLP stream. The
// function expects an RLP stream with the list prefix already cut out. It
// consumes chunks of the input by passing it to the decoder until the input
// is empty.
func decodeList(data []byte) ([]Item, error) {
	items := make([]Item, 0, 17)
	buf := data
	for len(buf) > 0 {
		item, consumed, err := decode(buf)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		buf = buf[consumed:]
	}
	return items, nil
}

// writer is a specialized writer for this package writing encoded RLP
// content in a pre-allocated buffer.
type writer []byte

func (w writer) Write(data []byte) writer {
	return append(w, data...)
}

func (w writer) Put(c byte) writer {
	return append(w, c)
}

// ----------------------------------------------------------------------------
//                           Core Item Types
// ----------------------------------------------------------------------------

// String is the atomic ground type of an RLP input structure representing a
// (potentially empty) string of bytes.
type String struct {
	Str []byte
}

func (s String) write(writer writer) writer {
	l := len(s.Str)
	// Single-element strings are encoded as a single byte if the
	// value is small enough.
	if l == 1 && s.Str[0] < 0x80 {
		return writer.Write(s.Str)
	}
	// For the rest, the length is encoded, followed by the string itself.
	writer = encodeLength(l, 0x80, writer)
	return writer.Write(s.Str)
}

func (s String) getEncodedLength() int {
	l := len(s.Str)
	if l == 1 && s.Str[0] < 0x80 {
		return 1
	}
	return l + getEncodedLengthLength(l)
}

// Uint64 interprets the string as a big-endian encoded unsigned integer.
func (s String) Uint64() (uint64, error) {
	if len(s.Str) > 8 {
		return 0, fmt.Errorf("invalid uint64 length: %d", len(s.Str))
	}
	if len(s.Str) > 0 && s.Str[0] == 0 {
		return 0, fmt.Errorf("non-canonical integer with leading zero bytes")
	}
	var res uint64
	for _, b := range s.Str {
		res = res<<8 | uint64(b)
	}
	return res, nil
}

// Uint256 interprets the string as a big-endian encoded unsigned integer.
func (s String) Uint256() (*uint256.Int, error) {
	if len(s.Str) > 32 {
		return nil, fmt.Errorf("invalid uint256 length: %d", len(s.Str))
	}
	if len(s.Str) > 0 && s.Str[0] == 0 {
		return nil, fmt.Errorf("non-canonical integer with leading zero bytes")
	}
	return new(uint256.Int).SetBytes(s.Str), nil
}

// Hash interprets the string as a 32-byte hash.
func (s String) Hash() (common.Hash, error) {
	if len(s.Str) != common.HashSize {
		return common.Hash{}, fmt.Errorf("invalid hash length: %d", len(s.Str))
	}
	return common.Hash(s.Str), nil
}

// Hash is used specifically to hold a pointer to a hash. Its usage is
// similar to rlp.String, but this type should be used for performance
// reasons. In particular, conversion of common.Hash to rlp.String requires
// conversion of an array to a slice, which executes runtime.convTSlice()
// many times.
type Hash struct {
	Hash *common.Hash
}

func (s Hash) write(writer writer) writer {
	writer = encodeLength(32, 0x80, writer)
	return writer.Write(s.Hash[:])
}

func (s Hash) getEncodedLength() int {
	// 32 bytes of hash + one byte to store the length
	return 32 + 1
}

// List composes a list of items into a new item to be serialized.
type List struct {
	Items []Item
}

func (l List) write(writer writer) writer {
	length := 0
	for i := 0; i < len(l.Items); i++ {
		length += l.Items[i].getEncodedLength()
	}
	writer = encodeLength(length, 0xc0, writer)
	for i := 0; i < len(l.Items); i++ {
		writer = l.Items[i].write(writer)
	}
	return writer
}

func (l List) getEncodedLength() int {
	sum := 0
	for _, item := range l.Items {
		sum += item.getEncodedLength()
	}
	return sum + getEncodedLengthLength(sum)
}

// Encoded allows for embedding an already RLP encoded data fragment in a new
// RLP encoding.
type Encoded struct {
	Data []byte
}

func (e Encoded) write(writer writer) writer {
	return writer.Write(e.Data)
}

func (e Encoded) getEncodedLength() int {
	return len(e.Data)
}

// ----------------------------------------------------------------------------
//                           Utility Item Types
// ----------------------------------------------------------------------------

// Uint64 is an Item encoding unsigned integers into RLP by interpreting them
// as a string of bytes. The bytes are derived from the integer value by
// encoding it in big-endian byte order and removing leading zero-bytes.
type Uint64 struct {
	Value uint64
}

func (u Uint64) write(writer writer) writer {
	if u.Value == 0 {
		return writer.Put(0x80)
	}
	var buffer [8]byte
	binary.BigEndian.PutUint64(buffer[:], u.Value)
	encoded := buffer[:]
	for encoded[0] == 0 {
		encoded = encoded[1:]
	}
	return String{Str: encoded}.write(writer)
}

func (u Uint64) getEncodedLength() int {
	if u.Value < 0x80 {
		return 1
	}
	return 1 + int(getNumBytes(u.Value))
}

// Uint256 is an Item encoding 256-bit unsigned integers into RLP following
// the same schema as the Uint64 encoder above.
type Uint256 struct {
	Value *uint256.Int
}

func (u Uint256) write(writer writer) writer {
	if u.Value == nil || u.Value.IsZero() {
		return writer.Put(0x80)
	}
	return String{Str: u.Value.Bytes()}.write(writer)
}

func (u Uint256) getEncodedLength() int {
	if u.Value == nil || u.Value.IsZero() {
		return 1
	}
	length := (u.Value.BitLen() + 7) / 8
	if length == 1 && u.Value.Uint64() < 0x80 {
		return 1
	}
	return length + 1
}

// ----------------------------------------------------------------------------
//                                Internals
// ----------------------------------------------------------------------------

// encodeLength is a utility function used by String and List items to encode
// the length of the string or list in the output stream.
func encodeLength(length int, offset byte, writer writer) writer {
	if length < 56 {
		return writer.Put(offset + byte(length))
	}
	numBytesForLength := getNumBytes(uint64(length))
	writer = writer.Put(offset + 55 + numBytesForLength)
	for i := byte(0); i < numBytesForLength; i++ {
		writer = writer.Put(byte(length >> (8 * (numBytesForLength - i - 1))))
	}
	return writer
}

// getNumBytes computes the minimum number of bytes required to represent
// the given value in big-endian encoding.
func getNumBytes(value uint64) byte {
	if value == 0 {
		return 0
	}
	for res := byte(1); ; res++ {
		if value >>= 8; value == 0 {
			return res
		}
	}
}

func getEncodedLengthLength(length int) int {
	if length < 56 {
		return 1
	}
	return int(getNumBytes(uint64(length))) + 1
}

// readSize decodes a big-endian encoded length of the given width in bytes.
func readSize(b []byte, slen byte) (uint64, error) {
	if int(slen) > len(b) {
		return 0, fmt.Errorf("expected %d bytes, got: %d", slen, len(b))
	}
	if b[0] == 0 {
		return 0, fmt.Errorf("non-canonical size with leading zero bytes")
	}
	var s uint64
	for i := byte(0); i < slen; i++ {
		s = s<<8 | uint64(b[i])
	}
	if s < 56 {
		return 0, fmt.Errorf("non-canonical size below 56: %d", s)
	}
	return s, nil
}
