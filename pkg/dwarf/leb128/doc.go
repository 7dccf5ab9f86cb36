// Package leb128 reads and writes LEB128 (little endian base 128)
// variable length integers, as used by DWARF and by the .eh_frame
// sections that carry call frame information.
//
// Decoding reads one byte at a time from an io.ByteReader and stops
// with an error on truncated or overlong input.
package leb128
