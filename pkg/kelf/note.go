package kelf

import (
	"bytes"
	"encoding/binary"
)

// NT_GNU_BUILD_ID
const ntGNUBuildID = 3

var noteNameGNU = []byte("GNU\x00")

// ParseGNUBuildID scans a concatenation of ELF notes and returns the
// descriptor of the first NT_GNU_BUILD_ID note with owner "GNU", or
// nil. The returned slice aliases data. Note headers are decoded with
// the given byte order; Elf64_Nhdr and Elf32_Nhdr are identical.
func ParseGNUBuildID(data []byte, order binary.ByteOrder) []byte {
	p := 0
	align := func() bool {
		pad := (4 - p%4) % 4
		if pad > len(data)-p {
			return false
		}
		p += pad
		return true
	}
	for len(data)-p >= 12 {
		namesz := order.Uint32(data[p:])
		descsz := order.Uint32(data[p+4:])
		typ := order.Uint32(data[p+8:])
		p += 12

		if uint64(namesz) > uint64(len(data)-p) {
			break
		}
		name := data[p : p+int(namesz)]
		p += int(namesz)
		if !align() {
			break
		}

		if namesz == 4 && bytes.Equal(name, noteNameGNU) &&
			typ == ntGNUBuildID && descsz > 0 {
			if uint64(descsz) > uint64(len(data)-p) {
				break
			}
			return data[p : p+int(descsz)]
		}

		if uint64(descsz) > uint64(len(data)-p) {
			break
		}
		p += int(descsz)
		if !align() {
			break
		}
	}
	return nil
}
