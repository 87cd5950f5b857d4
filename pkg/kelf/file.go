// Package kelf opens vmlinux and kernel module ELF files, tells the
// two apart, and patches section load addresses reported by the
// kernel so DWARF consumers resolve symbols at their runtime
// locations. Nothing here writes back to disk; relocation only
// touches the in-memory section headers handed to the indexer.
package kelf

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"

	bufra "github.com/avvmoto/buf-readerat"
)

var ErrNoBuildID = errors.New("GNU build ID not found")

// sectionReadBufSize is the cache in front of raw section reads;
// vmlinux images run to hundreds of megabytes.
const sectionReadBufSize = 1 << 20

// Kind classifies an ELF file by the kernel-specific sections it
// carries.
type Kind int

const (
	// KindOther is an ELF that is neither vmlinux nor a module.
	KindOther Kind = iota
	KindVmlinux
	KindModule
)

func (k Kind) String() string {
	switch k {
	case KindVmlinux:
		return "vmlinux"
	case KindModule:
		return "module"
	}
	return "other"
}

// File is an open ELF whose section addresses may be rewritten in
// memory before it is handed to a DWARF indexer.
type File struct {
	*elf.File
	path string
	osf  *os.File
}

func Open(path string) (*File, error) {
	osf, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	ef, err := elf.NewFile(bufra.NewBufReaderAt(osf, sectionReadBufSize))
	if err != nil {
		osf.Close()
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &File{File: ef, path: path, osf: osf}, nil
}

func (f *File) Path() string { return f.path }

func (f *File) Close() error {
	if f == nil {
		return nil
	}
	f.File.Close()
	if f.osf != nil {
		return f.osf.Close()
	}
	return nil
}

// Classify identifies the file as a kernel module, vmlinux, or
// neither. A module carries .gnu.linkonce.this_module; vmlinux is
// recognized by .init.text without it.
func (f *File) Classify() Kind {
	haveInitText := false
	for _, s := range f.Sections {
		switch s.Name {
		case ".gnu.linkonce.this_module":
			return KindModule
		case ".init.text":
			haveInitText = true
		}
	}
	if haveInitText {
		return KindVmlinux
	}
	return KindOther
}

// AddressRange computes the [start, end) range the file occupies when
// loaded with the given bias (the KASLR offset for vmlinux). PT_LOAD
// segments are preferred; files without program headers fall back to
// allocated sections.
func (f *File) AddressRange(bias uint64) (start, end uint64, err error) {
	first := true
	add := func(vaddr, size uint64) {
		if first || vaddr < start {
			start = vaddr
		}
		if first || vaddr+size > end {
			end = vaddr + size
		}
		first = false
	}
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			add(p.Vaddr, p.Memsz)
		}
	}
	if first {
		for _, s := range f.Sections {
			if s.Flags&elf.SHF_ALLOC != 0 {
				add(s.Addr, s.Size)
			}
		}
	}
	if first {
		return 0, 0, fmt.Errorf("%s: no loadable segments or sections", f.path)
	}
	return start + bias, end + bias, nil
}

// GNUBuildID returns the raw GNU build ID from the file's note
// sections, or ErrNoBuildID.
func (f *File) GNUBuildID() ([]byte, error) {
	for _, s := range f.Sections {
		if s.Type != elf.SHT_NOTE {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("read %s of %s: %w", s.Name, f.path, err)
		}
		if id := ParseGNUBuildID(data, f.ByteOrder); id != nil {
			return id, nil
		}
	}
	return nil, ErrNoBuildID
}
