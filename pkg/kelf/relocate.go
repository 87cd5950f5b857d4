package kelf

import (
	"debug/elf"
)

// SectionAddr is one section load address reported by the kernel.
type SectionAddr struct {
	Name string
	Addr uint64
}

// ApplySectionAddrs rewrites the in-memory section header addresses to
// the kernel-reported values, matching by name. Only allocated
// sections participate; when the ELF carries duplicate section names
// the first one wins. Reported sections absent from the file are
// skipped.
func (f *File) ApplySectionAddrs(addrs []SectionAddr) {
	index := make(map[string]*elf.Section, len(f.Sections))
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		if _, ok := index[s.Name]; !ok {
			index[s.Name] = s
		}
	}
	for _, a := range addrs {
		if s, ok := index[a.Name]; ok {
			s.Addr = a.Addr
		}
	}
}
