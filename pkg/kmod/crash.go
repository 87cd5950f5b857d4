package kmod

import (
	"fmt"

	"github.com/vietanhduong/kinspect/pkg/kcore"
	"github.com/vietanhduong/kinspect/pkg/kelf"
)

// crashIter walks the kernel's circular modules list. Each node is
// the embedded list member of a struct module, recovered via
// container-of.
type crashIter struct {
	prog kcore.Program
	// node points at the list_head of the current element.
	node kcore.Object
	head uint64
	// mod is the current struct module pointer; build-ID and
	// section iteration chase its members.
	mod kcore.Object
	cur Module
}

func newCrashIter(prog kcore.Program) (*crashIter, error) {
	v, err := prog.FindVariable("modules")
	if err != nil {
		return nil, fmt.Errorf("find modules list: %w", err)
	}
	node, err := v.AddressOf()
	if err != nil {
		return nil, err
	}
	head, err := node.ReadUnsigned()
	if err != nil {
		return nil, err
	}
	return &crashIter{prog: prog, node: node, head: head}, nil
}

func (it *crashIter) Next() (*Module, error) {
	node, err := it.node.MemberDereference("next")
	if err != nil {
		return nil, err
	}
	addr, err := node.ReadUnsigned()
	if err != nil {
		return nil, err
	}
	if addr == it.head {
		return nil, ErrStop
	}
	it.node = node

	mod, err := node.ContainerOf("struct module", "list")
	if err != nil {
		return nil, err
	}
	it.mod = mod

	start, size, err := it.coreRange()
	if err != nil {
		return nil, err
	}

	nameObj, err := mod.MemberDereference("name")
	if err != nil {
		return nil, err
	}
	name, err := nameObj.ReadCString()
	if err != nil {
		return nil, err
	}

	it.cur = Module{Name: name, Start: start, End: start + size}
	return &it.cur, nil
}

// coreRange extracts the module's base address and size. Since kernel
// v4.5 they live in the struct module_layout core_layout member;
// before that they are module_core and core_size directly in struct
// module. A lookup failure on core_layout selects the old layout.
func (it *crashIter) coreRange() (start, size uint64, err error) {
	layout, err := it.mod.MemberDereference("core_layout")
	switch {
	case err == nil:
		sizeObj, err := layout.Member("size")
		if err != nil {
			return 0, 0, err
		}
		baseObj, err := layout.Member("base")
		if err != nil {
			return 0, 0, err
		}
		if start, err = baseObj.ReadUnsigned(); err != nil {
			return 0, 0, err
		}
		if size, err = sizeObj.ReadUnsigned(); err != nil {
			return 0, 0, err
		}
		return start, size, nil
	case kcore.IsLookup(err):
		sizeObj, err := it.mod.MemberDereference("core_size")
		if err != nil {
			return 0, 0, err
		}
		baseObj, err := it.mod.MemberDereference("module_core")
		if err != nil {
			return 0, 0, err
		}
		if start, err = baseObj.ReadUnsigned(); err != nil {
			return 0, 0, err
		}
		if size, err = sizeObj.ReadUnsigned(); err != nil {
			return 0, 0, err
		}
		return start, size, nil
	default:
		return 0, 0, err
	}
}

// GNUBuildID walks mod->notes_attrs: an attribute count and an array
// of binary attributes whose private/size pair locates each note
// buffer in kernel memory.
func (it *crashIter) GNUBuildID() ([]byte, error) {
	attrs, err := it.mod.MemberDereference("notes_attrs")
	if err != nil {
		return nil, err
	}
	nObj, err := attrs.MemberDereference("notes")
	if err != nil {
		return nil, err
	}
	n, err := nObj.ReadUnsigned()
	if err != nil {
		return nil, err
	}
	arr, err := attrs.MemberDereference("attrs")
	if err != nil {
		return nil, err
	}

	for i := uint64(0); i < n; i++ {
		attr, err := arr.Subscript(i)
		if err != nil {
			return nil, err
		}
		addrObj, err := attr.Member("private")
		if err != nil {
			return nil, err
		}
		address, err := addrObj.ReadUnsigned()
		if err != nil {
			return nil, err
		}
		sizeObj, err := attr.Member("size")
		if err != nil {
			return nil, err
		}
		size, err := sizeObj.ReadUnsigned()
		if err != nil {
			return nil, err
		}

		buf := make([]byte, size)
		if err = it.prog.ReadMemory(buf, address, false); err != nil {
			return nil, fmt.Errorf("read notes of %s: %w", it.cur.Name, err)
		}
		if id := kelf.ParseGNUBuildID(buf, it.prog.ByteOrder()); id != nil {
			return id, nil
		}
	}
	return nil, nil
}

func (it *crashIter) Sections() (SectionIter, error) {
	sa, err := it.mod.MemberDereference("sect_attrs")
	if err != nil {
		return nil, err
	}
	nObj, err := sa.MemberDereference("nsections")
	if err != nil {
		return nil, err
	}
	n, err := nObj.ReadUnsigned()
	if err != nil {
		return nil, err
	}
	arr, err := sa.MemberDereference("attrs")
	if err != nil {
		return nil, err
	}
	return &crashSectionIter{arr: arr, nsections: n}, nil
}

func (it *crashIter) Close() error { return nil }

type crashSectionIter struct {
	arr       kcore.Object
	i         uint64
	nsections uint64
	cur       kelf.SectionAddr
}

func (it *crashSectionIter) Next() (*kelf.SectionAddr, error) {
	if it.i >= it.nsections {
		return nil, ErrStop
	}
	attr, err := it.arr.Subscript(it.i)
	if err != nil {
		return nil, err
	}
	it.i++

	addrObj, err := attr.Member("address")
	if err != nil {
		return nil, err
	}
	address, err := addrObj.ReadUnsigned()
	if err != nil {
		return nil, err
	}

	// Since kernel v5.8 the section name is battr.attr.name; before
	// that it is the attribute's own name member.
	nameHolder := attr
	battr, err := attr.Member("battr")
	switch {
	case err == nil:
		if nameHolder, err = battr.Member("attr"); err != nil {
			return nil, err
		}
	case kcore.IsLookup(err):
	default:
		return nil, err
	}
	nameObj, err := nameHolder.Member("name")
	if err != nil {
		return nil, err
	}
	name, err := nameObj.ReadCString()
	if err != nil {
		return nil, err
	}

	it.cur = kelf.SectionAddr{Name: name, Addr: address}
	return &it.cur, nil
}

func (it *crashSectionIter) Close() error { return nil }
