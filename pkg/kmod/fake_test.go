package kmod

import (
	"encoding/binary"
	"fmt"

	"github.com/vietanhduong/kinspect/pkg/kcore"
)

// fakeObj is an in-memory stand-in for the debugger's typed-object
// access. Missing members fail with LookupError, as the real
// implementation does for kernels that lack a field.
type fakeObj struct {
	addr      uint64
	val       uint64
	str       string
	members   map[string]*fakeObj
	derefs    map[string]*fakeObj
	elems     []*fakeObj
	container *fakeObj
	addressOf *fakeObj
}

var _ kcore.Object = (*fakeObj)(nil)

func (o *fakeObj) Address() (uint64, error) { return o.addr, nil }

func (o *fakeObj) AddressOf() (kcore.Object, error) {
	if o.addressOf == nil {
		return nil, fmt.Errorf("not addressable")
	}
	return o.addressOf, nil
}
func (o *fakeObj) ReadUnsigned() (uint64, error) { return o.val, nil }
func (o *fakeObj) ReadCString() (string, error)  { return o.str, nil }

func (o *fakeObj) Member(name string) (kcore.Object, error) {
	if m, ok := o.members[name]; ok {
		return m, nil
	}
	return nil, &kcore.LookupError{Name: name}
}

func (o *fakeObj) MemberDereference(name string) (kcore.Object, error) {
	if m, ok := o.derefs[name]; ok {
		return m, nil
	}
	return nil, &kcore.LookupError{Name: name}
}

func (o *fakeObj) Subscript(i uint64) (kcore.Object, error) {
	if i >= uint64(len(o.elems)) {
		return nil, fmt.Errorf("index %d out of bounds", i)
	}
	return o.elems[i], nil
}

func (o *fakeObj) ContainerOf(typeName, memberName string) (kcore.Object, error) {
	if o.container == nil {
		return nil, &kcore.LookupError{Name: typeName + "." + memberName}
	}
	return o.container, nil
}

type fakeProgram struct {
	vars map[string]*fakeObj
	mem  map[uint64][]byte
}

var _ kcore.Program = (*fakeProgram)(nil)

func (p *fakeProgram) ReadMemory(buf []byte, address uint64, physical bool) error {
	b, ok := p.mem[address]
	if !ok || len(b) < len(buf) {
		return fmt.Errorf("bad read at %#x", address)
	}
	copy(buf, b)
	return nil
}

func (p *fakeProgram) FindVariable(name string) (kcore.Object, error) {
	if v, ok := p.vars[name]; ok {
		return v, nil
	}
	return nil, &kcore.LookupError{Name: name}
}

func (p *fakeProgram) ByteOrder() binary.ByteOrder { return binary.NativeEndian }

// fakeModule describes one list element for buildCrashProgram.
type fakeModule struct {
	name       string
	start, end uint64
	// oldLayout drops core_layout in favour of module_core and
	// core_size, emulating kernels before v4.5.
	oldLayout bool
	// noteBufs are raw note buffers exposed through notes_attrs.
	noteBufs [][]byte
	// sections become sect_attrs entries. oldSectName switches the
	// per-section name member from battr.attr.name to name,
	// emulating kernels before v5.8.
	sections    []fakeSection
	oldSectName bool
}

type fakeSection struct {
	name string
	addr uint64
}

const fakeListHead = 0xffffffff82a4c8d0

// buildCrashProgram wires fake modules into the object graph the
// crash iterator expects: a circular list headed by the global
// "modules" variable.
func buildCrashProgram(mods []fakeModule) *fakeProgram {
	prog := &fakeProgram{mem: map[uint64][]byte{}}

	head := &fakeObj{val: fakeListHead, derefs: map[string]*fakeObj{}}
	prev := head
	noteAddr := uint64(0xffffffffc0000000)
	for i, m := range mods {
		modObj := &fakeObj{
			derefs: map[string]*fakeObj{
				"name": {str: m.name},
			},
		}
		size := m.end - m.start
		if m.oldLayout {
			modObj.derefs["module_core"] = &fakeObj{val: m.start}
			modObj.derefs["core_size"] = &fakeObj{val: size}
		} else {
			modObj.derefs["core_layout"] = &fakeObj{members: map[string]*fakeObj{
				"base": {val: m.start},
				"size": {val: size},
			}}
		}

		notes := &fakeObj{derefs: map[string]*fakeObj{
			"notes": {val: uint64(len(m.noteBufs))},
		}}
		var noteAttrs []*fakeObj
		for _, buf := range m.noteBufs {
			prog.mem[noteAddr] = buf
			noteAttrs = append(noteAttrs, &fakeObj{members: map[string]*fakeObj{
				"private": {val: noteAddr},
				"size":    {val: uint64(len(buf))},
			}})
			noteAddr += 0x1000
		}
		notes.derefs["attrs"] = &fakeObj{elems: noteAttrs}
		modObj.derefs["notes_attrs"] = notes

		var sectAttrs []*fakeObj
		for _, s := range m.sections {
			attr := &fakeObj{members: map[string]*fakeObj{
				"address": {val: s.addr},
			}}
			if m.oldSectName {
				attr.members["name"] = &fakeObj{str: s.name}
			} else {
				attr.members["battr"] = &fakeObj{members: map[string]*fakeObj{
					"attr": {members: map[string]*fakeObj{
						"name": {str: s.name},
					}},
				}}
			}
			sectAttrs = append(sectAttrs, attr)
		}
		modObj.derefs["sect_attrs"] = &fakeObj{derefs: map[string]*fakeObj{
			"nsections": {val: uint64(len(m.sections))},
			"attrs":     {elems: sectAttrs},
		}}

		node := &fakeObj{
			val:       fakeListHead + uint64(i+1)*0x100,
			container: modObj,
			derefs:    map[string]*fakeObj{},
		}
		prev.derefs["next"] = node
		prev = node
	}
	prev.derefs["next"] = &fakeObj{val: fakeListHead}

	modulesVar := &fakeObj{derefs: map[string]*fakeObj{}}
	prog.vars = map[string]*fakeObj{"modules": modulesVar}
	// AddressOf on the variable yields the head node.
	modulesVar.addressOf = head
	return prog
}
