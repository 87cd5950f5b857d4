// Package kcore defines the contracts this library consumes to reach
// into a kernel, live or dumped. Implementations are supplied by the
// embedding debugger: a page-table-aware memory reader and a typed
// view over kernel data structures backed by vmlinux debug info.
package kcore

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MemoryReader reads kernel memory. address is a kernel virtual
// address, or a physical address when physical is set.
type MemoryReader interface {
	ReadMemory(buf []byte, address uint64, physical bool) error
}

// Program combines memory access with symbol and type lookup for one
// kernel.
type Program interface {
	MemoryReader

	// FindVariable locates a named kernel global. A missing name
	// fails with a LookupError.
	FindVariable(name string) (Object, error)

	ByteOrder() binary.ByteOrder
}

// Object is a typed value or reference in kernel memory. Member and
// lookup failures are LookupErrors; read failures are wrapped I/O
// errors.
type Object interface {
	// Address returns the object's own location in kernel memory.
	Address() (uint64, error)

	// AddressOf returns a pointer object referring to this object.
	AddressOf() (Object, error)

	// ReadUnsigned reads the object as an unsigned integer or
	// pointer value.
	ReadUnsigned() (uint64, error)

	// ReadCString reads the object as a NUL-terminated string.
	ReadCString() (string, error)

	// Member accesses a struct member of a value object.
	Member(name string) (Object, error)

	// MemberDereference accesses a struct member through a pointer
	// object, i.e. ptr->name.
	MemberDereference(name string) (Object, error)

	// Subscript indexes an array or pointer object.
	Subscript(i uint64) (Object, error)

	// ContainerOf recovers a pointer to the structure of the given
	// type containing this object as the named member.
	ContainerOf(typeName, memberName string) (Object, error)
}

// LookupError reports a name that is absent from the kernel's debug
// info. Callers probing layouts that changed between kernel versions
// treat it as the signal to try the older layout.
type LookupError struct {
	Name string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("could not find %q", e.Name)
}

// IsLookup reports whether err is (or wraps) a LookupError.
func IsLookup(err error) bool {
	var le *LookupError
	return errors.As(err, &le)
}
