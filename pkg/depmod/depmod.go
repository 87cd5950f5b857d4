// Package depmod reads the binary module index emitted by depmod,
// /lib/modules/$(uname -r)/modules.dep.bin. The index maps module
// names to their on-disk path (and dependency list, which is not
// needed here). The format is a serialized radix tree and has been
// stable since 2009; parsing it directly out of a read-only mapping
// avoids pulling in libkmod for one lookup.
package depmod

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/vietanhduong/kinspect/pkg/binbuf"
	"github.com/vietanhduong/kinspect/pkg/logging"
	"github.com/vietanhduong/kinspect/pkg/logging/logfields"
	"github.com/vietanhduong/kinspect/pkg/proc"
	"golang.org/x/sys/unix"
)

var log = logging.DefaultLogger.WithFields(logrus.Fields{logfields.LogSubsys: "depmod"})

const (
	indexMagic   = 0xb007f457
	indexVersion = 0x00020001

	nodeMask   = 0x0fffffff
	nodeChilds = 0x20000000
	nodeValues = 0x40000000
	nodePrefix = 0x80000000
)

// Index is a read-only mapping of one modules.dep.bin file.
type Index struct {
	data []byte
	path string
}

// Open maps the depmod index for the given kernel release.
func Open(osrelease string) (*Index, error) {
	return OpenFile(proc.HostPath("lib/modules", osrelease, "modules.dep.bin"))
}

// OpenFile maps and validates a depmod index at an explicit path.
func OpenFile(path string) (*Index, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer fd.Close()

	st, err := fd.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	data, err := unix.Mmap(int(fd.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	idx := &Index{data: data, path: path}
	if err = idx.validate(); err != nil {
		idx.Close()
		return nil, err
	}
	log.WithField(logfields.Path, path).Debugf("Mapped depmod index (%d bytes)", len(data))
	return idx, nil
}

func (idx *Index) Close() error {
	if idx == nil || idx.data == nil {
		return nil
	}
	data := idx.data
	idx.data = nil
	return unix.Munmap(data)
}

func (idx *Index) buffer() *binbuf.Buffer {
	// The index is written in network byte order.
	return binbuf.New(idx.data, binary.BigEndian, func(pos int, message string) error {
		return fmt.Errorf("%s: %#x: %s", idx.path, pos, message)
	})
}

func (idx *Index) validate() error {
	b := idx.buffer()
	magic, err := b.U32()
	if err != nil {
		return err
	}
	if magic != indexMagic {
		return b.Errorf("invalid magic 0x%08x", magic)
	}
	version, err := b.U32()
	if err != nil {
		return err
	}
	if version != indexVersion {
		return b.Errorf("unknown version 0x%08x", version)
	}
	return nil
}

// Find looks up the on-disk path of the named module, relative to
// /lib/modules/$(uname -r). found is false when the name is not in
// the index; err reports a malformed index.
func (idx *Index) Find(name string) (path string, found bool, err error) {
	b := idx.buffer()
	if err = b.SetPos(8); err != nil {
		return "", false, err
	}

	var offset uint32
	for {
		if offset, err = b.U32(); err != nil {
			return "", false, err
		}
		if int(offset&nodeMask) > len(idx.data) {
			return "", false, b.Errorf("offset is out of bounds")
		}
		if err = b.SetPos(int(offset & nodeMask)); err != nil {
			return "", false, err
		}

		if offset&nodePrefix != 0 {
			var prefix []byte
			if prefix, err = b.String(); err != nil {
				return "", false, err
			}
			if len(name) < len(prefix) || name[:len(prefix)] != string(prefix) {
				return "", false, nil
			}
			name = name[len(prefix):]
		}

		if offset&nodeChilds != 0 {
			var first, last uint8
			if first, err = b.U8(); err != nil {
				return "", false, err
			}
			if last, err = b.U8(); err != nil {
				return "", false, err
			}
			if name != "" {
				cur := name[0]
				if cur < first || cur > last {
					return "", false, nil
				}
				if err = b.Skip(4 * int(cur-first)); err != nil {
					return "", false, err
				}
				name = name[1:]
				continue
			}
			// The name is fully consumed; skip the child
			// pointers and fall through to the values.
			if err = b.Skip(4 * (int(last) - int(first) + 1)); err != nil {
				return "", false, err
			}
			break
		} else if name != "" {
			return "", false, nil
		} else {
			break
		}
	}
	if offset&nodeValues == 0 {
		return "", false, nil
	}

	count, err := b.U32()
	if err != nil {
		return "", false, err
	}
	if count == 0 {
		// depmod should never emit an empty value list; treat it
		// as absent rather than malformed.
		return "", false, nil
	}

	// Skip over the priority of the first (highest-priority) value.
	if err = b.Skip(4); err != nil {
		return "", false, err
	}
	value := b.Remaining()
	colon := bytes.IndexByte(value, ':')
	if colon < 0 {
		return "", false, b.Errorf("expected string containing ':'")
	}
	return string(value[:colon]), true, nil
}
