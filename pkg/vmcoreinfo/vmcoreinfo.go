package vmcoreinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tklauser/go-sysconf"
	"github.com/vietanhduong/kinspect/pkg/kcore"
	"github.com/vietanhduong/kinspect/pkg/logging"
	"github.com/vietanhduong/kinspect/pkg/logging/logfields"
	"github.com/vietanhduong/kinspect/pkg/proc"
)

var log = logging.DefaultLogger.WithFields(logrus.Fields{logfields.LogSubsys: "vmcoreinfo"})

// ErrOverflow reports a numeric field that is out of range or not
// fully consumed.
var ErrOverflow = errors.New("number in VMCOREINFO is invalid")

const maxOSRelease = 128

// Info is the parsed VMCOREINFO note of one kernel. It is constructed
// once and immutable afterwards.
type Info struct {
	OSRelease        string
	PageSize         uint64
	KASLROffset      uint64
	SwapperPgDir     uint64
	PgtableL5Enabled bool
}

func (i *Info) PageShift() int { return bits.TrailingZeros64(i.PageSize) }

func (i *Info) PageMask() uint64 { return ^(i.PageSize - 1) }

// Parse decodes the textual key=value descriptor of a VMCOREINFO ELF
// note. Unknown keys are skipped. OSRELEASE, PAGESIZE and
// SYMBOL(swapper_pg_dir) are required.
func Parse(desc []byte) (*Info, error) {
	var ret Info
	for len(desc) > 0 {
		nl := bytes.IndexByte(desc, '\n')
		if nl < 0 {
			break
		}
		line := string(desc[:nl])
		desc = desc[nl+1:]

		var err error
		switch {
		case strings.HasPrefix(line, "OSRELEASE="):
			val := line[len("OSRELEASE="):]
			if len(val) >= maxOSRelease {
				return nil, fmt.Errorf("OSRELEASE in VMCOREINFO is too long")
			}
			ret.OSRelease = val
		case strings.HasPrefix(line, "PAGESIZE="):
			ret.PageSize, err = parseU64(line[len("PAGESIZE="):], 0)
		case strings.HasPrefix(line, "KERNELOFFSET="):
			ret.KASLROffset, err = parseU64(line[len("KERNELOFFSET="):], 16)
		case strings.HasPrefix(line, "SYMBOL(swapper_pg_dir)="):
			ret.SwapperPgDir, err = parseU64(line[len("SYMBOL(swapper_pg_dir)="):], 16)
		case strings.HasPrefix(line, "NUMBER(pgtable_l5_enabled)="):
			var tmp uint64
			tmp, err = parseU64(line[len("NUMBER(pgtable_l5_enabled)="):], 0)
			ret.PgtableL5Enabled = tmp != 0
		}
		if err != nil {
			return nil, err
		}
	}
	if ret.OSRelease == "" {
		return nil, fmt.Errorf("VMCOREINFO does not contain valid OSRELEASE")
	}
	if ret.PageSize == 0 {
		return nil, fmt.Errorf("VMCOREINFO does not contain valid PAGESIZE")
	}
	if ret.SwapperPgDir == 0 {
		return nil, fmt.Errorf("VMCOREINFO does not contain valid swapper_pg_dir")
	}
	// KERNELOFFSET and pgtable_l5_enabled are optional.
	return &ret, nil
}

// parseU64 converts one VMCOREINFO value. Base 0 auto-detects an 0x
// prefix; base 16 accepts bare hex as printed by the kernel.
func parseU64(s string, base int) (uint64, error) {
	if s == "" {
		return 0, ErrOverflow
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		var ne *strconv.NumError
		if errors.As(err, &ne) && errors.Is(ne.Err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: number is too large", ErrOverflow)
		}
		return 0, ErrOverflow
	}
	return v, nil
}

// ReadFallback recovers VMCOREINFO from a live kernel that predates
// the note in /proc/kcore (v4.19): /sys/kernel/vmcoreinfo exposes the
// physical address and size of the note, which is then read through
// the memory reader and decoded as an ELF note whose name is
// "VMCOREINFO".
func ReadFallback(mr kcore.MemoryReader) (*Info, error) {
	path := proc.VMCoreInfo()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	fields := strings.Fields(string(b))
	if len(fields) != 2 {
		return nil, fmt.Errorf("could not parse %s", path)
	}
	address, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", path, err)
	}
	size, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", path, err)
	}

	buf := make([]byte, size)
	if err = mr.ReadMemory(buf, address, true); err != nil {
		return nil, fmt.Errorf("read vmcoreinfo note: %w", err)
	}
	return ParseNote(buf)
}

// ParseNote decodes a raw VMCOREINFO ELF note: a 12-byte
// Elf{32,64}_Nhdr (identical in both formats) with name "VMCOREINFO",
// whose descriptor starts at byte 24 after name padding.
func ParseNote(buf []byte) (*Info, error) {
	if len(buf) < 24 {
		return nil, fmt.Errorf("VMCOREINFO is invalid")
	}
	namesz := binary.NativeEndian.Uint32(buf[0:])
	descsz := binary.NativeEndian.Uint32(buf[4:])
	if namesz != 11 || !bytes.Equal(buf[12:22], []byte("VMCOREINFO")) ||
		uint64(descsz) > uint64(len(buf)-24) {
		return nil, fmt.Errorf("VMCOREINFO is invalid")
	}
	info, err := Parse(buf[24 : 24+descsz])
	if err != nil {
		return nil, err
	}
	if hostPageSize := pageSize(); hostPageSize != 0 && hostPageSize != info.PageSize {
		log.WithFields(logrus.Fields{
			logfields.OSRelease: info.OSRelease,
		}).Warnf("VMCOREINFO page size %d differs from host page size %d", info.PageSize, hostPageSize)
	}
	return info, nil
}

func pageSize() uint64 {
	v, err := sysconf.Sysconf(sysconf.SC_PAGESIZE)
	if err != nil || v <= 0 {
		return 0
	}
	return uint64(v)
}
