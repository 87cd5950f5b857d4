// Package kinspect discovers the debug info of a Linux kernel: it
// identifies user-supplied vmlinux and module ELF files, matches them
// to loaded kernel modules by GNU build ID, locates everything else
// on disk through the depmod index, and reports the results, with
// section addresses relocated to their runtime values, to a DWARF
// indexer.
package kinspect

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/vietanhduong/kinspect/pkg/discover"
	"github.com/vietanhduong/kinspect/pkg/kallsyms"
	"github.com/vietanhduong/kinspect/pkg/kcore"
	"github.com/vietanhduong/kinspect/pkg/vmcoreinfo"
	"golang.org/x/sys/unix"
)

// Discover runs the discovery pipeline against prog and reports into
// indexer. See the discover package for the collaborator contracts.
func Discover(prog discover.Program, indexer discover.Indexer, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return discover.Run(prog, indexer, discover.Options{
		Paths:       o.paths,
		LoadDefault: o.loadDefault,
		LoadMain:    o.loadMain,
	})
}

// LiveKernel builds a Program describing the running kernel without a
// core dump: its identity comes from uname and kallsyms. It offers no
// memory or typed-object access, so module discovery works only
// through /proc and /sys; with DRGN_USE_PROC_AND_SYS_MODULES=0 the
// in-kernel module walk fails and is reported to the indexer.
func LiveKernel() (discover.Program, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return nil, fmt.Errorf("uname: %w", err)
	}

	// swapper_pg_dir reads as zero when kptr_restrict hides
	// addresses; discovery itself does not depend on it.
	pgdir, err := kallsyms.SymbolAddr("swapper_pg_dir")
	if err != nil && !errors.Is(err, kallsyms.ErrNotFound) {
		return nil, err
	}

	return &liveKernel{info: &vmcoreinfo.Info{
		OSRelease:    unix.ByteSliceToString(uts.Release[:]),
		PageSize:     uint64(os.Getpagesize()),
		SwapperPgDir: pgdir,
	}}, nil
}

type liveKernel struct {
	info *vmcoreinfo.Info
}

func (k *liveKernel) ReadMemory([]byte, uint64, bool) error {
	return fmt.Errorf("kernel memory access requires a core dump")
}

func (k *liveKernel) FindVariable(name string) (kcore.Object, error) {
	return nil, fmt.Errorf("no typed kernel access for %q without debug info", name)
}

func (k *liveKernel) ByteOrder() binary.ByteOrder { return binary.NativeEndian }

func (k *liveKernel) VMCoreInfo() *vmcoreinfo.Info { return k.info }

func (k *liveKernel) IsLive() bool { return true }
