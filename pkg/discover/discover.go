// Package discover locates the debug info of a kernel and its loaded
// modules and reports it to a DWARF indexer. User-supplied ELF files
// are matched to loaded modules by GNU build ID; everything else is
// found on disk through the kernel's depmod index and the standard
// debug paths. Failures are per-file: the indexer's error sink
// decides whether to abort or carry on.
package discover

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vietanhduong/kinspect/pkg/depmod"
	"github.com/vietanhduong/kinspect/pkg/kcore"
	"github.com/vietanhduong/kinspect/pkg/kelf"
	"github.com/vietanhduong/kinspect/pkg/kmod"
	"github.com/vietanhduong/kinspect/pkg/logging"
	"github.com/vietanhduong/kinspect/pkg/logging/logfields"
	"github.com/vietanhduong/kinspect/pkg/proc"
	"github.com/vietanhduong/kinspect/pkg/utils"
	"github.com/vietanhduong/kinspect/pkg/vmcoreinfo"
)

var log = logging.DefaultLogger.WithFields(logrus.Fields{logfields.LogSubsys: "discover"})

// EnvUseProcAndSysModules disables the /proc and /sys fast path when
// set to zero, forcing the in-kernel module walk even on a live
// kernel.
const EnvUseProcAndSysModules = "DRGN_USE_PROC_AND_SYS_MODULES"

// vmlinuxName is the name under which the kernel image is indexed.
const vmlinuxName = "kernel"

// Program is the kernel under inspection.
type Program interface {
	kcore.Program

	VMCoreInfo() *vmcoreinfo.Info

	// IsLive reports whether the program is the running kernel
	// rather than a core dump.
	IsLive() bool
}

// Indexer consumes discovered debug info. It is the pipeline's only
// output channel.
type Indexer interface {
	// ReportElf hands one ELF over together with its load range.
	// Ownership of f transfers to the indexer. isNew reports
	// whether name was not indexed before.
	ReportElf(path string, f *kelf.File, start, end uint64, name string) (isNew bool, err error)

	// IsIndexed reports whether debug info for name was already
	// indexed.
	IsIndexed(name string) bool

	// Flush makes everything reported so far queryable.
	Flush() error

	// ReportError records a per-file failure. A non-nil return is
	// fatal and aborts the pipeline.
	ReportError(file, message string, cause error) error
}

// Options control one discovery run.
type Options struct {
	// Paths are user-supplied vmlinux or module ELF files.
	Paths []string

	// LoadDefault searches the standard on-disk locations for
	// modules that were not supplied explicitly.
	LoadDefault bool

	// LoadMain searches the standard locations for vmlinux when it
	// was not supplied explicitly.
	LoadMain bool
}

// userModule is a user-supplied module ELF waiting to be matched
// against a loaded module. Files sharing a build ID chain up in the
// table and are reported together.
type userModule struct {
	path    string
	file    *kelf.File
	buildID []byte
}

// Run executes the pipeline. Any successfully reported file stays
// with the indexer even when later files fail.
func Run(prog Program, indexer Indexer, opts Options) error {
	var kmods []*userModule
	defer func() {
		for _, um := range kmods {
			if um.file != nil {
				um.file.Close()
			}
		}
	}()

	// vmlinux may have to be indexed before modules can be walked,
	// so module files are set aside and everything else reported
	// first.
	vmlinuxPending := false
	for _, path := range opts.Paths {
		f, err := kelf.Open(path)
		if err != nil {
			if err = indexer.ReportError(path, "", err); err != nil {
				return err
			}
			continue
		}
		switch f.Classify() {
		case kelf.KindModule:
			kmods = append(kmods, &userModule{path: path, file: f})
		case kelf.KindVmlinux:
			start, end, err := f.AddressRange(prog.VMCoreInfo().KASLROffset)
			if err != nil {
				f.Close()
				if err = indexer.ReportError(path, "", err); err != nil {
					return err
				}
				continue
			}
			isNew, err := indexer.ReportElf(path, f, start, end, vmlinuxName)
			if err != nil {
				return err
			}
			if isNew {
				vmlinuxPending = true
			}
		default:
			if _, err := indexer.ReportElf(path, f, 0, 0, ""); err != nil {
				return err
			}
		}
	}

	if opts.LoadMain && !vmlinuxPending && !indexer.IsIndexed(vmlinuxName) {
		isNew, err := reportDefaultVmlinux(prog, indexer)
		if err != nil {
			return err
		}
		if isNew {
			vmlinuxPending = true
		}
	}

	return reportKernelModules(prog, indexer, kmods, opts, vmlinuxPending)
}

// vmlinuxPaths are tried in order; the files under /usr/lib/debug
// always have debug info, so they come first.
func vmlinuxPaths(osrelease string) []string {
	return []string{
		proc.HostPath("usr/lib/debug/boot/vmlinux-" + osrelease),
		proc.HostPath("usr/lib/debug/lib/modules", osrelease, "vmlinux"),
		proc.HostPath("boot/vmlinux-" + osrelease),
		proc.HostPath("lib/modules", osrelease, "build/vmlinux"),
		proc.HostPath("lib/modules", osrelease, "vmlinux"),
	}
}

// findElf opens the first candidate that exists. Candidates that do
// not exist are skipped; any other failure stops the search.
func findElf(candidates []string) (*kelf.File, error) {
	for _, path := range candidates {
		f, err := kelf.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		return f, nil
	}
	return nil, nil
}

func reportDefaultVmlinux(prog Program, indexer Indexer) (isNew bool, err error) {
	osrelease := prog.VMCoreInfo().OSRelease
	f, err := findElf(vmlinuxPaths(osrelease))
	if err != nil {
		return false, indexer.ReportError("", "", err)
	}
	if f == nil {
		kernelBTFHint()
		err = fmt.Errorf("could not find vmlinux for %s", osrelease)
		return false, indexer.ReportError(vmlinuxName, "", err)
	}

	start, end, err := f.AddressRange(prog.VMCoreInfo().KASLROffset)
	if err != nil {
		f.Close()
		return false, indexer.ReportError(f.Path(), "", err)
	}
	isNew, err = indexer.ReportElf(f.Path(), f, start, end, vmlinuxName)
	if err != nil {
		return false, err
	}
	log.WithFields(logrus.Fields{
		logfields.Path:      f.Path(),
		logfields.OSRelease: osrelease,
	}).Debug("Reported default vmlinux")
	return isNew, nil
}

func reportKernelModules(prog Program, indexer Indexer, kmods []*userModule, opts Options, vmlinuxPending bool) error {
	if len(kmods) == 0 && !opts.LoadDefault {
		return nil
	}

	// The running kernel exposes its modules through /proc and
	// /sys; this fast path can be disabled for testing.
	useProcAndSys := prog.IsLive() && utils.EnvEnabled(EnvUseProcAndSysModules)

	// Walking the in-kernel module list needs struct module's debug
	// info, so a newly reported vmlinux must be indexed first.
	if vmlinuxPending && !useProcAndSys {
		if err := indexer.Flush(); err != nil {
			return err
		}
	}

	haveUserModules := len(kmods) > 0
	table := make(map[string][]*userModule)
	for _, um := range kmods {
		id, err := um.file.GNUBuildID()
		if err != nil {
			if err = indexer.ReportError(um.path, "", err); err != nil {
				return err
			}
			continue
		}
		um.buildID = id
		table[string(id)] = append(table[string(id)], um)
	}

	// A non-fatal iteration failure still falls through to the
	// leftover reporting below.
	iterate := func() error {
		var depmodIdx *depmod.Index
		depmodFailed := false
		defer func() {
			if depmodIdx != nil {
				depmodIdx.Close()
			}
		}()

		it, err := kmod.NewModuleIter(prog, useProcAndSys)
		if err != nil {
			return indexer.ReportError("kernel modules", "could not find loaded kernel modules", err)
		}
		defer it.Close()

		for {
			m, err := it.Next()
			if errors.Is(err, kmod.ErrStop) {
				return nil
			} else if err != nil {
				return indexer.ReportError("kernel modules", "could not find loaded kernel modules", err)
			}

			// Look for an explicitly-reported file first.
			if haveUserModules {
				matched, err := reportLoadedModule(indexer, it, m, table)
				if err != nil {
					return err
				}
				if matched {
					continue
				}
			}

			// Not reported explicitly: look at the standard
			// locations unless the module is already indexed.
			if opts.LoadDefault && !depmodFailed && !indexer.IsIndexed(m.Name) {
				if depmodIdx == nil {
					depmodIdx, err = depmod.Open(prog.VMCoreInfo().OSRelease)
					if err != nil {
						if err = indexer.ReportError("kernel modules", "could not read depmod", err); err != nil {
							return err
						}
						depmodFailed = true
						continue
					}
				}
				if err = reportDefaultModule(prog, indexer, it, m, depmodIdx); err != nil {
					return err
				}
			}
		}
	}
	if err := iterate(); err != nil {
		return err
	}

	// Anything left over was not loaded.
	for _, um := range kmods {
		chain, ok := table[string(um.buildID)]
		if !ok || len(chain) == 0 || chain[0] != um {
			continue
		}
		delete(table, string(um.buildID))
		for _, dup := range chain {
			if _, err := indexer.ReportElf(dup.path, dup.file, 0, 0, dup.path); err != nil {
				return err
			}
			dup.file = nil
		}
	}
	return nil
}

// collectSections drains the module's section iterator into a slice
// usable for relocation.
func collectSections(it kmod.ModuleIter) ([]kelf.SectionAddr, error) {
	si, err := it.Sections()
	if err != nil {
		return nil, err
	}
	defer si.Close()
	var ret []kelf.SectionAddr
	for {
		s, err := si.Next()
		if errors.Is(err, kmod.ErrStop) {
			return ret, nil
		} else if err != nil {
			return nil, err
		}
		ret = append(ret, *s)
	}
}

// reportLoadedModule matches one loaded module against the
// user-supplied table and reports the whole build-ID chain under the
// module's live address range. matched is false when the module has
// to be found on disk instead. A module without a build ID is only
// warned about; it never falls through to the depmod search.
func reportLoadedModule(indexer Indexer, it kmod.ModuleIter, m *kmod.Module, table map[string][]*userModule) (matched bool, err error) {
	id, err := it.GNUBuildID()
	if err != nil || len(id) == 0 {
		return true, indexer.ReportError(m.Name, "could not find GNU build ID", err)
	}

	chain, ok := table[string(id)]
	if !ok {
		return false, nil
	}
	delete(table, string(id))

	sections, serr := collectSections(it)
	for _, um := range chain {
		if serr != nil {
			if err = indexer.ReportError(um.path, "could not get section addresses", serr); err != nil {
				return true, err
			}
			continue
		}
		um.file.ApplySectionAddrs(sections)
		if _, err = indexer.ReportElf(um.path, um.file, m.Start, m.End, m.Name); err != nil {
			return true, err
		}
		um.file = nil
		log.WithFields(logrus.Fields{
			logfields.Module: m.Name,
			logfields.Path:   um.path,
		}).Debug("Reported user-supplied kernel module")
	}
	return true, nil
}

// reportDefaultModule locates one loaded module on disk via the
// depmod index and the standard debug paths.
func reportDefaultModule(prog Program, indexer Indexer, it kmod.ModuleIter, m *kmod.Module, idx *depmod.Index) error {
	relpath, found, err := idx.Find(m.Name)
	if err != nil {
		return indexer.ReportError("kernel modules", "could not parse depmod", err)
	}
	if !found {
		return indexer.ReportError(m.Name, "could not find module in depmod", nil)
	}

	noExt := relpath
	var ext string
	if strings.HasSuffix(relpath, ".gz") || strings.HasSuffix(relpath, ".xz") {
		noExt = relpath[:len(relpath)-3]
		ext = relpath[len(relpath)-3:]
	}
	osrelease := prog.VMCoreInfo().OSRelease
	f, err := findElf([]string{
		proc.HostPath("usr/lib/debug/lib/modules", osrelease, noExt),
		proc.HostPath("usr/lib/debug/lib/modules", osrelease, noExt+".debug"),
		proc.HostPath("lib/modules", osrelease, noExt+ext),
	})
	if err != nil {
		return indexer.ReportError("", "", err)
	}
	if f == nil {
		return indexer.ReportError(m.Name, "could not find .ko", nil)
	}

	sections, err := collectSections(it)
	if err != nil {
		f.Close()
		return indexer.ReportError(f.Path(), "could not get section addresses", err)
	}
	f.ApplySectionAddrs(sections)
	if _, err = indexer.ReportElf(f.Path(), f, m.Start, m.End, m.Name); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		logfields.Module: m.Name,
		logfields.Path:   f.Path(),
	}).Debug("Reported default kernel module")
	return nil
}
