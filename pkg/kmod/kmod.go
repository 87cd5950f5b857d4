// Package kmod enumerates loaded kernel modules and their runtime
// layout. Two back-ends share one contract: a live kernel is walked
// through /proc/modules and /sys/module, a crash dump through the
// in-kernel modules list using the typed-memory access of the
// embedding debugger.
package kmod

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/vietanhduong/kinspect/pkg/kcore"
	"github.com/vietanhduong/kinspect/pkg/kelf"
	"github.com/vietanhduong/kinspect/pkg/logging"
	"github.com/vietanhduong/kinspect/pkg/logging/logfields"
)

var log = logging.DefaultLogger.WithFields(logrus.Fields{logfields.LogSubsys: "kmod"})

// ErrStop signals iterator exhaustion, in the manner of io.EOF.
var ErrStop = errors.New("no more entries")

// Module is one loaded kernel module. End is the exclusive upper
// bound of the module's core address range.
type Module struct {
	Name  string
	Start uint64
	End   uint64
}

// ModuleIter walks the loaded modules of one kernel. It is not
// re-entrant; the record returned by Next and any build ID or section
// name obtained for it are invalidated by the following Next call.
type ModuleIter interface {
	// Next returns the next loaded module, or ErrStop.
	Next() (*Module, error)

	// GNUBuildID returns the GNU build ID of the current module.
	// Modules without a build ID yield (nil, nil).
	GNUBuildID() ([]byte, error)

	// Sections iterates the runtime addresses of the current
	// module's sections.
	Sections() (SectionIter, error)

	Close() error
}

// SectionIter produces the kernel-reported load address of each
// section of one module.
type SectionIter interface {
	// Next returns the next section, or ErrStop.
	Next() (*kelf.SectionAddr, error)
	Close() error
}

// NewModuleIter selects the back-end: /proc and /sys when
// useProcAndSys is set, otherwise the in-kernel modules list reached
// through prog.
func NewModuleIter(prog kcore.Program, useProcAndSys bool) (ModuleIter, error) {
	if useProcAndSys {
		log.Debug("Iterating kernel modules via /proc and /sys")
		return newLiveIter()
	}
	log.Debug("Iterating kernel modules via the in-kernel modules list")
	return newCrashIter(prog)
}
