package proc

import (
	"flag"
	"path"

	"github.com/vietanhduong/kinspect/pkg/utils"
	"golang.org/x/sys/unix"
)

var (
	procPath = flag.String("proc-path", utils.GetEnvOrDefault("PROC_PATH", "/proc"), "Path to proc directory")
	sysPath  = flag.String("sys-path", utils.GetEnvOrDefault("SYS_PATH", "/sys"), "Path to sysfs directory")
	hostPath = flag.String("host-path", utils.GetEnvOrDefault("HOST_PATH", "/"), "The host directory. Useful in container.")
)

func Path(paths ...string) string {
	p := append([]string{*procPath}, paths...)
	return path.Join(p...)
}

func SysPath(paths ...string) string {
	p := append([]string{*sysPath}, paths...)
	return path.Join(p...)
}

func HostPath(paths ...string) string {
	if *hostPath == "" {
		*hostPath = "/"
	}
	p := append([]string{*hostPath}, paths...)
	return path.Join(p...)
}

// Modules returns the path to the loaded module table of the running
// kernel.
func Modules() string { return Path("modules") }

func Kallsyms() string { return Path("kallsyms") }

// VMCoreInfo returns the sysfs file exposing the physical address and
// size of the kernel's vmcoreinfo note.
func VMCoreInfo() string { return SysPath("kernel", "vmcoreinfo") }

// ModuleNotesDir returns the sysfs directory holding the ELF notes of a
// loaded module.
func ModuleNotesDir(module string) string {
	return SysPath("module", module, "notes")
}

// ModuleSectionsDir returns the sysfs directory holding per-section
// load addresses of a loaded module.
func ModuleSectionsDir(module string) string {
	return SysPath("module", module, "sections")
}

// KernelBTF returns the BTF blob of the running kernel.
func KernelBTF() string { return SysPath("kernel", "btf", "vmlinux") }

func Readable(path string) bool { return unix.Access(path, unix.R_OK) == nil }
