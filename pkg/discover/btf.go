package discover

import (
	"github.com/cilium/ebpf/btf"
	"github.com/vietanhduong/kinspect/pkg/proc"
)

// kernelBTFHint explains a missing vmlinux on modern kernels: the
// running kernel usually still describes its own types through
// /sys/kernel/btf/vmlinux, which is enough for many consumers even
// though module discovery needs the DWARF image itself.
func kernelBTFHint() {
	if !proc.Readable(proc.KernelBTF()) {
		return
	}
	spec, err := btf.LoadKernelSpec()
	if err != nil {
		log.WithError(err).Debug("Kernel BTF present but unreadable")
		return
	}
	if _, err = spec.AnyTypeByName("module"); err == nil {
		log.Info("No vmlinux found on disk, but the kernel exposes BTF (including struct module) at /sys/kernel/btf/vmlinux")
	}
}
