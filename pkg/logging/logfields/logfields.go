package logfields

const (
	LogSubsys = "subsys"

	// Path the file or directory path being read
	Path = "path"

	// Module the kernel module name
	Module = "module"

	// BuildID the GNU build ID, hex encoded
	BuildID = "buildid"

	// Section the ELF section name
	Section = "section"

	// OSRelease the kernel release from VMCOREINFO
	OSRelease = "osrelease"
)
