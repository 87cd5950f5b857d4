package kinspect

type options struct {
	paths       []string
	loadDefault bool
	loadMain    bool
}

type Option func(*options)

// WithPaths supplies vmlinux or kernel module ELF files to match
// against the loaded kernel.
func WithPaths(paths ...string) Option {
	return func(o *options) { o.paths = append(o.paths, paths...) }
}

// WithDefaultModules searches the standard on-disk locations, via the
// depmod index, for loaded modules that were not supplied explicitly.
func WithDefaultModules() Option {
	return func(o *options) { o.loadDefault = true }
}

// WithMainKernel searches the standard locations for vmlinux when it
// was not supplied explicitly.
func WithMainKernel() Option {
	return func(o *options) { o.loadMain = true }
}
