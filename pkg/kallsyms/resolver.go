package kallsyms

import (
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ianlancetaylor/demangle"
	"github.com/vietanhduong/kinspect/pkg/proc"
)

const defaultCacheSize = 10000

// Resolver maps kernel addresses back to symbol names. Lookups are
// cached; Rust-for-Linux symbols are demangled from their _R form.
type Resolver struct {
	symbols []Symbol
	cache   *lru.Cache[uint64, string]
}

type ResolverOption func(*resolverOptions)

type resolverOptions struct {
	path      string
	cacheSize int
}

func WithKallsymsPath(path string) ResolverOption {
	return func(o *resolverOptions) { o.path = path }
}

func WithCacheSize(size int) ResolverOption {
	return func(o *resolverOptions) {
		if size > 0 {
			o.cacheSize = size
		}
	}
}

func NewResolver(opts ...ResolverOption) (*Resolver, error) {
	o := &resolverOptions{path: proc.Kallsyms(), cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(o)
	}
	symbols, err := Parse(o.path)
	if err != nil {
		return nil, err
	}
	this := &Resolver{symbols: symbols}
	this.cache, _ = lru.New[uint64, string](o.cacheSize)
	log.Debugf("Loaded %d kernel symbols from %s", len(symbols), o.path)
	return this, nil
}

// Resolve returns the name of the symbol covering addr, or "".
func (r *Resolver) Resolve(addr uint64) string {
	if name, ok := r.cache.Get(addr); ok {
		return name
	}
	name := r.resolve(addr)
	r.cache.Add(addr, name)
	return name
}

func (r *Resolver) resolve(addr uint64) string {
	if len(r.symbols) == 0 || addr < r.symbols[0].Addr {
		return ""
	}
	i := sort.Search(len(r.symbols), func(i int) bool { return addr < r.symbols[i].Addr })
	name := r.symbols[i-1].Name
	if strings.HasPrefix(name, "_R") {
		if out := demangle.Filter(name); out != name {
			return out
		}
	}
	return name
}
