package discover

import (
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"
	"github.com/vietanhduong/kinspect/pkg/kelf"
	"github.com/vietanhduong/kinspect/pkg/logging/logfields"
)

// Record is one ELF reported into a MemoryIndexer.
type Record struct {
	Path  string
	Name  string
	Start uint64
	End   uint64
}

// MemoryIndexer is an Indexer that only records what would be
// indexed. It stands in for a real DWARF indexer in the CLI and in
// tests; reported files are closed immediately since nothing reads
// their DWARF. Indexed names may be queried concurrently by
// consumers, so they live in a concurrent map.
type MemoryIndexer struct {
	names cmap.ConcurrentMap[string, struct{}]

	mu      sync.Mutex
	records []Record
}

var _ Indexer = (*MemoryIndexer)(nil)

func NewMemoryIndexer() *MemoryIndexer {
	return &MemoryIndexer{names: cmap.New[struct{}]()}
}

func (x *MemoryIndexer) ReportElf(path string, f *kelf.File, start, end uint64, name string) (bool, error) {
	defer f.Close()
	isNew := false
	if name != "" {
		isNew = !x.names.Has(name)
		x.names.Set(name, struct{}{})
	}
	x.mu.Lock()
	x.records = append(x.records, Record{Path: path, Name: name, Start: start, End: end})
	x.mu.Unlock()
	return isNew, nil
}

func (x *MemoryIndexer) IsIndexed(name string) bool { return x.names.Has(name) }

func (x *MemoryIndexer) Flush() error { return nil }

// ReportError never aborts the pipeline; failures are logged and the
// next file is attempted.
func (x *MemoryIndexer) ReportError(file, message string, cause error) error {
	l := log.WithFields(logrus.Fields{logfields.Path: file})
	if cause != nil {
		l = l.WithError(cause)
	}
	if message == "" {
		message = "could not load debug info"
	}
	l.Warn(message)
	return nil
}

// Records returns everything reported so far, in report order.
func (x *MemoryIndexer) Records() []Record {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]Record(nil), x.records...)
}
