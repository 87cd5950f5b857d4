// Package kallsyms reads the kernel's symbol table from
// /proc/kallsyms. It backs symbol-address lookup for live kernels and
// an address-to-name resolver for diagnostics.
package kallsyms

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vietanhduong/kinspect/pkg/logging"
	"github.com/vietanhduong/kinspect/pkg/logging/logfields"
	"github.com/vietanhduong/kinspect/pkg/proc"
	"golang.org/x/exp/slices"
)

var log = logging.DefaultLogger.WithFields(logrus.Fields{logfields.LogSubsys: "kallsyms"})

var ErrNotFound = errors.New("symbol not found")

type Symbol struct {
	Addr   uint64
	Type   byte
	Name   string
	Module string
}

// SymbolAddr streams /proc/kallsyms looking for one symbol. It avoids
// holding the whole table when a single address is needed.
func SymbolAddr(name string) (uint64, error) {
	path := proc.Kallsyms()
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			return 0, fmt.Errorf("could not parse %s", path)
		}
		if fields[2] != name {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("could not parse %s", path)
		}
		return addr, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	return 0, ErrNotFound
}

// Parse loads the whole symbol table. Symbols belonging to a module
// carry its name; built-in symbols carry "kernel".
func Parse(path string) ([]Symbol, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var ret []Symbol
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil || len(fields[1]) != 1 {
			continue
		}
		sym := Symbol{Addr: addr, Type: fields[1][0], Name: fields[2], Module: "kernel"}
		if len(fields) > 3 {
			if m := fields[3]; len(m) > 2 && m[0] == '[' && m[len(m)-1] == ']' {
				sym.Module = m[1 : len(m)-1]
			}
		}
		ret = append(ret, sym)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	slices.SortFunc(ret, func(a, b Symbol) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	return ret, nil
}
