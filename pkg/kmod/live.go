package kmod

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vietanhduong/kinspect/pkg/kelf"
	"github.com/vietanhduong/kinspect/pkg/proc"
)

// liveIter reads /proc/modules. Each line is
// "<name> <size> <refcount> <deps> <state> <address>".
type liveIter struct {
	f       *os.File
	scanner *bufio.Scanner
	cur     Module
}

func newLiveIter() (*liveIter, error) {
	path := proc.Modules()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &liveIter{f: f, scanner: bufio.NewScanner(f)}, nil
}

func (it *liveIter) Next() (*Module, error) {
	if !it.scanner.Scan() {
		if err := it.scanner.Err(); err != nil {
			return nil, fmt.Errorf("read %s: %w", proc.Modules(), err)
		}
		return nil, ErrStop
	}
	fields := strings.Fields(it.scanner.Text())
	if len(fields) < 6 {
		return nil, fmt.Errorf("could not parse %s", proc.Modules())
	}
	size, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("could not parse %s", proc.Modules())
	}
	start, err := strconv.ParseUint(strings.TrimPrefix(fields[5], "0x"), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("could not parse %s", proc.Modules())
	}
	it.cur = Module{Name: fields[0], Start: start, End: start + size}
	return &it.cur, nil
}

// GNUBuildID scans /sys/module/<name>/notes; every file there is a
// concatenation of ELF notes.
func (it *liveIter) GNUBuildID() ([]byte, error) {
	dir := proc.ModuleNotesDir(it.cur.Name)
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	for _, ent := range ents {
		isDir, err := entryIsDir(dir, ent)
		if err != nil {
			return nil, err
		}
		if isDir {
			continue
		}
		buf, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s/%s: %w", dir, ent.Name(), err)
		}
		if id := kelf.ParseGNUBuildID(buf, binary.NativeEndian); id != nil {
			return id, nil
		}
	}
	return nil, nil
}

func (it *liveIter) Sections() (SectionIter, error) {
	dir := proc.ModuleSectionsDir(it.cur.Name)
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	return &liveSectionIter{dir: dir, ents: ents}, nil
}

func (it *liveIter) Close() error { return it.f.Close() }

// liveSectionIter reads /sys/module/<name>/sections; every regular
// file holds one hex address.
type liveSectionIter struct {
	dir  string
	ents []os.DirEntry
	i    int
	cur  kelf.SectionAddr
}

func (it *liveSectionIter) Next() (*kelf.SectionAddr, error) {
	for it.i < len(it.ents) {
		ent := it.ents[it.i]
		it.i++

		isDir, err := entryIsDir(it.dir, ent)
		if err != nil {
			return nil, err
		}
		if isDir {
			continue
		}

		path := filepath.Join(it.dir, ent.Name())
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(buf)), "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("could not parse %s", path)
		}
		it.cur = kelf.SectionAddr{Name: ent.Name(), Addr: addr}
		return &it.cur, nil
	}
	return nil, ErrStop
}

func (it *liveSectionIter) Close() error { return nil }

// entryIsDir reports whether a directory entry is a directory,
// stat'ing it when the dirent type is not conclusive.
func entryIsDir(dir string, ent os.DirEntry) (bool, error) {
	if ent.IsDir() {
		return true, nil
	}
	if ent.Type().IsRegular() {
		return false, nil
	}
	st, err := os.Stat(filepath.Join(dir, ent.Name()))
	if err != nil {
		return false, fmt.Errorf("stat %s/%s: %w", dir, ent.Name(), err)
	}
	return st.IsDir(), nil
}
