package vmcoreinfo

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	testcases := []struct {
		name     string
		desc     string
		expected *Info
		wantErr  string
	}{
		{
			name: "complete",
			desc: "OSRELEASE=5.10.0\nPAGESIZE=4096\nSYMBOL(swapper_pg_dir)=ffffffff81c0a000\nKERNELOFFSET=0\n",
			expected: &Info{
				OSRelease:    "5.10.0",
				PageSize:     4096,
				SwapperPgDir: 0xffffffff81c0a000,
			},
		},
		{
			name: "kaslr and l5",
			desc: "OSRELEASE=6.1.0-test\nPAGESIZE=0x1000\nSYMBOL(swapper_pg_dir)=ffffffffa7008000\nKERNELOFFSET=2a000000\nNUMBER(pgtable_l5_enabled)=1\n",
			expected: &Info{
				OSRelease:        "6.1.0-test",
				PageSize:         0x1000,
				SwapperPgDir:     0xffffffffa7008000,
				KASLROffset:      0x2a000000,
				PgtableL5Enabled: true,
			},
		},
		{
			name: "unknown keys skipped",
			desc: "CRASHTIME=123\nOSRELEASE=5.10.0\nPAGESIZE=4096\nSYMBOL(init_uts_ns)=ffffffff82014480\nSYMBOL(swapper_pg_dir)=ffffffff81c0a000\n",
			expected: &Info{
				OSRelease:    "5.10.0",
				PageSize:     4096,
				SwapperPgDir: 0xffffffff81c0a000,
			},
		},
		{
			name: "unterminated last line ignored",
			desc: "OSRELEASE=5.10.0\nPAGESIZE=4096\nSYMBOL(swapper_pg_dir)=ffffffff81c0a000\nPAGESIZE=bogus",
			expected: &Info{
				OSRelease:    "5.10.0",
				PageSize:     4096,
				SwapperPgDir: 0xffffffff81c0a000,
			},
		},
		{
			name:    "missing osrelease",
			desc:    "PAGESIZE=4096\nSYMBOL(swapper_pg_dir)=ffffffff81c0a000\n",
			wantErr: "OSRELEASE",
		},
		{
			name:    "missing pagesize",
			desc:    "OSRELEASE=5.10.0\nSYMBOL(swapper_pg_dir)=ffffffff81c0a000\n",
			wantErr: "PAGESIZE",
		},
		{
			name:    "missing swapper_pg_dir",
			desc:    "OSRELEASE=5.10.0\nPAGESIZE=4096\n",
			wantErr: "swapper_pg_dir",
		},
		{
			name:    "pagesize overflow",
			desc:    "OSRELEASE=5.10.0\nPAGESIZE=99999999999999999999999999\nSYMBOL(swapper_pg_dir)=ffffffff81c0a000\n",
			wantErr: "too large",
		},
		{
			name:    "trailing garbage",
			desc:    "OSRELEASE=5.10.0\nPAGESIZE=4096k\nSYMBOL(swapper_pg_dir)=ffffffff81c0a000\n",
			wantErr: "invalid",
		},
	}
	for _, tt := range testcases {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Parse([]byte(tt.desc))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.expected, info); diff != "" {
				t.Errorf("unexpected Info (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPageHelpers(t *testing.T) {
	info := &Info{PageSize: 4096}
	assert.Equal(t, 12, info.PageShift())
	assert.Equal(t, ^uint64(0xfff), info.PageMask())
}

func buildNote(name string, desc []byte) []byte {
	namesz := len(name) + 1
	buf := make([]byte, 12)
	binary.NativeEndian.PutUint32(buf[0:], uint32(namesz))
	binary.NativeEndian.PutUint32(buf[4:], uint32(len(desc)))
	binary.NativeEndian.PutUint32(buf[8:], 0)
	buf = append(buf, name...)
	buf = append(buf, 0)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return append(buf, desc...)
}

func TestParseNote(t *testing.T) {
	desc := []byte("OSRELEASE=5.10.0\nPAGESIZE=4096\nSYMBOL(swapper_pg_dir)=ffffffff81c0a000\n")
	info, err := ParseNote(buildNote("VMCOREINFO", desc))
	require.NoError(t, err)
	assert.Equal(t, "5.10.0", info.OSRelease)
	assert.Equal(t, uint64(4096), info.PageSize)

	_, err = ParseNote(buildNote("NOTVMCORE12", desc))
	assert.ErrorContains(t, err, "invalid")

	_, err = ParseNote([]byte{1, 2, 3})
	assert.ErrorContains(t, err, "invalid")
}

type fakeMemory struct {
	base uint64
	data []byte
}

func (m *fakeMemory) ReadMemory(buf []byte, address uint64, physical bool) error {
	if !physical {
		return fmt.Errorf("expected physical read")
	}
	off := address - m.base
	if off >= uint64(len(m.data)) || uint64(len(buf)) > uint64(len(m.data))-off {
		return fmt.Errorf("read out of range")
	}
	copy(buf, m.data[off:])
	return nil
}

func TestReadFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "kernel"), 0o755))

	note := buildNote("VMCOREINFO", []byte("OSRELEASE=4.18.7\nPAGESIZE=4096\nSYMBOL(swapper_pg_dir)=ffffffff81c0a000\n"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kernel", "vmcoreinfo"),
		[]byte(fmt.Sprintf("%x %x\n", 0x1fe4b000, len(note))), 0o644))

	require.NoError(t, flag.Set("sys-path", dir))
	t.Cleanup(func() { _ = flag.Set("sys-path", "/sys") })

	info, err := ReadFallback(&fakeMemory{base: 0x1fe4b000, data: note})
	require.NoError(t, err)
	assert.Equal(t, "4.18.7", info.OSRelease)
	assert.Equal(t, uint64(0xffffffff81c0a000), info.SwapperPgDir)
}
