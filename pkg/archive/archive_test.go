package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestCreate_Entries(t *testing.T) {
	srcDir := t.TempDir()
	writeTestFile(t, filepath.Join(srcDir, "file1.txt"), "hello")
	writeTestFile(t, filepath.Join(srcDir, "subdir", "file2.txt"), "world")

	archivePath := filepath.Join(t.TempDir(), "test.tar.gz")
	size, err := Create(archivePath, srcDir)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if size <= 0 {
		t.Errorf("size = %d, want > 0", size)
	}

	entries := readEntries(t, archivePath)
	expected := map[string]bool{
		".":                true,
		"file1.txt":        true,
		"subdir/":          true,
		"subdir/file2.txt": true,
	}
	for _, e := range entries {
		if !expected[e] {
			t.Errorf("unexpected entry %q in archive", e)
		}
		delete(expected, e)
	}
	for e := range expected {
		t.Errorf("missing entry %q in archive", e)
	}
}

func TestCreate_NonexistentSource(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "test.tar.gz")
	if _, err := Create(archivePath, "/nonexistent/path/12345"); err == nil {
		t.Fatal("expected error for nonexistent source")
	}
	if _, err := os.Stat(archivePath); !os.IsNotExist(err) {
		t.Errorf("archive should not exist, stat err = %v", err)
	}
}

func TestCreate_SourceIsFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "file.txt")
	writeTestFile(t, src, "not a dir")

	if _, err := Create(filepath.Join(t.TempDir(), "a.tar.gz"), src); err == nil {
		t.Error("expected error when source is not a directory")
	}
}

func TestCreate_ArchiveInsideSource(t *testing.T) {
	srcDir := t.TempDir()
	writeTestFile(t, filepath.Join(srcDir, "db.sqlite"), "data")

	if _, err := Create(filepath.Join(srcDir, "self.tar.gz"), srcDir); err == nil {
		t.Error("expected error when archive path is inside source dir")
	}
}

func TestRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	rnd := rand.New(rand.NewSource(42))
	blob := make([]byte, 256*1024)
	rnd.Read(blob)

	files := map[string][]byte{
		"account.sqlite":           blob,
		"server-files/config.json": []byte(`{"port":5006}`),
		"user-files/a/b/c.txt":     []byte("nested"),
		"empty.txt":                {},
	}
	for name, content := range files {
		p := filepath.Join(srcDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, content, 0640); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(srcDir, "empty-dir"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("account.sqlite", filepath.Join(srcDir, "current.sqlite")); err != nil {
		t.Fatal(err)
	}

	archivePath := filepath.Join(t.TempDir(), "rt.tar.gz")
	if _, err := Create(archivePath, srcDir); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	dstDir := filepath.Join(t.TempDir(), "restored")
	if err := Extract(archivePath, dstDir); err != nil {
		t.Fatalf("Extract() error: %v", err)
	}

	want := snapshot(t, srcDir)
	got := snapshot(t, dstDir)
	if len(got) != len(want) {
		t.Fatalf("restored %d entries, want %d\n got: %v\nwant: %v", len(got), len(want), keys(got), keys(want))
	}
	for name, content := range want {
		if g, ok := got[name]; !ok {
			t.Errorf("missing %q after restore", name)
		} else if g != content {
			t.Errorf("content of %q differs after restore", name)
		}
	}

	info, err := os.Stat(filepath.Join(dstDir, "account.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("mode = %v, want 0640", info.Mode().Perm())
	}

	link, err := os.Readlink(filepath.Join(dstDir, "current.sqlite"))
	if err != nil {
		t.Fatalf("symlink not restored: %v", err)
	}
	if link != "account.sqlite" {
		t.Errorf("symlink target = %q, want %q", link, "account.sqlite")
	}
}

func TestExtract_PathTraversal(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "evil.tar.gz")
	writeRawArchive(t, archivePath, &tar.Header{Name: "../evil.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 4}, "evil")

	dst := filepath.Join(t.TempDir(), "data")
	if err := Extract(archivePath, dst); err == nil {
		t.Fatal("expected error for path traversal")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dst), "evil.txt")); !os.IsNotExist(err) {
		t.Error("file escaped the target directory")
	}
}

func TestExtract_SymlinkEscape(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "evil.tar.gz")
	writeRawArchive(t, archivePath, &tar.Header{Name: "etc", Typeflag: tar.TypeSymlink, Linkname: "/etc", Mode: 0777}, "")

	if err := Extract(archivePath, t.TempDir()); err == nil {
		t.Fatal("expected error for symlink pointing outside target")
	}
}

func TestExtract_SymlinkChainEscape(t *testing.T) {
	tests := []struct {
		name    string
		entries []tarEntry
	}{
		{
			name: "link to dot then relative escape",
			entries: []tarEntry{
				{hdr: tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: ".", Mode: 0777}},
				{hdr: tar.Header{Name: "link/x", Typeflag: tar.TypeSymlink, Linkname: "../outside", Mode: 0777}},
				{hdr: tar.Header{Name: "x/evil", Typeflag: tar.TypeReg, Mode: 0644}, content: "pwned"},
			},
		},
		{
			name: "stacked links",
			entries: []tarEntry{
				{hdr: tar.Header{Name: "l1", Typeflag: tar.TypeSymlink, Linkname: ".", Mode: 0777}},
				{hdr: tar.Header{Name: "l1/l2", Typeflag: tar.TypeSymlink, Linkname: ".", Mode: 0777}},
				{hdr: tar.Header{Name: "l1/l2/y", Typeflag: tar.TypeSymlink, Linkname: "../../outside", Mode: 0777}},
				{hdr: tar.Header{Name: "y/evil", Typeflag: tar.TypeReg, Mode: 0644}, content: "pwned"},
			},
		},
		{
			name: "file below a directory symlink",
			entries: []tarEntry{
				{hdr: tar.Header{Name: "sub/", Typeflag: tar.TypeDir, Mode: 0755}},
				{hdr: tar.Header{Name: "alias", Typeflag: tar.TypeSymlink, Linkname: "sub", Mode: 0777}},
				{hdr: tar.Header{Name: "alias/evil", Typeflag: tar.TypeReg, Mode: 0644}, content: "pwned"},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			base := t.TempDir()
			outside := filepath.Join(base, "outside")
			if err := os.MkdirAll(outside, 0755); err != nil {
				t.Fatal(err)
			}
			archivePath := filepath.Join(base, "evil.tar.gz")
			writeEntries(t, archivePath, tc.entries)

			if err := Extract(archivePath, filepath.Join(base, "data")); err == nil {
				t.Error("expected error for entry written through a symlink")
			}
			if _, err := os.Stat(filepath.Join(outside, "evil")); !os.IsNotExist(err) {
				t.Errorf("file escaped the target directory, stat err = %v", err)
			}
		})
	}
}

func TestExtract_SymlinkToDotIsKept(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "dot.tar.gz")
	writeEntries(t, archivePath, []tarEntry{
		{hdr: tar.Header{Name: "self", Typeflag: tar.TypeSymlink, Linkname: ".", Mode: 0777}},
		{hdr: tar.Header{Name: "db.sqlite", Typeflag: tar.TypeReg, Mode: 0644}, content: "data"},
	})

	dst := t.TempDir()
	if err := Extract(archivePath, dst); err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if link, err := os.Readlink(filepath.Join(dst, "self")); err != nil || link != "." {
		t.Errorf("Readlink() = %q, %v", link, err)
	}
}

func TestExtract_NotGzip(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "garbage.tar.gz")
	writeTestFile(t, archivePath, "definitely not gzip")

	err := Extract(archivePath, t.TempDir())
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Extract() error = %v, want ErrCorrupt", err)
	}
}

func TestExtract_Truncated(t *testing.T) {
	srcDir := t.TempDir()
	rnd := rand.New(rand.NewSource(7))
	blob := make([]byte, 128*1024)
	rnd.Read(blob)
	if err := os.WriteFile(filepath.Join(srcDir, "big.bin"), blob, 0644); err != nil {
		t.Fatal(err)
	}

	archivePath := filepath.Join(t.TempDir(), "big.tar.gz")
	size, err := Create(archivePath, srcDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(archivePath, size/2); err != nil {
		t.Fatal(err)
	}

	err = Extract(archivePath, t.TempDir())
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Extract() error = %v, want ErrCorrupt", err)
	}
}

func TestExtract_MissingArchive(t *testing.T) {
	err := Extract("/nonexistent/archive.tar.gz", t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing archive")
	}
	if errors.Is(err, ErrCorrupt) {
		t.Error("missing file should not be reported as corrupt")
	}
}

// --- helpers ---

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func writeRawArchive(t *testing.T, path string, hdr *tar.Header, content string) {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if content != "" {
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

type tarEntry struct {
	hdr     tar.Header
	content string
}

func writeEntries(t *testing.T, path string, entries []tarEntry) {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, e := range entries {
		hdr := e.hdr
		hdr.Size = int64(len(e.content))
		if err := tw.WriteHeader(&hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(e.content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func readEntries(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	var entries []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		entries = append(entries, hdr.Name)
	}
	return entries
}

// snapshot maps every path under dir to its content; directories map to "<dir>"
// and symlinks to "-> target".
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			out[rel] = "-> " + link
		case info.IsDir():
			out[rel] = "<dir>"
		default:
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			out[rel] = string(data)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func keys(m map[string]string) []string {
	var ks []string
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}
