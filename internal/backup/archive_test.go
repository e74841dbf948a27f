package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name     string
	typeflag byte
	body     string
	linkname string
}

func buildArchive(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     0600,
			Size:     int64(len(e.body)),
			Linkname: e.linkname,
		}
		if e.typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0700
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
		require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	files := map[string]string{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	want := map[string]string{
		"ledger.db":               "sqlite bytes",
		"invoices/2026/inv-1.pdf": "pdf",
		"invoices/2026/inv-2.pdf": "",
		"settings/app.json":       `{"theme":"dark"}`,
	}
	writeTree(t, src, want)
	require.NoError(t, os.MkdirAll(filepath.Join(src, "empty"), 0700))

	var buf bytes.Buffer
	count, err := writeArchive(context.Background(), &buf, src)
	require.NoError(t, err)
	assert.Equal(t, 8, count) // 4 files, 4 directories

	dest := t.TempDir()
	_, err = extractArchive(context.Background(), &buf, dest)
	require.NoError(t, err)

	assert.Equal(t, want, readTree(t, dest))
	assert.DirExists(t, filepath.Join(dest, "empty"))
}

func TestArchivePreservesSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need elevated privileges on windows")
	}
	src := t.TempDir()
	writeTree(t, src, map[string]string{"current/data.db": "x"})
	require.NoError(t, os.Symlink("current", filepath.Join(src, "latest")))

	var buf bytes.Buffer
	_, err := writeArchive(context.Background(), &buf, src)
	require.NoError(t, err)

	dest := t.TempDir()
	_, err = extractArchive(context.Background(), &buf, dest)
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(dest, "latest"))
	require.NoError(t, err)
	assert.Equal(t, "current", target)
}

func TestArchiveMissingRootIsEmpty(t *testing.T) {
	var buf bytes.Buffer
	count, err := writeArchive(context.Background(), &buf, filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = extractArchive(context.Background(), &buf, t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestExtractRejectsUnsafeEntries(t *testing.T) {
	tests := []struct {
		name     string
		entries  []tarEntry
		symlinks bool
	}{
		{"ParentTraversal", []tarEntry{{name: "../escape.txt", typeflag: tar.TypeReg, body: "x"}}, false},
		{"NestedTraversal", []tarEntry{{name: "a/../../escape.txt", typeflag: tar.TypeReg, body: "x"}}, false},
		{"AbsolutePath", []tarEntry{{name: "/etc/escape.txt", typeflag: tar.TypeReg, body: "x"}}, false},
		{"AbsoluteSymlink", []tarEntry{{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc"}}, false},
		{"EscapingSymlink", []tarEntry{{name: "link", typeflag: tar.TypeSymlink, linkname: "../../etc"}}, false},
		{"SymlinkChain", []tarEntry{
			{name: "b/", typeflag: tar.TypeDir},
			{name: "b/c", typeflag: tar.TypeSymlink, linkname: ".."},
			{name: "a", typeflag: tar.TypeSymlink, linkname: "b/c/.."},
			{name: "a/escape.txt", typeflag: tar.TypeReg, body: "x"},
		}, true},
		{"DotDotPastMissingDir", []tarEntry{
			{name: "a", typeflag: tar.TypeSymlink, linkname: "later/../.."},
		}, true},
		{"FileBelowSymlink", []tarEntry{
			{name: "inner/", typeflag: tar.TypeDir},
			{name: "link", typeflag: tar.TypeSymlink, linkname: "inner"},
			{name: "link/escape.txt", typeflag: tar.TypeReg, body: "x"},
		}, true},
		{"DirBelowSymlink", []tarEntry{
			{name: "inner/", typeflag: tar.TypeDir},
			{name: "link", typeflag: tar.TypeSymlink, linkname: "inner"},
			{name: "link/", typeflag: tar.TypeDir},
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.symlinks && runtime.GOOS == "windows" {
				t.Skip("symlinks need elevated privileges on windows")
			}
			parent := t.TempDir()
			dest := filepath.Join(parent, "dest")
			require.NoError(t, os.Mkdir(dest, 0700))

			data := buildArchive(t, tt.entries)
			_, err := extractArchive(context.Background(), bytes.NewReader(data), dest)
			assert.ErrorIs(t, err, ErrUnsafePath)
			assert.NoFileExists(t, filepath.Join(parent, "escape.txt"))
			assert.NoFileExists(t, filepath.Join(dest, "inner", "escape.txt"))
		})
	}
}

func TestExtractAllowsLinksResolvingInside(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need elevated privileges on windows")
	}
	data := buildArchive(t, []tarEntry{
		{name: "b/", typeflag: tar.TypeDir},
		{name: "b/c", typeflag: tar.TypeSymlink, linkname: ".."},
		{name: "b/d", typeflag: tar.TypeSymlink, linkname: "c/b"},
		{name: "early", typeflag: tar.TypeSymlink, linkname: "later/file.txt"},
		{name: "later/", typeflag: tar.TypeDir},
		{name: "later/file.txt", typeflag: tar.TypeReg, body: "x"},
	})

	dest := t.TempDir()
	count, err := extractArchive(context.Background(), bytes.NewReader(data), dest)
	require.NoError(t, err)
	assert.Equal(t, 6, count)

	body, err := os.ReadFile(filepath.Join(dest, "early"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(body))
}

func TestExtractRejectsUnsupportedTypes(t *testing.T) {
	data := buildArchive(t, []tarEntry{{name: "fifo", typeflag: tar.TypeFifo}})
	_, err := extractArchive(context.Background(), bytes.NewReader(data), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported entry type")
}

func TestExtractRejectsNonGzip(t *testing.T) {
	_, err := extractArchive(context.Background(), bytes.NewReader([]byte("plain text")), t.TempDir())
	assert.Error(t, err)
}

func TestExtractHonoursCancellation(t *testing.T) {
	data := buildArchive(t, []tarEntry{{name: "a.txt", typeflag: tar.TypeReg, body: "a"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := t.TempDir()
	_, err := extractArchive(ctx, bytes.NewReader(data), dest)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(dest, "a.txt"))
}

func TestWriteArchiveHonoursCancellation(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	_, err := writeArchive(ctx, &buf, src)
	assert.ErrorIs(t, err, context.Canceled)
}
