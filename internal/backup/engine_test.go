package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	root      string
	dataDir   string
	backupDir string
	engine    *Engine
}

func newFixture(t *testing.T, clock func() time.Time) *fixture {
	t.Helper()
	root := t.TempDir()
	logger, _ := test.NewNullLogger()
	f := &fixture{
		root:      root,
		dataDir:   filepath.Join(root, "data"),
		backupDir: filepath.Join(root, "backups"),
	}
	f.engine = NewEngine(Options{
		DataDir:   f.dataDir,
		BackupDir: f.backupDir,
		Logger:    logger,
		Clock:     clock,
	})
	return f
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func extractPackage(t *testing.T, path string) map[string]string {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	dest := t.TempDir()
	_, err = extractArchive(context.Background(), file, dest)
	require.NoError(t, err)
	return readTree(t, dest)
}

func siblings(t *testing.T, f *fixture) []string {
	t.Helper()
	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".data.") {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestCreateBackup(t *testing.T) {
	ts := time.Date(2026, 4, 1, 9, 30, 15, 123000000, time.UTC)
	f := newFixture(t, fixedClock(ts))
	writeTree(t, f.dataDir, map[string]string{"app.db": "rows", "attachments/r.pdf": "pdf"})

	pkg, err := f.engine.CreateBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "backup-2026-04-01T09-30-15.123Z.tar.gz", pkg.Name)
	assert.Equal(t, filepath.Join(f.backupDir, pkg.Name), pkg.Path)
	assert.False(t, pkg.IsSafety())

	info, err := os.Stat(pkg.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), pkg.Size)
	assert.Positive(t, pkg.Size)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	assert.Equal(t, map[string]string{"app.db": "rows", "attachments/r.pdf": "pdf"}, extractPackage(t, pkg.Path))

	entries, err := os.ReadDir(f.backupDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestCreateBackupNameCollision(t *testing.T) {
	ts := time.Date(2026, 4, 1, 9, 30, 15, 0, time.UTC)
	f := newFixture(t, fixedClock(ts))
	writeTree(t, f.dataDir, map[string]string{"app.db": "v1"})

	first, err := f.engine.CreateBackup(context.Background())
	require.NoError(t, err)

	writeTree(t, f.dataDir, map[string]string{"app.db": "v2"})
	second, err := f.engine.CreateBackup(context.Background())
	require.NoError(t, err)

	third, err := f.engine.CreateBackup(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "backup-2026-04-01T09-30-15.000Z.tar.gz", first.Name)
	assert.Equal(t, "backup-2026-04-01T09-30-15.000Z-1.tar.gz", second.Name)
	assert.Equal(t, "backup-2026-04-01T09-30-15.000Z-2.tar.gz", third.Name)

	assert.Equal(t, "v1", extractPackage(t, first.Path)["app.db"], "earlier package must not be overwritten")
	assert.Equal(t, "v2", extractPackage(t, second.Path)["app.db"])
}

func TestCreateBackupWithoutHardLinks(t *testing.T) {
	ts := time.Date(2026, 4, 1, 9, 30, 15, 0, time.UTC)
	f := newFixture(t, fixedClock(ts))
	f.engine.link = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "link", Old: oldpath, New: newpath, Err: errors.New("operation not supported")}
	}

	writeTree(t, f.dataDir, map[string]string{"app.db": "v1"})
	first, err := f.engine.CreateBackup(context.Background())
	require.NoError(t, err)

	writeTree(t, f.dataDir, map[string]string{"app.db": "v2"})
	second, err := f.engine.CreateBackup(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "backup-2026-04-01T09-30-15.000Z.tar.gz", first.Name)
	assert.Equal(t, "backup-2026-04-01T09-30-15.000Z-1.tar.gz", second.Name)
	assert.Equal(t, "v1", extractPackage(t, first.Path)["app.db"])
	assert.Equal(t, "v2", extractPackage(t, second.Path)["app.db"])

	entries, err := os.ReadDir(f.backupDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no partial files left behind")
}

func TestCreateBackupCancelled(t *testing.T) {
	f := newFixture(t, nil)
	writeTree(t, f.dataDir, map[string]string{"app.db": "rows"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.CreateBackup(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	list, err := f.engine.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListBackupsMissingDir(t *testing.T) {
	f := newFixture(t, nil)
	list, err := f.engine.ListBackups()
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestListBackupsNewestFirst(t *testing.T) {
	f := newFixture(t, nil)
	writeTree(t, f.dataDir, map[string]string{"app.db": "rows"})

	var created []*Package
	for i := 0; i < 3; i++ {
		f.engine.now = fixedClock(time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC))
		pkg, err := f.engine.CreateBackup(context.Background())
		require.NoError(t, err)
		created = append(created, pkg)
	}

	// Modification time decides the order, not the name.
	base := time.Now().Add(-time.Hour)
	t1, t2, t3 := base, base.Add(time.Minute), base.Add(2*time.Minute)
	require.NoError(t, os.Chtimes(created[0].Path, t2, t2))
	require.NoError(t, os.Chtimes(created[1].Path, t3, t3))
	require.NoError(t, os.Chtimes(created[2].Path, t1, t1))

	// Foreign files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(f.backupDir, "notes.txt"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(f.backupDir, ".partial-123"), []byte("x"), 0600))
	require.NoError(t, os.Mkdir(filepath.Join(f.backupDir, "dir.tar.gz"), 0700))

	list, err := f.engine.ListBackups()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, created[1].Name, list[0].Name)
	assert.Equal(t, created[0].Name, list[1].Name)
	assert.Equal(t, created[2].Name, list[2].Name)
	for _, p := range list {
		assert.Positive(t, p.Size)
	}
}

func TestListBackupsEqualModTimesNewestFirst(t *testing.T) {
	clock := fixedClock(time.Date(2026, 4, 1, 9, 30, 15, 0, time.UTC))
	f := newFixture(t, clock)
	writeTree(t, f.dataDir, map[string]string{"app.db": "rows"})

	var created []string
	for i := 0; i < 3; i++ {
		pkg, err := f.engine.CreateBackup(context.Background())
		require.NoError(t, err)
		created = append(created, pkg.Name)
	}

	later := time.Date(2026, 4, 1, 9, 31, 0, 0, time.UTC)
	safety := filepath.Join(f.backupDir, fmt.Sprintf("pre-restore-%d.tar.gz", later.UnixMilli()))
	require.NoError(t, os.WriteFile(safety, []byte("x"), 0600))
	earlier := filepath.Join(f.backupDir, "backup-2026-04-01T09-29-59.999Z.tar.gz")
	require.NoError(t, os.WriteFile(earlier, []byte("x"), 0600))
	foreign := filepath.Join(f.backupDir, "backup-manual.tar.gz")
	require.NoError(t, os.WriteFile(foreign, []byte("x"), 0600))

	// Second-granularity filesystems report the same mtime for all of them.
	same := time.Now().Truncate(time.Second)
	entries, err := os.ReadDir(f.backupDir)
	require.NoError(t, err)
	for _, entry := range entries {
		path := filepath.Join(f.backupDir, entry.Name())
		require.NoError(t, os.Chtimes(path, same, same))
	}

	list, err := f.engine.ListBackups()
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, p := range list {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{
		filepath.Base(safety),
		created[2],
		created[1],
		created[0],
		filepath.Base(earlier),
		filepath.Base(foreign),
	}, names)
	assert.Equal(t, "backup-2026-04-01T09-30-15.000Z-2.tar.gz", created[2])
}

func TestParseName(t *testing.T) {
	stamp := time.Date(2026, 4, 1, 9, 30, 15, 0, time.UTC)
	tests := []struct {
		name  string
		stamp time.Time
		seq   int
		ok    bool
	}{
		{"backup-2026-04-01T09-30-15.000Z.tar.gz", stamp, 0, true},
		{"backup-2026-04-01T09-30-15.000Z-12.tar.gz", stamp, 12, true},
		{fmt.Sprintf("pre-restore-%d.tar.gz", stamp.UnixMilli()), stamp, 0, true},
		{fmt.Sprintf("pre-restore-%d-3.tar.gz", stamp.UnixMilli()), stamp, 3, true},
		{"backup-manual.tar.gz", time.Time{}, 0, false},
		{"notes.txt", time.Time{}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, seq, ok := parseName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.seq, seq)
			assert.True(t, tt.stamp.Equal(got), "got %s", got)
		})
	}
}

func TestResolvePackage(t *testing.T) {
	f := newFixture(t, nil)
	writeTree(t, f.dataDir, map[string]string{"app.db": "rows"})
	pkg, err := f.engine.CreateBackup(context.Background())
	require.NoError(t, err)

	byName, err := f.engine.ResolvePackage(pkg.Name)
	require.NoError(t, err)
	assert.Equal(t, pkg.Path, byName.Path)

	byPath, err := f.engine.ResolvePackage(pkg.Path)
	require.NoError(t, err)
	assert.Equal(t, pkg.Name, byPath.Name)

	_, err = f.engine.ResolvePackage("backup-missing.tar.gz")
	assert.Error(t, err)

	_, err = f.engine.ResolvePackage(f.dataDir)
	assert.Error(t, err)
}

func TestRestoreHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	writeTree(t, f.dataDir, map[string]string{"app.db": "before", "keep/me.txt": "old"})
	pkg, err := f.engine.CreateBackup(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(f.dataDir))
	writeTree(t, f.dataDir, map[string]string{"app.db": "after", "new.txt": "added later"})

	result, err := f.engine.Restore(context.Background(), pkg.Path)
	require.NoError(t, err)
	assert.Equal(t, StateRestored, result.State)
	assert.Equal(t, pkg.Path, result.Source)
	assert.Equal(t, 3, result.Entries)
	assert.NotEmpty(t, result.ID)
	assert.False(t, result.FinishedAt.Before(result.StartedAt))

	assert.Equal(t, map[string]string{"app.db": "before", "keep/me.txt": "old"}, readTree(t, f.dataDir))

	require.NotNil(t, result.SafetyPackage)
	assert.True(t, result.SafetyPackage.IsSafety())
	assert.Equal(t, map[string]string{"app.db": "after", "new.txt": "added later"}, extractPackage(t, result.SafetyPackage.Path))

	assert.Empty(t, siblings(t, f), "staging and previous trees must be cleaned up")
}

func TestRestoreIntoMissingDataDir(t *testing.T) {
	f := newFixture(t, nil)
	writeTree(t, f.dataDir, map[string]string{"app.db": "rows"})
	pkg, err := f.engine.CreateBackup(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(f.dataDir))

	result, err := f.engine.Restore(context.Background(), pkg.Path)
	require.NoError(t, err)
	assert.Equal(t, StateRestored, result.State)
	assert.Equal(t, map[string]string{"app.db": "rows"}, readTree(t, f.dataDir))
	assert.Empty(t, extractPackage(t, result.SafetyPackage.Path))
}

func TestRestoreSafetyInvariant(t *testing.T) {
	sources := map[string]func(t *testing.T, f *fixture) string{
		"Valid": func(t *testing.T, f *fixture) string {
			pkg, err := f.engine.CreateBackup(context.Background())
			require.NoError(t, err)
			return pkg.Path
		},
		"Corrupt": func(t *testing.T, f *fixture) string {
			path := filepath.Join(f.root, "corrupt.tar.gz")
			require.NoError(t, os.WriteFile(path, []byte("not an archive"), 0600))
			return path
		},
		"Missing": func(t *testing.T, f *fixture) string {
			return filepath.Join(f.root, "missing.tar.gz")
		},
	}

	for name, source := range sources {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			writeTree(t, f.dataDir, map[string]string{"app.db": "rows"})
			src := source(t, f)

			start := time.Now()
			result, _ := f.engine.Restore(context.Background(), src)
			require.NotNil(t, result)
			require.NotNil(t, result.SafetyPackage)

			list, err := f.engine.ListBackups()
			require.NoError(t, err)

			var found bool
			for _, p := range list {
				if !p.IsSafety() {
					continue
				}
				ms, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(p.Name, safetyPrefix), Extension), 10, 64)
				require.NoError(t, err)
				if ms >= start.UnixMilli() && !p.ModTime.Before(start.Add(-time.Second)) {
					found = true
				}
			}
			assert.True(t, found, "a safety package dated at or after the attempt must exist")
		})
	}
}

func TestRestoreExtractionFailureLeavesDataIntact(t *testing.T) {
	f := newFixture(t, nil)
	original := map[string]string{"app.db": "live rows", "invoices/1.pdf": "pdf"}
	writeTree(t, f.dataDir, original)

	// A valid first entry followed by a traversal entry fails midway.
	bad := buildArchive(t, []tarEntry{
		{name: "app.db", typeflag: tar.TypeReg, body: "restored"},
		{name: "../../outside.txt", typeflag: tar.TypeReg, body: "x"},
	})
	source := filepath.Join(f.root, "bad.tar.gz")
	require.NoError(t, os.WriteFile(source, bad, 0600))

	result, err := f.engine.Restore(context.Background(), source)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtractFailed)
	assert.ErrorIs(t, err, ErrUnsafePath)
	assert.Equal(t, StateFailed, result.State)

	assert.Equal(t, original, readTree(t, f.dataDir))
	require.NotNil(t, result.SafetyPackage)
	assert.Equal(t, original, extractPackage(t, result.SafetyPackage.Path))
	assert.Empty(t, siblings(t, f), "staging must be removed")
}

func TestRestoreTruncatedPackage(t *testing.T) {
	f := newFixture(t, nil)
	writeTree(t, f.dataDir, map[string]string{"app.db": strings.Repeat("row\n", 4096)})
	pkg, err := f.engine.CreateBackup(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(pkg.Path)
	require.NoError(t, err)
	truncated := filepath.Join(f.root, "truncated.tar.gz")
	require.NoError(t, os.WriteFile(truncated, data[:len(data)/2], 0600))

	writeTree(t, f.dataDir, map[string]string{"app.db": "current"})

	result, err := f.engine.Restore(context.Background(), truncated)
	assert.ErrorIs(t, err, ErrExtractFailed)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, map[string]string{"app.db": "current"}, readTree(t, f.dataDir))
}

func TestRestoreAbortsWhenSafetyBackupFails(t *testing.T) {
	f := newFixture(t, nil)
	writeTree(t, f.dataDir, map[string]string{"app.db": "rows"})
	pkg, err := f.engine.CreateBackup(context.Background())
	require.NoError(t, err)

	// A file where the backups directory should be makes the safety step fail.
	blocked := filepath.Join(f.root, "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0600))
	f.engine.backupDir = filepath.Join(blocked, "backups")

	writeTree(t, f.dataDir, map[string]string{"app.db": "current"})

	result, err := f.engine.Restore(context.Background(), pkg.Path)
	assert.ErrorIs(t, err, ErrSafetyBackupFailed)
	assert.Equal(t, StateAborted, result.State)
	assert.Nil(t, result.SafetyPackage)
	assert.Equal(t, map[string]string{"app.db": "current"}, readTree(t, f.dataDir))
	assert.Empty(t, siblings(t, f), "nothing may be staged after an abort")
}

func TestRestoreCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, nil)
	writeTree(t, f.dataDir, map[string]string{"app.db": "rows"})
	pkg, err := f.engine.CreateBackup(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.engine.Restore(ctx, pkg.Path)
	assert.ErrorIs(t, err, ErrSafetyBackupFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAborted, result.State)
	assert.Equal(t, map[string]string{"app.db": "rows"}, readTree(t, f.dataDir))
}

func TestRestoreSwapRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	writeTree(t, f.dataDir, map[string]string{"app.db": "backup"})
	pkg, err := f.engine.CreateBackup(context.Background())
	require.NoError(t, err)
	writeTree(t, f.dataDir, map[string]string{"app.db": "live"})

	f.engine.rename = func(oldpath, newpath string) error {
		if strings.Contains(filepath.Base(oldpath), ".restore-") {
			return errors.New("simulated rename failure")
		}
		return os.Rename(oldpath, newpath)
	}

	result, err := f.engine.Restore(context.Background(), pkg.Path)
	assert.ErrorIs(t, err, ErrSwapFailed)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, map[string]string{"app.db": "live"}, readTree(t, f.dataDir))
	assert.Empty(t, siblings(t, f))
}

func TestRestoreInconsistentState(t *testing.T) {
	f := newFixture(t, nil)
	writeTree(t, f.dataDir, map[string]string{"app.db": "backup"})
	pkg, err := f.engine.CreateBackup(context.Background())
	require.NoError(t, err)
	writeTree(t, f.dataDir, map[string]string{"app.db": "live"})

	f.engine.rename = func(oldpath, newpath string) error {
		if newpath == f.dataDir {
			return fmt.Errorf("simulated rename failure for %s", filepath.Base(oldpath))
		}
		return os.Rename(oldpath, newpath)
	}

	result, err := f.engine.Restore(context.Background(), pkg.Path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInconsistentState)
	assert.Equal(t, StateInconsistent, result.State)
	require.NotNil(t, result.SafetyPackage)
	assert.Contains(t, err.Error(), result.SafetyPackage.Path)

	// Both trees are kept for manual recovery.
	assert.Len(t, siblings(t, f), 2)
	assert.NoDirExists(t, f.dataDir)
	assert.Equal(t, map[string]string{"app.db": "live"}, extractPackage(t, result.SafetyPackage.Path))
}

func TestRestoreRejectsTraversalWithoutTouchingParent(t *testing.T) {
	f := newFixture(t, nil)
	writeTree(t, f.dataDir, map[string]string{"app.db": "rows"})

	evil := buildArchive(t, []tarEntry{{name: "../escape.txt", typeflag: tar.TypeReg, body: "x"}})
	source := filepath.Join(f.root, "evil.tar.gz")
	require.NoError(t, os.WriteFile(source, evil, 0600))

	_, err := f.engine.Restore(context.Background(), source)
	assert.ErrorIs(t, err, ErrUnsafePath)
	assert.NoFileExists(t, filepath.Join(f.root, "escape.txt"))
}
