// Package backup archives the application's data directory into timestamped
// tar.gz packages and restores it from them.
//
// Restores never modify the live directory in place. The package is extracted
// into a staging directory next to it, and only a fully extracted tree is
// swapped in by rename. Every restore first writes a pre-restore safety
// package of the current tree.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// Extension is the file extension of every package
	Extension = ".tar.gz"

	backupPrefix = "backup-"
	safetyPrefix = "pre-restore-"
	nameLayout   = "2006-01-02T15-04-05.000Z"

	dirPermissions = 0700
	maxNameRetries = 1000
)

var (
	// ErrSafetyBackupFailed aborts a restore before anything was changed
	ErrSafetyBackupFailed = errors.New("safety backup failed, restore aborted")
	// ErrExtractFailed means the package could not be unpacked; the data
	// directory was not modified
	ErrExtractFailed = errors.New("failed to extract backup package, data directory unchanged")
	// ErrSwapFailed means the extracted tree could not be moved into place
	// and the original data directory was put back
	ErrSwapFailed = errors.New("failed to swap restored data into place, data directory unchanged")
	// ErrInconsistentState means the original data directory could not be
	// put back after a failed swap. Recover from the safety package.
	ErrInconsistentState = errors.New("restore left the data directory in an inconsistent state")
)

// Package is one backup archive on disk
type Package struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// IsSafety reports whether the package was written automatically before a restore
func (p Package) IsSafety() bool {
	return strings.HasPrefix(p.Name, safetyPrefix)
}

// RestoreState tracks how far a restore got
type RestoreState string

const (
	StateSafetyBackup RestoreState = "safety_backup_in_progress"
	StateAborted      RestoreState = "aborted"
	StateExtracting   RestoreState = "extracting"
	StateFailed       RestoreState = "failed"
	StateSwapping     RestoreState = "swapping"
	StateInconsistent RestoreState = "inconsistent"
	StateRestored     RestoreState = "restored"
)

// RestoreResult describes a restore attempt. SafetyPackage is set whenever the
// safety step completed, including on failure.
type RestoreResult struct {
	ID            string
	State         RestoreState
	Source        string
	SafetyPackage *Package
	Entries       int
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Options configures an Engine
type Options struct {
	DataDir   string
	BackupDir string
	Logger    logrus.FieldLogger
	// Clock defaults to time.Now
	Clock func() time.Time
}

// Engine creates, lists and restores backup packages
type Engine struct {
	dataDir   string
	backupDir string
	log       logrus.FieldLogger
	now       func() time.Time

	rename func(oldpath, newpath string) error
	link   func(oldpath, newpath string) error
}

// NewEngine creates an Engine
func NewEngine(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		dataDir:   filepath.Clean(opts.DataDir),
		backupDir: filepath.Clean(opts.BackupDir),
		log:       log.WithField("component", "backup"),
		now:       clock,
		rename:    os.Rename,
		link:      os.Link,
	}
}

// DataDir returns the directory archived and replaced by the engine
func (e *Engine) DataDir() string { return e.dataDir }

// BackupDir returns the directory holding packages
func (e *Engine) BackupDir() string { return e.backupDir }

// CreateBackup archives the data directory into a new backup package
func (e *Engine) CreateBackup(ctx context.Context) (*Package, error) {
	stamp := e.now().UTC().Format(nameLayout)
	pkg, err := e.createPackage(ctx, backupPrefix+stamp)
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"package": pkg.Name,
		"size":    pkg.Size,
	}).Info("backup created")
	return pkg, nil
}

// ListBackups returns all packages in the backups directory, newest first.
// Ties on modification time are broken by name, descending.
func (e *Engine) ListBackups() ([]Package, error) {
	entries, err := os.ReadDir(e.backupDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Package{}, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	packages := make([]Package, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasSuffix(name, Extension) || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		packages = append(packages, Package{
			Name:    name,
			Path:    filepath.Join(e.backupDir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	// Coarse filesystem clocks give equal mtimes; the name then decides.
	sort.SliceStable(packages, func(i, j int) bool {
		a, b := packages[i], packages[j]
		if !a.ModTime.Equal(b.ModTime) {
			return a.ModTime.After(b.ModTime)
		}
		aStamp, aSeq, aOK := parseName(a.Name)
		bStamp, bSeq, bOK := parseName(b.Name)
		if aOK && bOK {
			if !aStamp.Equal(bStamp) {
				return aStamp.After(bStamp)
			}
			if aSeq != bSeq {
				return aSeq > bSeq
			}
		}
		if aOK != bOK {
			return aOK
		}
		return a.Name > b.Name
	})
	return packages, nil
}

// parseName recovers the creation time and collision suffix from a package
// name written by this engine
func parseName(name string) (time.Time, int, bool) {
	stem, ok := strings.CutSuffix(name, Extension)
	if !ok {
		return time.Time{}, 0, false
	}

	var parse func(string) (time.Time, error)
	switch {
	case strings.HasPrefix(stem, backupPrefix):
		stem = strings.TrimPrefix(stem, backupPrefix)
		parse = func(s string) (time.Time, error) { return time.Parse(nameLayout, s) }
	case strings.HasPrefix(stem, safetyPrefix):
		stem = strings.TrimPrefix(stem, safetyPrefix)
		parse = func(s string) (time.Time, error) {
			ms, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return time.Time{}, err
			}
			return time.UnixMilli(ms), nil
		}
	default:
		return time.Time{}, 0, false
	}

	if stamp, err := parse(stem); err == nil {
		return stamp, 0, true
	}
	idx := strings.LastIndex(stem, "-")
	if idx < 0 {
		return time.Time{}, 0, false
	}
	seq, err := strconv.Atoi(stem[idx+1:])
	if err != nil || seq < 1 {
		return time.Time{}, 0, false
	}
	stamp, err := parse(stem[:idx])
	if err != nil {
		return time.Time{}, 0, false
	}
	return stamp, seq, true
}

// ResolvePackage maps a name in the backups directory, or any path, to a
// package. Bare names are looked up in the backups directory first.
func (e *Engine) ResolvePackage(nameOrPath string) (*Package, error) {
	candidates := []string{nameOrPath}
	if !strings.ContainsRune(nameOrPath, os.PathSeparator) && !strings.Contains(nameOrPath, "/") {
		candidates = []string{filepath.Join(e.backupDir, nameOrPath), nameOrPath}
	}

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("backup package %s is not a regular file", path)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		return &Package{
			Name:    filepath.Base(abs),
			Path:    abs,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}, nil
	}
	return nil, fmt.Errorf("backup package not found: %s", nameOrPath)
}

// Restore replaces the data directory with the contents of the package at
// source. The steps run in a fixed order: safety package, extraction into
// staging, swap. Cancellation is honoured until the swap starts.
func (e *Engine) Restore(ctx context.Context, source string) (*RestoreResult, error) {
	result := &RestoreResult{
		ID:        uuid.New().String(),
		State:     StateSafetyBackup,
		Source:    source,
		StartedAt: e.now(),
	}
	log := e.log.WithFields(logrus.Fields{
		"restore_id": result.ID,
		"source":     source,
	})
	finish := func(state RestoreState) {
		result.State = state
		result.FinishedAt = e.now()
	}

	safety, err := e.createPackage(ctx, fmt.Sprintf("%s%d", safetyPrefix, e.now().UnixMilli()))
	if err != nil {
		finish(StateAborted)
		log.WithError(err).Error("safety backup failed, restore aborted")
		return result, fmt.Errorf("%w: %w", ErrSafetyBackupFailed, err)
	}
	result.SafetyPackage = safety
	log = log.WithField("safety_package", safety.Path)
	log.Info("safety backup created")

	result.State = StateExtracting
	staging, count, err := e.extractToStaging(ctx, source, result.ID)
	if err != nil {
		finish(StateFailed)
		log.WithError(err).Error("extraction failed, data directory unchanged")
		return result, fmt.Errorf("%w: %w", ErrExtractFailed, err)
	}
	result.Entries = count

	if err := ctx.Err(); err != nil {
		_ = os.RemoveAll(staging)
		finish(StateFailed)
		log.WithError(err).Warn("restore cancelled before swap")
		return result, fmt.Errorf("%w: %w", ErrExtractFailed, err)
	}

	result.State = StateSwapping
	if err := e.swap(staging, result.ID, log); err != nil {
		if errors.Is(err, ErrInconsistentState) {
			finish(StateInconsistent)
			return result, fmt.Errorf("%w (recover from %s)", err, safety.Path)
		}
		finish(StateFailed)
		return result, err
	}

	finish(StateRestored)
	log.WithField("entries", count).Info("restore completed")
	return result, nil
}

func (e *Engine) extractToStaging(ctx context.Context, source, id string) (string, int, error) {
	file, err := os.Open(source)
	if err != nil {
		return "", 0, fmt.Errorf("opening package: %w", err)
	}
	defer file.Close()

	parent := filepath.Dir(e.dataDir)
	if err := os.MkdirAll(parent, dirPermissions); err != nil {
		return "", 0, fmt.Errorf("creating data directory parent: %w", err)
	}

	perm := os.FileMode(dirPermissions)
	if info, err := os.Stat(e.dataDir); err == nil {
		perm = info.Mode().Perm()
	}

	staging := e.siblingPath("restore", id)
	if err := os.Mkdir(staging, perm); err != nil {
		return "", 0, fmt.Errorf("creating staging directory: %w", err)
	}

	count, err := extractArchive(ctx, file, staging)
	if err != nil {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			e.log.WithError(rmErr).WithField("staging", staging).Warn("failed to remove staging directory")
		}
		return "", count, err
	}
	return staging, count, nil
}

// swap moves staging over the data directory. The live tree is first renamed
// aside so it can be put back if the second rename fails.
func (e *Engine) swap(staging, id string, log logrus.FieldLogger) error {
	previous := e.siblingPath("previous", id)

	hadLive := true
	if err := e.rename(e.dataDir, previous); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			_ = os.RemoveAll(staging)
			log.WithError(err).Error("failed to move data directory aside")
			return fmt.Errorf("%w: %w", ErrSwapFailed, err)
		}
		hadLive = false
	}

	if err := e.rename(staging, e.dataDir); err != nil {
		if !hadLive {
			_ = os.RemoveAll(staging)
			return fmt.Errorf("%w: %w", ErrSwapFailed, err)
		}
		if rbErr := e.rename(previous, e.dataDir); rbErr != nil {
			log.WithError(rbErr).WithFields(logrus.Fields{
				"previous": previous,
				"staging":  staging,
			}).Error("failed to put original data directory back")
			return fmt.Errorf("%w: original tree at %s, restored tree at %s: %w", ErrInconsistentState, previous, staging, rbErr)
		}
		_ = os.RemoveAll(staging)
		log.WithError(err).Error("failed to move restored data into place, original put back")
		return fmt.Errorf("%w: %w", ErrSwapFailed, err)
	}

	if hadLive {
		if err := os.RemoveAll(previous); err != nil {
			log.WithError(err).WithField("previous", previous).Warn("failed to remove previous data directory")
		}
	}
	return nil
}

// siblingPath names a hidden directory next to the data directory, on the
// same filesystem so renames stay atomic
func (e *Engine) siblingPath(kind, id string) string {
	base := filepath.Base(e.dataDir)
	return filepath.Join(filepath.Dir(e.dataDir), fmt.Sprintf(".%s.%s-%s", base, kind, id))
}

// createPackage writes the data directory to a temp file in the backups
// directory and links it under the first free name derived from stem
func (e *Engine) createPackage(ctx context.Context, stem string) (*Package, error) {
	if err := os.MkdirAll(e.backupDir, dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	tmp, err := os.CreateTemp(e.backupDir, ".partial-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp package: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := writeArchive(ctx, tmp, e.dataDir); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("failed to archive %s: %w", e.dataDir, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("failed to sync package: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close package: %w", err)
	}

	path, err := e.claimName(tmpPath, stem)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat package: %w", err)
	}
	return &Package{
		Name:    filepath.Base(path),
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// claimName hard-links tmpPath to stem.tar.gz, or stem-N.tar.gz when taken.
// Link fails on an existing name, so a package is never overwritten. On
// filesystems without hard links an exclusive placeholder reserves the name
// and tmpPath is renamed over it.
func (e *Engine) claimName(tmpPath, stem string) (string, error) {
	linked := true
	for n := 0; n < maxNameRetries; n++ {
		name := stem + Extension
		if n > 0 {
			name = fmt.Sprintf("%s-%d%s", stem, n, Extension)
		}
		path := filepath.Join(e.backupDir, name)

		if linked {
			err := e.link(tmpPath, path)
			if err == nil {
				return path, nil
			}
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			e.log.WithError(err).Debug("hard links unavailable, reserving package names with placeholders")
			linked = false
		}

		placeholder, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to publish package: %w", err)
		}
		_ = placeholder.Close()
		if err := e.rename(tmpPath, path); err != nil {
			_ = os.Remove(path)
			return "", fmt.Errorf("failed to publish package: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("failed to publish package: no free name for %s", stem)
}
