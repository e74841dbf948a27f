package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for archive entries that would land outside the
// extraction root
var ErrUnsafePath = errors.New("archive entry escapes extraction root")

// writeArchive streams the tree under root into w as tar.gz. Paths in the
// archive are relative to root. A missing root produces an empty archive.
func writeArchive(ctx context.Context, w io.Writer, root string) (int, error) {
	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	count, walkErr := addTree(ctx, tarWriter, root)

	if err := tarWriter.Close(); err != nil && walkErr == nil {
		walkErr = fmt.Errorf("closing tar writer: %w", err)
	}
	if err := gzWriter.Close(); err != nil && walkErr == nil {
		walkErr = fmt.Errorf("closing gzip writer: %w", err)
	}
	return count, walkErr
}

func addTree(ctx context.Context, tw *tar.Writer, root string) (int, error) {
	if _, err := os.Lstat(root); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("getting relative path: %w", err)
		}
		if err := addEntry(tw, path, filepath.ToSlash(relPath), d); err != nil {
			return fmt.Errorf("adding %s to archive: %w", relPath, err)
		}
		count++
		return nil
	})
	return count, err
}

// addEntry writes one directory, regular file or symlink. Sockets, devices
// and pipes are skipped.
func addEntry(tw *tar.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	var link string
	switch {
	case info.Mode().IsRegular(), info.IsDir():
	case info.Mode()&fs.ModeSymlink != 0:
		if link, err = os.Readlink(path); err != nil {
			return fmt.Errorf("reading symlink: %w", err)
		}
	default:
		return nil
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("creating tar header: %w", err)
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}
	// Ownership does not survive a restore onto another account.
	header.Uid, header.Gid = 0, 0
	header.Uname, header.Gname = "", ""

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("writing file contents: %w", err)
	}
	return nil
}

// extractArchive unpacks a tar.gz stream into dest, which must exist.
// Cancellation is checked between entries.
func extractArchive(ctx context.Context, r io.Reader, dest string) (int, error) {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	root := filepath.Clean(dest)
	count := 0

	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("reading tar header: %w", err)
		}

		target, err := safeJoin(root, header.Name)
		if err != nil {
			return count, err
		}
		if target == root {
			continue
		}

		if err := extractEntry(tarReader, header, root, target); err != nil {
			return count, fmt.Errorf("extracting %s: %w", header.Name, err)
		}
		count++
	}
}

func extractEntry(tr *tar.Reader, header *tar.Header, root, target string) error {
	// Nothing is ever written through a link on disk, whatever it points at.
	if err := refuseLinkedParents(root, filepath.Dir(target)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	switch header.Typeflag {
	case tar.TypeDir:
		if err := refuseLinkedParents(root, target); err != nil {
			return err
		}
		return os.MkdirAll(target, entryMode(header.Mode, 0700))

	case tar.TypeReg:
		return extractFile(tr, target, entryMode(header.Mode, 0600))

	case tar.TypeSymlink:
		if filepath.IsAbs(header.Linkname) {
			return fmt.Errorf("%w: absolute symlink target %q", ErrUnsafePath, header.Linkname)
		}
		ok, err := linkTargetWithin(root, filepath.Dir(target), header.Linkname)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: symlink target %q", ErrUnsafePath, header.Linkname)
		}
		return os.Symlink(header.Linkname, target)

	default:
		return fmt.Errorf("unsupported entry type %q", string(header.Typeflag))
	}
}

// refuseLinkedParents fails when any existing component of dir below root
// is a symlink
func refuseLinkedParents(root, dir string) error {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("%w: %s", ErrUnsafePath, dir)
	}
	if rel == "." {
		return nil
	}

	current := root
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("checking %s: %w", current, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s is a symlink", ErrUnsafePath, filepath.ToSlash(rel))
		}
	}
	return nil
}

// linkTargetWithin walks linkname from dir one component at a time,
// following links already on disk, and reports whether every step stays
// under root.
func linkTargetWithin(root, dir, linkname string) (bool, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false, fmt.Errorf("resolving extraction root: %w", err)
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false, nil
	}

	current := filepath.Join(realRoot, rel)
	missing := false
	for _, part := range strings.Split(filepath.ToSlash(linkname), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			// Past a missing component the real parent is only known once a
			// later entry creates it, possibly as a link.
			if missing {
				return false, nil
			}
			current = filepath.Dir(current)
		default:
			current = filepath.Join(current, part)
		}
		if !within(realRoot, current) {
			return false, nil
		}

		if missing {
			continue
		}
		info, err := os.Lstat(current)
		if errors.Is(err, fs.ErrNotExist) {
			missing = true
			continue
		}
		if err != nil {
			return false, fmt.Errorf("checking %s: %w", current, err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		resolved, err := filepath.EvalSymlinks(current)
		if err != nil {
			// A dangling link cannot be proven to stay inside.
			return false, nil
		}
		if !within(realRoot, resolved) {
			return false, nil
		}
		current = resolved
	}
	return true, nil
}

func extractFile(tr *tar.Reader, target string, mode os.FileMode) error {
	outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}

	if _, err := io.Copy(outFile, tr); err != nil {
		_ = outFile.Close()
		return fmt.Errorf("writing file contents: %w", err)
	}
	return outFile.Close()
}

// safeJoin resolves an archive entry name under root, rejecting absolute
// names and any name that climbs out of root
func safeJoin(root, name string) (string, error) {
	clean := filepath.FromSlash(name)
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(root, clean)
	if !within(root, target) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func within(root, path string) bool {
	path = filepath.Clean(path)
	return path == root || strings.HasPrefix(path, root+string(os.PathSeparator))
}

func entryMode(mode int64, fallback os.FileMode) os.FileMode {
	if mode <= 0 || mode > 0777 {
		return fallback
	}
	return os.FileMode(mode)
}
