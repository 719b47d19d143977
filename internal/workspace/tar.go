package workspace

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxSnapshotFileSize caps a single extracted file to guard against
// decompression bombs (1 GB).
const maxSnapshotFileSize = 1 << 30

// packTarGz writes srcDir as a gzipped tarball to w. Entry names are
// slash-separated and relative to srcDir.
func packTarGz(w io.Writer, srcDir string) error {
	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if d.Type()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tarWriter, f)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("failed to archive %s: %w", rel, err)
		}
		return closeErr
	})
	if err != nil {
		return err
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

// extractTarGz decompresses and extracts a tar.gz stream into destDir.
func extractTarGz(r io.Reader, destDir string) error {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer func() { _ = gzReader.Close() }()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}
		if err := extractEntry(tarReader, header, destDir); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(tr *tar.Reader, header *tar.Header, destDir string) error {
	// Reject path traversal in entry names.
	cleanName := filepath.Clean(header.Name)
	if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
		return fmt.Errorf("invalid tar entry path: %s", header.Name)
	}
	target := filepath.Join(destDir, cleanName)

	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(header.Mode))
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
		if err != nil {
			return fmt.Errorf("failed to create file %s: %w", target, err)
		}
		_, err = io.Copy(f, io.LimitReader(tr, maxSnapshotFileSize))
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("failed to write file %s: %w", target, err)
		}
		return closeErr
	case tar.TypeSymlink:
		// Validate the symlink target stays inside destDir.
		linkTarget := filepath.Join(filepath.Dir(target), header.Linkname)
		if !strings.HasPrefix(filepath.Clean(linkTarget), filepath.Clean(destDir)) {
			return fmt.Errorf("symlink %s -> %s escapes snapshot directory", header.Name, header.Linkname)
		}
		_ = os.Remove(target)
		return os.Symlink(header.Linkname, target)
	default:
		// Sockets, devices and the like have no place in a workspace snapshot.
		return nil
	}
}
