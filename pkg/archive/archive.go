// Package archive reads and writes the tar.gz snapshots of the application
// data directory.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrCorrupt marks an archive that could not be decoded.
var ErrCorrupt = errors.New("corrupt archive")

// Create writes a tar.gz of everything under sourceDir to archivePath and
// returns the size of the compressed file. Entry names are relative to
// sourceDir. A partial archive is removed on error.
func Create(archivePath, sourceDir string) (size int64, err error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return 0, fmt.Errorf("source %q: %w", sourceDir, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("source %q is not a directory", sourceDir)
	}
	if within(filepath.Clean(sourceDir), filepath.Clean(archivePath)) {
		return 0, fmt.Errorf("archive %q must not be inside %q", archivePath, sourceDir)
	}

	file, err := os.Create(archivePath)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(archivePath)
		}
	}()

	gzWriter := gzip.NewWriter(file)
	tarWriter := tar.NewWriter(gzWriter)

	err = filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("creating tar header for %s: %w", path, err)
		}

		relPath, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)
		if info.IsDir() && header.Name != "." {
			header.Name += "/"
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("writing tar header: %w", err)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tarWriter, f)
		return err
	})
	if err != nil {
		return 0, err
	}

	if err = tarWriter.Close(); err != nil {
		return 0, fmt.Errorf("closing tar stream: %w", err)
	}
	if err = gzWriter.Close(); err != nil {
		return 0, fmt.Errorf("closing gzip stream: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		return 0, err
	}
	if err = file.Close(); err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// Extract unpacks a tar.gz archive into targetDir, creating it if needed.
// Every write goes through an os.Root on targetDir, and entries that would
// land outside it, directly or through a symlink, are rejected. Decoding
// failures wrap ErrCorrupt.
func Extract(archivePath, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("creating target dir: %w", err)
	}
	root, err := os.OpenRoot(targetDir)
	if err != nil {
		return fmt.Errorf("opening target dir: %w", err)
	}
	defer root.Close()

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: gzip header: %v", ErrCorrupt, err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: reading tar: %v", ErrCorrupt, err)
		}

		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if filepath.IsAbs(hdr.Name) || (name != "." && !filepath.IsLocal(name)) {
			return fmt.Errorf("illegal path in archive: %s", hdr.Name)
		}
		linked, err := underSymlink(root, name)
		if err != nil {
			return err
		}
		if linked {
			return fmt.Errorf("illegal path in archive: %s is below a symlink", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(name, 0755); err != nil {
				return err
			}
			if err := root.Chmod(name, os.FileMode(hdr.Mode).Perm()|0700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := root.MkdirAll(filepath.Dir(name), 0755); err != nil {
				return err
			}
			if err := writeFile(root, name, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if name == "." {
				return fmt.Errorf("illegal symlink in archive: %s", hdr.Name)
			}
			dest := hdr.Linkname
			if filepath.IsAbs(dest) || !filepath.IsLocal(filepath.Join(filepath.Dir(name), dest)) {
				return fmt.Errorf("illegal symlink in archive: %s -> %s", hdr.Name, hdr.Linkname)
			}
			if err := root.MkdirAll(filepath.Dir(name), 0755); err != nil {
				return err
			}
			if err := root.Symlink(hdr.Linkname, name); err != nil {
				return err
			}
		}
	}

	return nil
}

// underSymlink reports whether any parent directory of name inside root is a
// symlink. The parents of an entry written by Create are always real
// directories.
func underSymlink(root *os.Root, name string) (bool, error) {
	for dir := filepath.Dir(name); dir != "."; dir = filepath.Dir(dir) {
		info, err := root.Lstat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return false, err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return true, nil
		}
	}
	return false, nil
}

func writeFile(root *os.Root, name string, r io.Reader, mode os.FileMode) error {
	out, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		if isDecodeError(err) {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
		}
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return root.Chmod(name, mode)
}

func isDecodeError(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, gzip.ErrChecksum) ||
		errors.Is(err, gzip.ErrHeader) ||
		errors.Is(err, tar.ErrHeader)
}

// within reports whether path is base or lies below it.
func within(base, path string) bool {
	return path == base || strings.HasPrefix(path, base+string(os.PathSeparator))
}
