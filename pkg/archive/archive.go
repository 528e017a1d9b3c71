// Package archive extracts and creates the zip containers IPAs are shipped in.
//
// It knows nothing about app bundles; callers decide what to do with the
// extracted tree.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/aluedeke/ipa-resign/pkg/ipaerr"
)

// Entry describes a single member of an archive.
type Entry struct {
	Name  string
	Size  uint64
	Mode  fs.FileMode
	IsDir bool
}

func registerCodecs(r *zip.Reader) {
	r.RegisterDecompressor(zip.Deflate, func(in io.Reader) io.ReadCloser {
		return flate.NewReader(in)
	})
}

func openArchive(archivePath string) (*zip.ReadCloser, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		if r != nil {
			r.Close()
		}
		return nil, ipaerr.Wrap(ipaerr.KindArchive, ipaerr.CodeArchiveCorrupt,
			fmt.Sprintf("failed to open archive %s", filepath.Base(archivePath)), err)
	}
	registerCodecs(&r.Reader)
	return r, nil
}

// Extract unpacks archivePath into destDir, preserving the internal layout,
// file modes and symlinks. destDir is created if needed.
func Extract(archivePath, destDir string) error {
	r, err := openArchive(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to create extraction directory", err)
	}
	root, err := filepath.EvalSymlinks(filepath.Clean(destDir))
	if err != nil {
		return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to resolve extraction directory", err)
	}
	for _, f := range r.File {
		if err := extractFile(f, root); err != nil {
			if ipaerr.As(err) != nil {
				return err
			}
			return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, fmt.Sprintf("failed to extract %s", f.Name), err)
		}
	}
	return nil
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(os.PathSeparator))
}

func escapeError(name string) error {
	return ipaerr.New(ipaerr.KindArchive, ipaerr.CodeArchiveCorrupt,
		fmt.Sprintf("invalid file path: %s", name))
}

// realParent resolves the directory destPath will be created in, following
// symlinks that earlier entries created. Components that do not exist yet
// are appended unresolved; MkdirAll creates them as plain directories.
func realParent(root, destPath, name string) (string, error) {
	rel, err := filepath.Rel(root, filepath.Dir(destPath))
	if err != nil {
		return "", err
	}
	if rel == "." {
		return root, nil
	}
	parts := strings.Split(rel, string(os.PathSeparator))
	cur := root
	for i, part := range parts {
		next := filepath.Join(cur, part)
		info, err := os.Lstat(next)
		if errors.Is(err, fs.ErrNotExist) {
			return filepath.Join(append([]string{cur}, parts[i:]...)...), nil
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			next, err = filepath.EvalSymlinks(next)
			if err != nil || !within(root, next) {
				return "", escapeError(name)
			}
		}
		cur = next
	}
	return cur, nil
}

func extractFile(f *zip.File, root string) error {
	mode := f.Mode()
	destPath := filepath.Join(root, filepath.FromSlash(f.Name))
	if destPath == root && mode.IsDir() {
		return nil
	}
	if destPath == root || !within(root, destPath) {
		return escapeError(f.Name)
	}
	parent, err := realParent(root, destPath, f.Name)
	if err != nil {
		return err
	}
	destPath = filepath.Join(parent, filepath.Base(destPath))

	switch {
	case mode.IsDir():
		return os.MkdirAll(destPath, dirPerm(mode))
	case mode&os.ModeSymlink != 0:
		return extractSymlink(f, root, destPath)
	}
	if info, err := os.Lstat(destPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return escapeError(f.Name)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return ipaerr.Wrap(ipaerr.KindArchive, ipaerr.CodeArchiveCorrupt,
			fmt.Sprintf("failed to read %s", f.Name), err)
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm(mode))
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		if isReadError(err) {
			return ipaerr.Wrap(ipaerr.KindArchive, ipaerr.CodeArchiveCorrupt,
				fmt.Sprintf("failed to decompress %s", f.Name), err)
		}
		return err
	}
	return dst.Close()
}

func extractSymlink(f *zip.File, root, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	target, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return err
	}
	linkTarget := string(target)
	resolved := linkTarget
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(destPath), resolved)
	}
	if !within(root, filepath.Clean(resolved)) {
		return ipaerr.New(ipaerr.KindArchive, ipaerr.CodeArchiveCorrupt,
			fmt.Sprintf("symlink %s points outside the archive", f.Name))
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	return os.Symlink(linkTarget, destPath)
}

func isReadError(err error) bool {
	var corrupt flate.CorruptInputError
	return errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &corrupt)
}

func dirPerm(mode fs.FileMode) fs.FileMode {
	if mode.Perm() == 0 {
		return 0755
	}
	return mode.Perm() | 0700
}

func filePerm(mode fs.FileMode) fs.FileMode {
	if mode.Perm() == 0 {
		return 0644
	}
	return mode.Perm()
}

// Create compresses sourceDir into a new archive at outputPath. The archive's
// top-level entry is the base name of sourceDir, so passing an extracted
// "Payload" directory reproduces the IPA layout.
//
// Create never overwrites: it fails if outputPath already exists, and removes
// its partial output on any failure.
//
// Create is for callers that hold only the Payload directory; the resign
// pipeline repackages the whole extracted tree with CreateContents.
func Create(sourceDir, outputPath string) error {
	return create(sourceDir, filepath.Base(filepath.Clean(sourceDir)), outputPath)
}

// CreateContents is Create without the top-level directory: the children of
// sourceDir become the archive's top-level entries. It is the inverse of
// Extract.
func CreateContents(sourceDir, outputPath string) error {
	return create(sourceDir, "", outputPath)
}

func create(sourceDir, prefix, outputPath string) (err error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to stat source directory", err)
	}
	if !info.IsDir() {
		return ipaerr.New(ipaerr.KindIO, ipaerr.CodeNone, fmt.Sprintf("%s is not a directory", sourceDir))
	}

	out, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to create output file", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(outputPath)
		}
	}()

	w := zip.NewWriter(out)
	w.RegisterCompressor(zip.Deflate, func(dst io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(dst, flate.DefaultCompression)
	})

	base := filepath.Clean(sourceDir)
	walkErr := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		var name string
		switch {
		case rel == "." && prefix == "":
			return nil
		case rel == ".":
			name = prefix
		case prefix == "":
			name = filepath.ToSlash(rel)
		default:
			name = prefix + "/" + filepath.ToSlash(rel)
		}
		return addEntry(w, path, name, d)
	})
	if walkErr != nil {
		w.Close()
		return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to write archive", walkErr)
	}
	if err := w.Close(); err != nil {
		return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to finalize archive", err)
	}
	if err := out.Close(); err != nil {
		return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to close archive", err)
	}
	return nil
}

func addEntry(w *zip.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name

	switch {
	case info.IsDir():
		header.Name += "/"
		header.Method = zip.Store
		_, err := w.CreateHeader(header)
		return err
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		header.Method = zip.Store
		fw, err := w.CreateHeader(header)
		if err != nil {
			return err
		}
		_, err = io.WriteString(fw, target)
		return err
	case !info.Mode().IsRegular():
		// sockets, devices and pipes have no place in an app bundle
		return nil
	}

	header.Method = zip.Deflate
	fw, err := w.CreateHeader(header)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(fw, f)
	return err
}

// List returns the entries of archivePath without extracting it.
func List(archivePath string) ([]Entry, error) {
	r, err := openArchive(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	entries := make([]Entry, 0, len(r.File))
	for _, f := range r.File {
		entries = append(entries, Entry{
			Name:  f.Name,
			Size:  f.UncompressedSize64,
			Mode:  f.Mode(),
			IsDir: f.FileInfo().IsDir(),
		})
	}
	return entries, nil
}
