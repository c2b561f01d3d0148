// Package archive extracts add-on zip archives into their install directory.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Extraction failure categories. Every error returned by Extract matches
// exactly one of them with errors.Is.
var (
	ErrZip             = errors.New("invalid zip archive")
	ErrCreateDirectory = errors.New("failed to create directory")
	ErrOpenFile        = errors.New("failed to open file")
	ErrWriteFile       = errors.New("failed to write file")
)

// PathError records the category and the path an extraction step failed on.
type PathError struct {
	Kind error
	Path string
	Err  error
}

func (e *PathError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *PathError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Extract unpacks the zip archive at zipPath into dest, creating dest if
// needed. Existing files are overwritten.
func Extract(zipPath, dest string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return &PathError{Kind: ErrZip, Path: zipPath, Err: err}
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return &PathError{Kind: ErrCreateDirectory, Path: dest, Err: err}
	}

	root := filepath.Clean(dest)
	var written int
	for _, f := range r.File {
		target, err := entryPath(root, f.Name)
		if err != nil {
			return &PathError{Kind: ErrZip, Path: f.Name, Err: err}
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return &PathError{Kind: ErrCreateDirectory, Path: target, Err: err}
			}
			continue
		}
		if !f.Mode().IsRegular() {
			log.Debugf("Skipping non-regular archive entry %s", f.Name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return &PathError{Kind: ErrCreateDirectory, Path: filepath.Dir(target), Err: err}
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
		written++
	}
	log.Debugf("Extracted %d files from %s into %s", written, zipPath, dest)
	return nil
}

func extractFile(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return &PathError{Kind: ErrOpenFile, Path: f.Name, Err: err}
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return &PathError{Kind: ErrOpenFile, Path: target, Err: err}
	}

	_, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if copyErr != nil {
		// Corrupt entry data surfaces on read, not on open.
		if errors.Is(copyErr, zip.ErrChecksum) || errors.Is(copyErr, zip.ErrFormat) || errors.Is(copyErr, zip.ErrAlgorithm) {
			return &PathError{Kind: ErrZip, Path: f.Name, Err: copyErr}
		}
		return &PathError{Kind: ErrWriteFile, Path: target, Err: copyErr}
	}
	if closeErr != nil {
		return &PathError{Kind: ErrWriteFile, Path: target, Err: closeErr}
	}
	return nil
}

// entryPath resolves an archive entry name below root, rejecting names that
// would escape it.
func entryPath(root, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("illegal entry name %q", name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry %q escapes destination", name)
	}
	return target, nil
}
