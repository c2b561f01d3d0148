package resource

import (
	"errors"
	"fmt"

	"go-celestia-addons/internal/archive"
)

// ErrorKind classifies a failed add-on download or install.
type ErrorKind int

const (
	KindCancelled ErrorKind = iota
	KindDownload
	KindZip
	KindCreateDirectory
	KindOpenFile
	KindWriteFile
)

// Sentinels matched by errors.Is against a *ResourceError of the same kind.
var (
	ErrCancelled       = errors.New("download cancelled")
	ErrDownload        = errors.New("download failed")
	ErrZip             = errors.New("unzip failed")
	ErrCreateDirectory = errors.New("failed to create directory")
	ErrOpenFile        = errors.New("failed to open file")
	ErrWriteFile       = errors.New("failed to write file")
)

// Errors returned synchronously by Manager.Download.
var (
	ErrAlreadyDownloading = errors.New("add-on is already downloading")
	ErrInvalidItem        = errors.New("invalid add-on item")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindCancelled:
		return ErrCancelled
	case KindDownload:
		return ErrDownload
	case KindZip:
		return ErrZip
	case KindCreateDirectory:
		return ErrCreateDirectory
	case KindOpenFile:
		return ErrOpenFile
	case KindWriteFile:
		return ErrWriteFile
	}
	return nil
}

func (k ErrorKind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindDownload:
		return "download"
	case KindZip:
		return "zip"
	case KindCreateDirectory:
		return "createDirectory"
	case KindOpenFile:
		return "openFile"
	case KindWriteFile:
		return "writeFile"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ResourceError is the error carried by an EventError. Path is set for the
// extraction sub-failures (createDirectory, openFile, writeFile).
type ResourceError struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *ResourceError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// extractError maps an archive failure onto the resource taxonomy.
func extractError(err error) *ResourceError {
	var pe *archive.PathError
	path := ""
	if errors.As(err, &pe) {
		path = pe.Path
	}
	switch {
	case errors.Is(err, archive.ErrCreateDirectory):
		return &ResourceError{Kind: KindCreateDirectory, Path: path, Err: err}
	case errors.Is(err, archive.ErrOpenFile):
		return &ResourceError{Kind: KindOpenFile, Path: path, Err: err}
	case errors.Is(err, archive.ErrWriteFile):
		return &ResourceError{Kind: KindWriteFile, Path: path, Err: err}
	}
	return &ResourceError{Kind: KindZip, Err: err}
}
