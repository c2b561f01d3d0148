package downloader

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go-celestia-addons/internal/helpers"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// Custom Downloader Errors
var (
	ErrHttpStatus  = errors.New("unexpected HTTP status code")
	ErrFileSystem  = errors.New("filesystem error") // Covers create, remove, rename
	ErrHttpRequest = errors.New("HTTP request creation/execution error")
)

const (
	// StagedExt is the extension of a completed staging file.
	StagedExt = ".zip"
	// PartialExt marks a staging file that is still being written.
	PartialExt = ".tmp"
)

// Staged describes an archive that was fully downloaded into the staging directory.
type Staged struct {
	Path   string
	Size   int64
	BLAKE3 string
}

// ProgressFunc receives the number of bytes written so far and the expected
// total, which is -1 when the server did not send a Content-Length.
type ProgressFunc func(written, total int64)

// Downloader fetches archives into a private staging directory.
type Downloader struct {
	client     *http.Client
	stagingDir string
}

// NewDownloader creates a new Downloader instance. An empty stagingDir uses
// the system temporary directory.
func NewDownloader(client *http.Client, stagingDir string) *Downloader {
	if client == nil {
		client = &http.Client{
			Timeout: 15 * time.Minute,
		}
	}
	if stagingDir == "" {
		stagingDir = os.TempDir()
	}
	return &Downloader{
		client:     client,
		stagingDir: stagingDir,
	}
}

// StagingDir returns the directory that receives downloaded archives.
func (d *Downloader) StagingDir() string {
	return d.stagingDir
}

// Fetch downloads url into a uniquely named file in the staging directory.
// The returned file survives until the caller removes it. When ctx is
// cancelled the partial file is removed and the returned error wraps
// ctx.Err().
func (d *Downloader) Fetch(ctx context.Context, url string, onProgress ProgressFunc) (Staged, error) {
	if !helpers.CheckAndMakeDir(d.stagingDir) {
		return Staged{}, fmt.Errorf("%w: failed to create staging directory %s", ErrFileSystem, d.stagingDir)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Staged{}, fmt.Errorf("%w: creating download request for %s: %w", ErrHttpRequest, url, err)
	}

	log.Debugf("Attempting to download from URL: %s", url)
	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Staged{}, fmt.Errorf("downloading %s: %w", url, ctxErr)
		}
		return Staged{}, fmt.Errorf("%w: performing request for %s: %w", ErrHttpRequest, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Errorf("Error downloading file: Received status code %d from %s", resp.StatusCode, url)
		return Staged{}, fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, url)
	}

	name := uuid.NewString()
	partialPath := filepath.Join(d.stagingDir, name+StagedExt+PartialExt)
	finalPath := filepath.Join(d.stagingDir, name+StagedExt)

	f, err := os.Create(partialPath)
	if err != nil {
		return Staged{}, fmt.Errorf("%w: creating staging file %s: %w", ErrFileSystem, partialPath, err)
	}
	shouldCleanup := true
	defer func() {
		if shouldCleanup {
			log.Debugf("Cleaning up staging file: %s", partialPath)
			if removeErr := os.Remove(partialPath); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove staging file %s", partialPath)
			}
		}
	}()

	total := resp.ContentLength
	hasher := blake3.New()
	counter := &helpers.CounterWriter{
		Writer: io.MultiWriter(f, hasher),
	}
	if onProgress != nil {
		counter.OnWrite = func(written int64) { onProgress(written, total) }
	}

	log.Debugf("Downloading %s to %s (Size: %s)", url, partialPath, sizeString(total))
	_, copyErr := io.Copy(counter, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Staged{}, fmt.Errorf("downloading %s: %w", url, ctxErr)
		}
		return Staged{}, fmt.Errorf("%w: writing staging file %s: %w", ErrFileSystem, partialPath, copyErr)
	}
	if closeErr != nil {
		return Staged{}, fmt.Errorf("%w: closing staging file %s: %w", ErrFileSystem, partialPath, closeErr)
	}
	if total >= 0 && counter.Total != total {
		return Staged{}, fmt.Errorf("%w: short body from %s: got %d of %d bytes", ErrHttpRequest, url, counter.Total, total)
	}

	if err := os.Rename(partialPath, finalPath); err != nil {
		return Staged{}, fmt.Errorf("%w: renaming staging file %s: %w", ErrFileSystem, partialPath, err)
	}
	shouldCleanup = false

	staged := Staged{
		Path:   finalPath,
		Size:   counter.Total,
		BLAKE3: hex.EncodeToString(hasher.Sum(nil)),
	}
	log.WithField("blake3", staged.BLAKE3).Debugf("Staged %s (%s)", finalPath, helpers.BytesToSize(uint64(staged.Size)))
	return staged, nil
}

func sizeString(total int64) string {
	if total < 0 {
		return "unknown"
	}
	return helpers.BytesToSize(uint64(total))
}
