package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// LoggingTransport wraps an http.RoundTripper and appends every API exchange
// to a log file. Response bodies are only written for JSON content, so
// archive downloads sharing the client are not dumped.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	mu        sync.Mutex
	writer    *bufio.Writer
}

// NewLoggingTransport opens logFilePath for appending.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", logFilePath, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f),
	}, nil
}

// RoundTrip executes a single HTTP transaction, logging details.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	var entry strings.Builder
	if reqDump, err := httputil.DumpRequestOut(req, true); err != nil {
		log.WithError(err).Error("Failed to dump API request for logging")
		fmt.Fprintf(&entry, "--- Request (%s) ---\n%s %s\n", start.Format(time.RFC3339), req.Method, req.URL)
	} else {
		fmt.Fprintf(&entry, "--- Request (%s) ---\n%s\n", start.Format(time.RFC3339), reqDump)
	}

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		fmt.Fprintf(&entry, "--- Response Error (Duration: %v) ---\n%v\n", duration, err)
	} else {
		t.describeResponse(&entry, resp, duration)
	}

	t.mu.Lock()
	t.writeLog(entry.String())
	if flushErr := t.writer.Flush(); flushErr != nil {
		log.WithError(flushErr).Warn("Failed to flush API log")
	}
	t.mu.Unlock()

	return resp, err
}

func (t *LoggingTransport) describeResponse(entry *strings.Builder, resp *http.Response, duration time.Duration) {
	contentType := resp.Header.Get("Content-Type")
	headers, dumpErr := httputil.DumpResponse(resp, false)
	if dumpErr != nil {
		headers = []byte("Status: " + resp.Status + "\n(failed to dump headers)")
	}
	fmt.Fprintf(entry, "--- Response (Duration: %v, Type: %s) ---\n%s\n", duration, contentType, headers)

	if !strings.HasPrefix(contentType, "application/json") {
		entry.WriteString("(Body not logged)\n")
		return
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		log.WithError(err).Error("Failed to read response body for logging")
		entry.WriteString("(Body read failed)\n")
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return
	}
	// The caller still needs the body.
	resp.Body = io.NopCloser(bytes.NewReader(body))
	fmt.Fprintf(entry, "--- Response Body ---\n%s\n", body)
}

func (t *LoggingTransport) writeLog(s string) {
	if _, err := t.writer.WriteString(s + "\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\n", err)
	}
}

// Close flushes and closes the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose
}
