package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ErrBlobNotFound is returned when the referenced object does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// ErrBlobTooLarge is returned when an object exceeds the configured size cap.
var ErrBlobTooLarge = errors.New("blob exceeds size limit")

// BlobStore fetches uploaded source files by storage reference. Files are small enough to be
// held in memory whole.
type BlobStore interface {
	Download(ctx context.Context, ref string) ([]byte, error)
}

// HTTPBlobStore downloads objects by URL.
type HTTPBlobStore struct {
	client   *http.Client
	maxBytes int64
	logger   *zap.Logger
}

func NewHTTPBlobStore(timeout time.Duration, maxBytes int64, logger *zap.Logger) *HTTPBlobStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPBlobStore{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		logger:   logger,
	}
}

func (s *HTTPBlobStore) Download(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid blob reference %q: %w", ref, err)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", ref, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("download %s: %w", ref, ErrBlobNotFound)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("download %s: unexpected status %s", ref, resp.Status)
	}

	data, err := readCapped(resp.Body, s.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", ref, err)
	}

	s.logger.Debug("Blob downloaded",
		zap.String("ref", ref),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))
	return data, nil
}

// FSBlobStore reads objects from a filesystem rooted at a directory. References may carry a
// file:// prefix.
type FSBlobStore struct {
	fs       afero.Fs
	maxBytes int64
}

func NewFSBlobStore(base afero.Fs, root string, maxBytes int64) *FSBlobStore {
	if root != "" && root != "." && root != "/" {
		base = afero.NewBasePathFs(base, root)
	}
	return &FSBlobStore{fs: base, maxBytes: maxBytes}
}

func (s *FSBlobStore) Download(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := path.Clean("/" + strings.TrimPrefix(ref, "file://"))
	f, err := s.fs.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", ref, ErrBlobNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", ref, err)
	}
	defer f.Close()

	data, err := readCapped(f, s.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return data, nil
}

func readCapped(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrBlobTooLarge
	}
	return data, nil
}
