// Package fetch downloads model artifacts referenced by the device twin into a local
// directory, overwriting any previous copy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"vision-edge/internal/logger"
)

// ErrEmptyURL is returned when there is nothing to download
var ErrEmptyURL = errors.New("empty url")

// Config holds configuration for the fetcher
type Config struct {
	Dir     string        // where downloaded artifacts are stored
	Timeout time.Duration // per download, 0 means no timeout
}

// Fetcher downloads files by URL
type Fetcher struct {
	dir    string
	client *http.Client
	log    *logrus.Entry
}

// NewFetcher creates the artifact directory if needed
func NewFetcher(config Config) (*Fetcher, error) {
	if config.Dir == "" {
		return nil, errors.New("artifact directory is missing")
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	return &Fetcher{
		dir:    config.Dir,
		client: &http.Client{Timeout: config.Timeout},
		log:    logger.Component("fetcher"),
	}, nil
}

// Dir returns the artifact directory
func (f *Fetcher) Dir() string {
	return f.dir
}

// LocalPath returns the path a URL is stored at
func (f *Fetcher) LocalPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("url %q does not name a file", rawURL)
	}
	return filepath.Join(f.dir, name), nil
}

// Fetch downloads rawURL and replaces the local copy. The file is written to a
// temporary name first so a failed download leaves the previous copy in place.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", ErrEmptyURL
	}

	destPath, err := f.LocalPath(rawURL)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	f.log.WithField("url", rawURL).Info("Downloading artifact")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	tmpPath := destPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	written, err := io.Copy(file, resp.Body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("download error: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to finalize: %w", err)
	}

	f.log.WithFields(logrus.Fields{"path": destPath, "bytes": written}).Info("Artifact downloaded")
	return destPath, nil
}

// Transfer copies every downloaded artifact into dst, which is where the camera
// loads its models from. Temporary download files are skipped.
func (f *Fetcher) Transfer(dst string) (int, error) {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return 0, fmt.Errorf("failed to create model directory: %w", err)
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list artifacts: %w", err)
	}

	copied := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		if err := copyFile(filepath.Join(f.dir, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return copied, err
		}
		copied++
	}

	f.log.WithFields(logrus.Fields{"dst": dst, "files": copied}).Info("Artifacts transferred")
	return copied, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
