package file

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/songzhibin97/proxyrotator/pkg/config"
)

// FileSource serves a configuration file and polls it for changes.
type FileSource struct {
	filePath     string
	pollInterval time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

var _ config.Source = (*FileSource)(nil)

// NewFileSource creates a file source. A non-positive pollInterval defaults
// to one second.
func NewFileSource(filePath string, pollInterval time.Duration) (*FileSource, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	if _, err := os.Stat(filePath); err != nil {
		return nil, fmt.Errorf("failed to access file %s: %w", filePath, err)
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &FileSource{
		filePath:     filePath,
		pollInterval: pollInterval,
		closed:       make(chan struct{}),
	}, nil
}

// Path returns the watched file.
func (fs *FileSource) Path() string {
	return fs.filePath
}

// Get reads the file.
func (fs *FileSource) Get() ([]byte, error) {
	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", fs.filePath, err)
	}
	return data, nil
}

// Watch delivers the file content now and again whenever it changes.
// Modification time and size are polled; a change is only delivered when the
// content differs from what was last sent, so touching the file is silent.
// Read errors are skipped until the file is readable again.
func (fs *FileSource) Watch(ctx context.Context) (<-chan []byte, error) {
	select {
	case <-fs.closed:
		return nil, fmt.Errorf("file source is closed")
	default:
	}

	ch := make(chan []byte, 1)
	fs.wg.Add(1)
	go func() {
		defer fs.wg.Done()
		defer close(ch)

		var (
			last    []byte
			modTime time.Time
			size    int64 = -1
		)
		send := func() bool {
			stat, err := os.Stat(fs.filePath)
			if err != nil {
				return true
			}
			if stat.ModTime().Equal(modTime) && stat.Size() == size {
				return true
			}
			data, err := fs.Get()
			if err != nil {
				return true
			}
			modTime, size = stat.ModTime(), stat.Size()
			if last != nil && bytes.Equal(data, last) {
				return true
			}
			last = data
			select {
			case ch <- data:
				return true
			case <-ctx.Done():
				return false
			case <-fs.closed:
				return false
			}
		}

		if !send() {
			return
		}
		ticker := time.NewTicker(fs.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-fs.closed:
				return
			case <-ticker.C:
				if !send() {
					return
				}
			}
		}
	}()
	return ch, nil
}

// Close stops every watch and waits for them to finish.
func (fs *FileSource) Close() error {
	fs.closeOnce.Do(func() { close(fs.closed) })
	fs.wg.Wait()
	return nil
}
