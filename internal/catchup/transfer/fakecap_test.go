package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/catchup/remoteio"
)

// memCap is an in-memory remoteio.Capability double used across the
// transfer package's tests: block-level WriteAt/Open semantics matter
// here in a way a simple tmpdir fixture wouldn't exercise as directly.
type memCap struct {
	mu       sync.Mutex
	files    map[string][]byte
	symlinks map[string]string
	missing  map[string]bool
}

func newMemCap() *memCap {
	return &memCap{files: map[string][]byte{}, symlinks: map[string]string{}, missing: map[string]bool{}}
}

func (c *memCap) List(ctx context.Context, root string) ([]remoteio.ListedFile, error) { return nil, nil }

func (c *memCap) Open(ctx context.Context, path string, off int64) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.missing[path] {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	data, ok := c.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	if off > int64(len(data)) {
		off = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[off:])), nil
}

type memWriter struct {
	c    *memCap
	path string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *memWriter) Close() error {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	w.c.files[w.path] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}

func (c *memCap) Create(ctx context.Context, path string, mode uint32) (io.WriteCloser, error) {
	return &memWriter{c: c, path: path}, nil
}

func (c *memCap) WriteAt(ctx context.Context, path string, off int64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.files[path]
	need := int(off) + len(data)
	if need > len(cur) {
		grown := make([]byte, need)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[off:], data)
	c.files[path] = cur
	return nil
}

func (c *memCap) Mkdir(ctx context.Context, path string, mode uint32) error { return nil }

func (c *memCap) Readlink(ctx context.Context, path string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target, ok := c.symlinks[path]
	if !ok {
		return "", fmt.Errorf("no such symlink: %s", path)
	}
	return target, nil
}

func (c *memCap) Symlink(ctx context.Context, target, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symlinks[path] = target
	return nil
}

func (c *memCap) Sync(ctx context.Context, path string) error   { return nil }
func (c *memCap) Delete(ctx context.Context, path string) error { return nil }

func (c *memCap) CheckPostmaster(ctx context.Context, pgdata string) (int, bool, error) {
	return 0, false, nil
}
func (c *memCap) ReadControlFile(ctx context.Context, pgdata string) ([]byte, error) {
	return nil, nil
}

func (c *memCap) Stat(ctx context.Context, path string) (remoteio.ListedFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.missing[path] {
		return remoteio.ListedFile{}, fmt.Errorf("no such file: %s", path)
	}
	data, ok := c.files[path]
	if !ok {
		return remoteio.ListedFile{}, fmt.Errorf("no such file: %s", path)
	}
	return remoteio.ListedFile{RelPath: path, Kind: model.KindRegular, Size: int64(len(data))}, nil
}

func (c *memCap) Close() error { return nil }

func (c *memCap) setFile(path string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[path] = data
}

func (c *memCap) fileContent(path string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.files[path]...)
}

func (c *memCap) markMissing(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missing[path] = true
}

func sortedRelPaths(entries []model.FileEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.RelPath
	}
	sort.Strings(out)
	return out
}
