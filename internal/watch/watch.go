// Package watch polls a file for content changes.
package watch

import (
	"context"
	"crypto/sha256"
	"os"
	"time"
)

// File tracks one path by modification time and SHA-256 of its contents.
type File struct {
	path string
	mod  time.Time
	sum  [32]byte
	have bool
}

func NewFile(path string) *File { return &File{path: path} }

func (w *File) Path() string { return w.path }

// Changed returns (data, true) only when the contents changed since the last
// call. A touched file with identical contents is not a change. A missing
// file resets the state so its reappearance is reported.
func (w *File) Changed() ([]byte, bool) {
	st, err := os.Stat(w.path)
	if err != nil {
		w.have = false
		return nil, false
	}
	if w.have && st.ModTime().Equal(w.mod) {
		return nil, false
	}
	b, err := os.ReadFile(w.path)
	if err != nil {
		return nil, false
	}
	h := sha256.Sum256(b)
	seen := w.have && h == w.sum
	w.mod, w.sum, w.have = st.ModTime(), h, true
	if seen {
		return nil, false
	}
	return b, true
}

// Poll checks the file immediately and then every interval, calling fn with
// the new contents on each change, until ctx is done.
func (w *File) Poll(ctx context.Context, interval time.Duration, fn func([]byte)) {
	if b, ok := w.Changed(); ok {
		fn(b)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if b, ok := w.Changed(); ok {
				fn(b)
			}
		}
	}
}
