// Package store persists knock descriptors as chunked blobs in a flat
// key/value backend.
package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"cok/internal/model"
)

// ErrNotFound is returned by a Backend for a missing key.
var ErrNotFound = errors.New("key not found")

const (
	// MaxValueLength is the largest value a backend must accept.
	MaxValueLength = 8192
	// ChunkLen is the raw size of one chunk; base64 grows it to MaxValueLength.
	ChunkLen = 3 * MaxValueLength / 4

	countKey = "KnockCount"
)

// Backend is a flat string key/value store.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Clear(ctx context.Context) error
}

// KnockStore saves and loads the active descriptor set.
type KnockStore struct {
	backend Backend
}

func New(b Backend) *KnockStore {
	return &KnockStore{backend: b}
}

// SaveDescriptors replaces everything in the backend with descs.
func (s *KnockStore) SaveDescriptors(ctx context.Context, descs []*model.Descriptor) error {
	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	if err := s.backend.Put(ctx, countKey, strconv.Itoa(len(descs))); err != nil {
		return fmt.Errorf("failed to write knock count: %w", err)
	}
	for i, d := range descs {
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", d.Desc(), err)
		}
		if err := PutChunked(ctx, s.backend, knockKey(i), data); err != nil {
			return fmt.Errorf("failed to write %s: %w", d.Desc(), err)
		}
	}
	return nil
}

// LoadDescriptors returns the stored descriptors. An empty backend yields none.
func (s *KnockStore) LoadDescriptors(ctx context.Context) ([]*model.Descriptor, error) {
	raw, err := s.backend.Get(ctx, countKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read knock count: %w", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid knock count %q", raw)
	}

	descs := make([]*model.Descriptor, 0, n)
	for i := 0; i < n; i++ {
		data, err := GetChunked(ctx, s.backend, knockKey(i))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", knockKey(i), err)
		}
		d := new(model.Descriptor)
		if err := json.Unmarshal(data, d); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", knockKey(i), err)
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func (s *KnockStore) Clear(ctx context.Context) error {
	return s.backend.Clear(ctx)
}

// PutChunked writes data under <key>_chunks and <key>_0..n-1.
func PutChunked(ctx context.Context, b Backend, key string, data []byte) error {
	chunks := (len(data) + ChunkLen - 1) / ChunkLen
	if err := b.Put(ctx, key+"_chunks", strconv.Itoa(chunks)); err != nil {
		return err
	}
	for i := 0; i < chunks; i++ {
		end := min((i+1)*ChunkLen, len(data))
		value := base64.StdEncoding.EncodeToString(data[i*ChunkLen : end])
		if err := b.Put(ctx, key+"_"+strconv.Itoa(i), value); err != nil {
			return err
		}
	}
	return nil
}

// GetChunked reverses PutChunked.
func GetChunked(ctx context.Context, b Backend, key string) ([]byte, error) {
	raw, err := b.Get(ctx, key+"_chunks")
	if err != nil {
		return nil, err
	}
	chunks, err := strconv.Atoi(raw)
	if err != nil || chunks < 1 {
		return nil, fmt.Errorf("invalid chunk count %q for %s", raw, key)
	}
	var buf bytes.Buffer
	for i := 0; i < chunks; i++ {
		value, err := b.Get(ctx, key+"_"+strconv.Itoa(i))
		if err != nil {
			return nil, err
		}
		part, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("chunk %d of %s: %w", i, key, err)
		}
		buf.Write(part)
	}
	return buf.Bytes(), nil
}

func knockKey(i int) string {
	return "Knock_" + strconv.Itoa(i)
}
