package clientcache

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
)

// storedRecord is the on-disk document: metadata plus the zstd-packed
// payload. encoding/json base64s the byte slice.
type storedRecord struct {
	Meta    StoredMetadata `json:"meta"`
	Payload []byte         `json:"payload"`
}

// FilesystemStore persists cache entries as one JSON document per key under
// a directory, written with the temp-file-plus-rename pattern so readers
// never observe partial writes.
type FilesystemStore struct {
	dir string
}

// NewFilesystemStore creates dir if needed.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache store dir: %w", err)
	}
	return &FilesystemStore{dir: dir}, nil
}

func (s *FilesystemStore) path(key string) string {
	if isDocName(key) {
		return filepath.Join(s.dir, key+".jpipcache")
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	return filepath.Join(s.dir, fmt.Sprintf("%016x.jpipcache", h.Sum64()))
}

// isDocName reports whether key is already a hashed document name as
// returned by Keys.
func isDocName(key string) bool {
	if len(key) != 16 {
		return false
	}
	for _, c := range key {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Save writes the entry atomically.
func (s *FilesystemStore) Save(ctx context.Context, key string, data []byte, meta StoredMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := json.Marshal(storedRecord{Meta: meta, Payload: compress(data)})
	if err != nil {
		return err
	}
	target := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".jpipcache-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// Load reads and unpacks the entry.
func (s *FilesystemStore) Load(ctx context.Context, key string) ([]byte, StoredMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, StoredMetadata{}, err
	}
	doc, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, StoredMetadata{}, err
	}
	var rec storedRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, StoredMetadata{}, err
	}
	data, err := decompress(rec.Payload)
	if err != nil {
		return nil, StoredMetadata{}, err
	}
	return data, rec.Meta, nil
}

// Keys lists the stored cache keys. Keys are hashed on disk, so the listing
// returns the reconstructable document names; Load accepts either form.
func (s *FilesystemStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(names))
	for _, n := range names {
		if n.IsDir() || !strings.HasSuffix(n.Name(), ".jpipcache") || strings.HasPrefix(n.Name(), ".") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(n.Name(), ".jpipcache"))
	}
	return keys, nil
}

// Delete removes the entry; missing entries are not an error.
func (s *FilesystemStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
