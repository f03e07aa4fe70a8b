package blobstore

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// maxNameLength bounds the sanitized part of a stored file name
const maxNameLength = 100

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// DiskStore keeps uploaded media as files in one directory
// ARCHITECTURAL DISCOVERY: Write-to-temp then rename makes every visible file complete,
// so a locator is never handed out for a half-written object
type DiskStore struct {
	dir       string
	urlPrefix string
	now       func() time.Time
}

var _ interfaces.BlobStore = (*DiskStore)(nil)

// NewDiskStore creates dir if needed; urlPrefix is prepended to stored names in locators
func NewDiskStore(dir, urlPrefix string) (*DiskStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: upload directory is required", types.ErrBlobStore)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create upload directory: %v", types.ErrBlobStore, err)
	}
	if !strings.HasSuffix(urlPrefix, "/") {
		urlPrefix += "/"
	}
	return &DiskStore{dir: dir, urlPrefix: urlPrefix, now: time.Now}, nil
}

// Dir returns the directory files are stored in
func (s *DiskStore) Dir() string {
	return s.dir
}

// Put writes data under a collision-resistant name and returns its locator
func (s *DiskStore) Put(ctx context.Context, originalName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrBlobStore, err)
	}

	name := s.storedName(originalName)

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %v", types.ErrBlobStore, err)
	}
	tmpPath := tmp.Name()

	// Anything short of a successful rename leaves no file behind
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("%w: write: %v", types.ErrBlobStore, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("%w: sync: %v", types.ErrBlobStore, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: close: %v", types.ErrBlobStore, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		return "", fmt.Errorf("%w: rename: %v", types.ErrBlobStore, err)
	}
	committed = true

	log.Printf("Stored upload %s (%d bytes)", name, len(data))
	return s.urlPrefix + name, nil
}

// Delete removes the file a locator refers to
func (s *DiskStore) Delete(ctx context.Context, locator string) error {
	name := strings.TrimPrefix(locator, s.urlPrefix)
	if name == "" || name != filepath.Base(name) {
		return fmt.Errorf("%w: invalid locator %q", types.ErrBlobStore, locator)
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete %s: %v", types.ErrBlobStore, name, err)
	}
	return nil
}

// storedName is <unix millis>-<random>-<sanitized original name>
func (s *DiskStore) storedName(originalName string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%d-%s-%s", s.now().UnixMilli(), suffix, SanitizeName(originalName))
}

// SanitizeName reduces a client-supplied file name to a safe base name
func SanitizeName(originalName string) string {
	base := filepath.Base(strings.ReplaceAll(originalName, "\\", "/"))
	base = unsafeNameChars.ReplaceAllString(base, "_")
	base = strings.TrimLeft(base, ".")
	if len(base) > maxNameLength {
		base = base[len(base)-maxNameLength:]
	}
	if base == "" || base == "_" {
		return "file"
	}
	return base
}
