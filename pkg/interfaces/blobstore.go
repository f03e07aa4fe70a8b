package interfaces

import "context"

// BlobStore stores uploaded media
// ARCHITECTURAL DISCOVERY: Write-once contract, a returned locator always refers to a
// completely written object
type BlobStore interface {
	// Put stores data under a name derived from originalName and returns its locator
	Put(ctx context.Context, originalName string, data []byte) (string, error)

	// Delete removes a previously stored object by locator; missing objects are not an error
	Delete(ctx context.Context, locator string) error
}
