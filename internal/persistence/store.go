package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrGraphNotFound is returned when no image matches a name+version.
	ErrGraphNotFound = errors.New("graph not found")

	// ErrGraphExists is returned when saving a name+version twice.
	ErrGraphExists = errors.New("graph version already stored")
)

// GraphRecord is one stored graph image.
type GraphRecord struct {
	ID        uuid.UUID
	Name      string
	Version   string
	Image     []byte
	Checksum  string // hex SHA-256 of Image
	CreatedAt time.Time
}

// NewGraphRecord stamps a new record for image with a fresh ID, checksum and
// creation time.
func NewGraphRecord(name, version string, image []byte) GraphRecord {
	return GraphRecord{
		ID:        uuid.New(),
		Name:      name,
		Version:   version,
		Image:     append([]byte(nil), image...),
		Checksum:  Checksum(image),
		CreatedAt: time.Now().UTC(),
	}
}

// Checksum returns the hex SHA-256 of image.
func Checksum(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the image still matches its checksum.
func (r GraphRecord) Verify() bool { return r.Checksum == Checksum(r.Image) }

// GraphStore keeps versioned graph images.
type GraphStore interface {
	// SaveGraph stores rec. Saving an existing name+version fails with
	// ErrGraphExists.
	SaveGraph(ctx context.Context, rec GraphRecord) error
	// GetGraph returns the image stored for name+version.
	GetGraph(ctx context.Context, name, version string) (GraphRecord, error)
	// GetLatestGraph returns the most recently saved version of name.
	GetLatestGraph(ctx context.Context, name string) (GraphRecord, error)
	// ListGraphVersions returns the stored versions of name, oldest first.
	ListGraphVersions(ctx context.Context, name string) ([]string, error)
}
