package persistence

import (
	"bytes"
	"encoding/gob"
	"errors"
	"time"

	"github.com/google/uuid"
)

// graphPayload is the gob form of a GraphRecord used by key-value backends.
type graphPayload struct {
	ID        [16]byte
	Name      string
	Version   string
	Image     []byte
	Checksum  string
	CreatedAt int64 // unix nanoseconds
}

// EncodeRecord serializes rec with encoding/gob.
func EncodeRecord(rec GraphRecord) ([]byte, error) {
	payload := graphPayload{
		ID:        rec.ID,
		Name:      rec.Name,
		Version:   rec.Version,
		Image:     rec.Image,
		Checksum:  rec.Checksum,
		CreatedAt: rec.CreatedAt.UnixNano(),
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRecord is the inverse of EncodeRecord. Empty input is reported as
// ErrGraphNotFound.
func DecodeRecord(data []byte) (GraphRecord, error) {
	if len(data) == 0 {
		return GraphRecord{}, ErrGraphNotFound
	}
	var payload graphPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return GraphRecord{}, err
	}
	if payload.Name == "" {
		return GraphRecord{}, errors.New("graph payload without name")
	}

	return GraphRecord{
		ID:        uuid.UUID(payload.ID),
		Name:      payload.Name,
		Version:   payload.Version,
		Image:     payload.Image,
		Checksum:  payload.Checksum,
		CreatedAt: time.Unix(0, payload.CreatedAt).UTC(),
	}, nil
}
