package registry

import (
	"encoding/json"
	"errors"
	"time"
)

const manifestKeyPrefix = "manifest/"

// ManifestKey returns the registry key holding a category's manifest
// pointer.
func ManifestKey(category string) string {
	return manifestKeyPrefix + category
}

// ManifestPointer maps a category name to the manifest currently
// describing its content, so replicators resolve categories through the
// same store as the peer directory.
type ManifestPointer struct {
	ID          string    `json:"id"`
	PieceSize   int64     `json:"piece_size"`
	TotalLength int64     `json:"total_length"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Encode serializes the pointer for storage.
func (p ManifestPointer) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeManifestPointer parses and sanity-checks a stored pointer.
func DecodeManifestPointer(data []byte) (ManifestPointer, error) {
	var p ManifestPointer
	if err := json.Unmarshal(data, &p); err != nil {
		return ManifestPointer{}, err
	}
	if p.ID == "" {
		return ManifestPointer{}, errors.New("manifest pointer missing id")
	}
	if p.PieceSize <= 0 || p.TotalLength < 0 {
		return ManifestPointer{}, errors.New("manifest pointer has invalid sizes")
	}
	return p, nil
}
