package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrNotFound is returned by Get when the remote has no document for the
// requested deployment. Each implementation maps its library's own missing-key
// error onto this sentinel.
var ErrNotFound = errors.New("remote state not found")

// Backend stores one state document per deployment on a remote system.
type Backend interface {
	// Name identifies the backend kind (s3, dynamodb, http, redis, sftp).
	Name() string

	// Put writes the document for the deployment, replacing any previous copy.
	Put(ctx context.Context, deploymentID string, payload []byte) error

	// Get returns the stored document, or ErrNotFound.
	Get(ctx context.Context, deploymentID string) ([]byte, error)

	// Delete removes the stored document. Deleting a missing document is not
	// an error.
	Delete(ctx context.Context, deploymentID string) error

	// Ping verifies the remote is reachable and the backend is usable.
	Ping(ctx context.Context) error
}

// Envelope wraps a state document with sync metadata for transport. Payload is
// carried base64-encoded so the document bytes survive the round trip exactly
// as written, including formatting.
type Envelope struct {
	SyncedAt      time.Time `json:"synced_at"`
	SourceHost    string    `json:"source_host"`
	SchemaVersion string    `json:"schema_version"`
	Payload       []byte    `json:"payload"`
}

// WrapEnvelope encodes a state document for transport.
func WrapEnvelope(payload []byte, schemaVersion string, syncedAt time.Time) ([]byte, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	env := Envelope{
		SyncedAt:      syncedAt.UTC(),
		SourceHost:    host,
		SchemaVersion: schemaVersion,
		Payload:       payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// OpenEnvelope decodes transported bytes back into an Envelope. The returned
// Payload is byte-identical to what WrapEnvelope was given.
func OpenEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("envelope carries no payload")
	}
	return &env, nil
}
