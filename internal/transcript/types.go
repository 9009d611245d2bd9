package transcript

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("transcript not found")

// Record stores one relayed response.
type Record struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	Prompt      string    `json:"prompt"`
	Format      string    `json:"format"`
	Response    string    `json:"response"`
	Batches     int       `json:"batches"`
	Fragments   int       `json:"fragments"`
	Errored     bool      `json:"errored"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves relayed responses.
type Store interface {
	Save(ctx context.Context, record Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Recent(ctx context.Context, userID string, limit int) ([]Record, error)
	Mode() string
	Close() error
}
