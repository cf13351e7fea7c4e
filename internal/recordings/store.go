// Package recordings reads and updates the recording metadata owned by the
// content manager. Only the columns the archiver needs are touched:
//
//	recordings(id text primary key, video_id text, owner_id text,
//	           published_at timestamptz, audio_object_keys text[], updated_at timestamptz)
package recordings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no recording has the requested id.
var ErrNotFound = errors.New("recording not found")

// Recording is what the archiver needs to know about one live recording.
type Recording struct {
	ID          string
	VideoID     string
	OwnerID     string
	PublishedAt time.Time
}

// Store resolves recordings and records where their audio was archived.
type Store interface {
	Lookup(ctx context.Context, recordingID string) (Recording, error)
	SaveObjectKeys(ctx context.Context, recordingID string, keys []string) error
}

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements Store on top of pgx.
type PostgresStore struct {
	db     DB
	logger *zap.Logger
}

// NewPostgresStore wraps db, typically a *pgxpool.Pool.
func NewPostgresStore(db DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger.With(zap.String("component", "recordings"))}
}

const lookupSQL = `SELECT id, video_id, owner_id, published_at FROM recordings WHERE id = $1`

const saveKeysSQL = `UPDATE recordings SET audio_object_keys = $2, updated_at = now() WHERE id = $1`

func (s *PostgresStore) Lookup(ctx context.Context, recordingID string) (Recording, error) {
	recordingID = strings.TrimSpace(recordingID)
	if recordingID == "" {
		return Recording{}, fmt.Errorf("lookup recording: %w", ErrNotFound)
	}

	var rec Recording
	err := s.db.QueryRow(ctx, lookupSQL, recordingID).Scan(&rec.ID, &rec.VideoID, &rec.OwnerID, &rec.PublishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recording{}, fmt.Errorf("lookup recording %s: %w", recordingID, ErrNotFound)
	}
	if err != nil {
		return Recording{}, fmt.Errorf("lookup recording %s: %w", recordingID, err)
	}
	if rec.VideoID == "" {
		return Recording{}, fmt.Errorf("lookup recording %s: no platform video id", recordingID)
	}
	return rec, nil
}

func (s *PostgresStore) SaveObjectKeys(ctx context.Context, recordingID string, keys []string) error {
	if keys == nil {
		keys = []string{}
	}
	tag, err := s.db.Exec(ctx, saveKeysSQL, recordingID, keys)
	if err != nil {
		return fmt.Errorf("save object keys for %s: %w", recordingID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save object keys for %s: %w", recordingID, ErrNotFound)
	}
	s.logger.Info("recording audio keys saved",
		zap.String("recording_id", recordingID),
		zap.Int("keys", len(keys)),
	)
	return nil
}
