package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/geochat/pkg/models"
)

var selectMessages = `SELECT m.* FROM messages m`

// MessageStore is the durable, append-mostly message log.
type MessageStore interface {
	// Append persists m and returns its ID. m.ID is updated as well.
	Append(ctx context.Context, m *models.Message) (int64, error)
	// QueryRecent returns up to limit messages, newest first.
	QueryRecent(ctx context.Context, limit int) ([]models.Message, error)
	// DeleteBeyond removes every message older than the offset most recent
	// ones and reports how many rows were deleted.
	DeleteBeyond(ctx context.Context, offset int) (int64, error)
}

type sqlMessageStore struct {
	db *sqlx.DB
}

// NewMessages creates a MessageStore on dbconn.
func NewMessages(dbconn *sqlx.DB) MessageStore {
	return &sqlMessageStore{db: dbconn}
}

func (s *sqlMessageStore) Append(ctx context.Context, m *models.Message) (int64, error) {
	stmt := s.db.Rebind(`
	INSERT INTO messages (author, nick, body, origin_ip, latitude, longitude, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	RETURNING id;
	`)

	var id int64
	err := s.db.QueryRowxContext(ctx, stmt,
		m.Author, m.Nick, m.Body, m.OriginIP, m.Latitude, m.Longitude, m.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

func (s *sqlMessageStore) QueryRecent(ctx context.Context, limit int) ([]models.Message, error) {
	query := s.db.Rebind(selectMessages + " ORDER BY m.created_at DESC, m.id DESC LIMIT ?;")
	messages := []models.Message{}
	err := s.db.SelectContext(ctx, &messages, query, limit)
	if err == sql.ErrNoRows {
		return []models.Message{}, nil
	}
	return messages, err
}

func (s *sqlMessageStore) DeleteBeyond(ctx context.Context, offset int) (int64, error) {
	stmt := s.db.Rebind(`
	DELETE FROM messages
	WHERE id NOT IN (
		SELECT id FROM messages ORDER BY created_at DESC, id DESC LIMIT ?
	);
	`)

	res, err := s.db.ExecContext(ctx, stmt, offset)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
