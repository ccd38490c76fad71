package contact

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"caseflow/backend/internal/database"
)

// Repository is the resource store consumed by the job pipeline. Writes accept
// an optional transaction so they can join the caller's unit of work.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Contact, error)
	FindMediaByContactAndType(ctx context.Context, contactID int64, mediaType MediaType) (*Media, error)
	CreateMedia(ctx context.Context, tx *sql.Tx, m *Media) error
	UpdateMediaData(ctx context.Context, tx *sql.Tx, mediaID int64, data S3MediaData) error
	UpdateMediaSpecificData(ctx context.Context, tx *sql.Tx, mediaID int64, patch json.RawMessage) error
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) GetByID(ctx context.Context, id int64) (*Contact, error) {
	c := &Contact{}
	query := `SELECT id, account_id, task_id, channel, channel_sid, service_sid, twilio_worker_id, created_at FROM contacts WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.AccountID, &c.TaskID, &c.Channel, &c.ChannelSID, &c.ServiceSID, &c.TwilioWorkerID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %d: %w", id, err)
	}
	return c, nil
}

func (r *PostgresRepo) FindMediaByContactAndType(ctx context.Context, contactID int64, mediaType MediaType) (*Media, error) {
	m := &Media{}
	var data []byte
	query := `SELECT id, account_id, contact_id, store_type, media_type, store_type_specific_data, created_at, updated_at FROM conversation_media WHERE contact_id = $1 AND media_type = $2 ORDER BY id LIMIT 1`
	err := r.db.QueryRowContext(ctx, query, contactID, string(mediaType)).
		Scan(&m.ID, &m.AccountID, &m.ContactID, &m.StoreType, &m.MediaType, &data, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMediaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find %s media for contact %d: %w", mediaType, contactID, err)
	}
	m.StoreTypeSpecificData = json.RawMessage(data)
	return m, nil
}

func (r *PostgresRepo) CreateMedia(ctx context.Context, tx *sql.Tx, m *Media) error {
	query := `INSERT INTO conversation_media (account_id, contact_id, store_type, media_type, store_type_specific_data) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at, updated_at`
	err := database.Pick(r.db, tx).QueryRowContext(ctx, query, m.AccountID, m.ContactID, m.StoreType, string(m.MediaType), []byte(m.StoreTypeSpecificData)).
		Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create %s media for contact %d: %w", m.MediaType, m.ContactID, err)
	}
	return nil
}

// UpdateMediaData replaces the whole store specific data of a media record.
func (r *PostgresRepo) UpdateMediaData(ctx context.Context, tx *sql.Tx, mediaID int64, data S3MediaData) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	query := `UPDATE conversation_media SET store_type_specific_data = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, tx, query, mediaID, body)
}

// UpdateMediaSpecificData merges patch into the existing store specific data.
func (r *PostgresRepo) UpdateMediaSpecificData(ctx context.Context, tx *sql.Tx, mediaID int64, patch json.RawMessage) error {
	query := `UPDATE conversation_media SET store_type_specific_data = store_type_specific_data || $2::jsonb, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, tx, query, mediaID, []byte(patch))
}

func (r *PostgresRepo) execOne(ctx context.Context, tx *sql.Tx, query string, mediaID int64, body []byte) error {
	res, err := database.Pick(r.db, tx).ExecContext(ctx, query, mediaID, body)
	if err != nil {
		return fmt.Errorf("update media %d: %w", mediaID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update media %d: %w", mediaID, err)
	}
	if n == 0 {
		return ErrMediaNotFound
	}
	return nil
}
