// Package sqlite is a single-file store for device registrations and the
// delivery log, used for local development and the test CLI.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

// Store implements dispatch.RegistrationStore and dispatch.DeliveryLogStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	// One writer keeps SQLITE_BUSY out of concurrent dispatches.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- Registrations ---

func (s *Store) Register(ctx context.Context, reg dispatch.DeviceRegistration) error {
	if reg.RecipientID == "" || reg.Token == "" {
		return fmt.Errorf("%w: recipient and token are required", dispatch.ErrInvalidArgument)
	}
	updatedAt := reg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (recipient_id, token, platform, valid, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (recipient_id, token) DO UPDATE SET
			platform = excluded.platform,
			valid = 1,
			updated_at = excluded.updated_at`,
		reg.RecipientID, reg.Token, string(reg.Platform), updatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to register device for %s: %w", reg.RecipientID, err)
	}
	return nil
}

func (s *Store) Unregister(ctx context.Context, recipientID, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE recipient_id = ? AND token = ?`, recipientID, token)
	if err != nil {
		return fmt.Errorf("failed to unregister device for %s: %w", recipientID, err)
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, recipientID string) (*dispatch.DeviceRegistration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, platform, updated_at FROM devices
		WHERE recipient_id = ? AND valid = 1
		ORDER BY updated_at DESC LIMIT 1`, recipientID)

	var (
		platform  string
		updatedAt int64
	)
	reg := dispatch.DeviceRegistration{RecipientID: recipientID, Valid: true}
	err := row.Scan(&reg.Token, &platform, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrNoDevice, recipientID)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up device for %s: %w", recipientID, err)
	}
	reg.Platform = dispatch.Platform(platform)
	reg.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &reg, nil
}

func (s *Store) MarkInvalid(ctx context.Context, reg dispatch.DeviceRegistration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET valid = 0, updated_at = ?
		WHERE recipient_id = ? AND token = ?`,
		s.now().UTC().UnixNano(), reg.RecipientID, reg.Token)
	if err != nil {
		return fmt.Errorf("failed to invalidate device for %s: %w", reg.RecipientID, err)
	}
	return nil
}

// ListActive relies on SQLite taking the bare columns from the MAX(updated_at) row.
func (s *Store) ListActive(ctx context.Context) ([]dispatch.DeviceRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recipient_id, token, platform, MAX(updated_at) FROM devices
		WHERE valid = 1
		GROUP BY recipient_id
		ORDER BY recipient_id`)
	if err != nil {
		return nil, fmt.Errorf("listing active devices: %w", err)
	}
	defer rows.Close()

	regs := make([]dispatch.DeviceRegistration, 0)
	for rows.Next() {
		var (
			reg       = dispatch.DeviceRegistration{Valid: true}
			platform  string
			updatedAt int64
		)
		if err := rows.Scan(&reg.RecipientID, &reg.Token, &platform, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning active device: %w", err)
		}
		reg.Platform = dispatch.Platform(platform)
		reg.UpdatedAt = time.Unix(0, updatedAt).UTC()
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// --- Delivery log ---

func (s *Store) Append(ctx context.Context, rec dispatch.DeliveryRecord) error {
	var data sql.NullString
	if len(rec.Data) > 0 {
		raw, err := json.Marshal(rec.Data)
		if err != nil {
			return fmt.Errorf("encoding data of delivery record %s: %w", rec.ID, err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_log (id, recipient_id, device_token, platform, title, body, type, data,
			classification, success, message_id, error, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RecipientID, rec.DeviceToken, string(rec.Platform), rec.Title, rec.Body, rec.Type, data,
		string(rec.Class), rec.Success, rec.MessageID, rec.Error, rec.Attempts, rec.CreatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append delivery record %s: %w", rec.ID, err)
	}
	return nil
}

// Query returns matching records newest first.
func (s *Store) Query(ctx context.Context, filter dispatch.LogFilter) ([]dispatch.DeliveryRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.RecipientID != "" {
		where = append(where, "recipient_id = ?")
		args = append(args, filter.RecipientID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC().UnixNano())
	}
	if !filter.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, filter.Until.UTC().UnixNano())
	}

	query := `SELECT id, recipient_id, device_token, platform, title, body, type, data,
		classification, success, message_id, error, attempts, created_at FROM delivery_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]dispatch.DeliveryRecord, 0)
	for rows.Next() {
		var (
			rec       dispatch.DeliveryRecord
			platform  string
			class     string
			data      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.RecipientID, &rec.DeviceToken, &platform, &rec.Title, &rec.Body, &rec.Type,
			&data, &class, &rec.Success, &rec.MessageID, &rec.Error, &rec.Attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning delivery record: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &rec.Data); err != nil {
				return nil, fmt.Errorf("decoding data of delivery record %s: %w", rec.ID, err)
			}
		}
		rec.Platform = dispatch.Platform(platform)
		rec.Class = dispatch.Classification(class)
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}
