package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Times are stored as UTC unix nanoseconds so range filters and ordering stay numeric.
const schema = `
CREATE TABLE IF NOT EXISTS devices (
    recipient_id TEXT NOT NULL,
    token TEXT NOT NULL,
    platform TEXT NOT NULL DEFAULT '',
    valid INTEGER NOT NULL DEFAULT 1,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (recipient_id, token)
);

CREATE INDEX IF NOT EXISTS idx_devices_active
    ON devices(recipient_id, updated_at) WHERE valid = 1;

CREATE TABLE IF NOT EXISTS delivery_log (
    id TEXT PRIMARY KEY,
    recipient_id TEXT NOT NULL,
    device_token TEXT NOT NULL DEFAULT '',
    platform TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    body TEXT NOT NULL,
    type TEXT NOT NULL,
    data TEXT,
    classification TEXT NOT NULL,
    success INTEGER NOT NULL,
    message_id TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_delivery_log_recipient
    ON delivery_log(recipient_id, created_at);

CREATE INDEX IF NOT EXISTS idx_delivery_log_created
    ON delivery_log(created_at);

CREATE TRIGGER IF NOT EXISTS delivery_log_no_update
    BEFORE UPDATE ON delivery_log
    BEGIN SELECT RAISE(ABORT, 'delivery_log is append-only'); END;

CREATE TRIGGER IF NOT EXISTS delivery_log_no_delete
    BEFORE DELETE ON delivery_log
    BEGIN SELECT RAISE(ABORT, 'delivery_log is append-only'); END;
`

func initSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying sqlite schema: %w", err)
	}
	return nil
}
