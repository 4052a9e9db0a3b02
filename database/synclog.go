package database

import (
	"context"
	"fmt"
)

// AppendSyncLog records one reconciliation or refresh run.
func (db *Database) AppendSyncLog(ctx context.Context, entry SyncLog) error {
	var msg *string
	if entry.ErrorMessage != "" {
		msg = &entry.ErrorMessage
	}
	_, err := db.pool.Exec(ctx, insertSyncLog,
		entry.Kind, entry.StartTime, entry.EndTime, entry.Status,
		entry.Found, entry.Added, entry.Updated,
		entry.Errors, msg, entry.TriggeredBy,
	)
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// RecentSyncLogs returns the newest runs first.
func (db *Database) RecentSyncLogs(ctx context.Context, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx, selectSyncLogs, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sync logs: %w", err)
	}
	defer rows.Close()

	var logs []SyncLog
	for rows.Next() {
		var l SyncLog
		if err := rows.Scan(
			&l.ID, &l.Kind, &l.StartTime, &l.EndTime, &l.Status,
			&l.Found, &l.Added, &l.Updated,
			&l.Errors, &l.ErrorMessage, &l.TriggeredBy,
		); err != nil {
			return nil, fmt.Errorf("recent sync logs: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
