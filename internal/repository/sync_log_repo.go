package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
)

// LogAction inserts a sync log entry
func (s *PgStore) LogAction(ctx context.Context, entry *models.SyncLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO sync_logs (id, key_id, host_name, action, status, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.pool.Exec(ctx, query,
		entry.ID, entry.KeyID, entry.HostName, entry.Action, entry.Status, entry.Message, entry.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}

	return nil
}

// GetSyncLogs retrieves the newest logs for a key
func (s *PgStore) GetSyncLogs(ctx context.Context, keyID int64, limit int) ([]*models.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, key_id, host_name, action, status, message, metadata, created_at
		FROM sync_logs
		WHERE key_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.SyncLog
	for rows.Next() {
		entry := &models.SyncLog{}
		err := rows.Scan(
			&entry.ID, &entry.KeyID, &entry.HostName, &entry.Action, &entry.Status,
			&entry.Message, &entry.Metadata, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
