package persistent

import (
	"context"
	"fmt"
	"time"

	"github.com/buzkaaclicker/agora"
	"github.com/uptrace/bun"
)

type AuditLogEntry struct {
	bun.BaseModel `bun:"table:session_audit_log"`

	Id        int64                  `bun:",pk,autoincrement"`
	CreatedAt time.Time              `bun:",nullzero,notnull,default:current_timestamp"`
	Event     string                 `bun:",notnull"`
	UserId    string                 `bun:",notnull"`
	SessionId string                 `bun:",notnull"`
	Ip        string                 `bun:",notnull"`
	UserAgent string                 `bun:",notnull"`
	Metadata  map[string]interface{} `bun:"type:jsonb"`
}

func (l *AuditLogEntry) ToDomain() agora.AuditEntry {
	return agora.AuditEntry{
		Id:        l.Id,
		Timestamp: l.CreatedAt,
		Event:     l.Event,
		UserId:    l.UserId,
		SessionId: l.SessionId,
		Ip:        l.Ip,
		UserAgent: l.UserAgent,
		Metadata:  l.Metadata,
	}
}

// PgAuditLog mirrors audit entries into postgres so they can be queried per user.
type PgAuditLog struct {
	DB *bun.DB
}

var (
	_ agora.AuditLog    = (*PgAuditLog)(nil)
	_ agora.AuditReader = (*PgAuditLog)(nil)
)

func (s *PgAuditLog) CreateSchema(ctx context.Context) error {
	_, err := s.DB.NewCreateTable().
		IfNotExists().
		Model((*AuditLogEntry)(nil)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}

func (s *PgAuditLog) Append(ctx context.Context, entry agora.AuditEntry) error {
	createdAt := entry.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.DB.NewInsert().
		Model(&AuditLogEntry{
			CreatedAt: createdAt,
			Event:     entry.Event,
			UserId:    entry.UserId,
			SessionId: entry.SessionId,
			Ip:        entry.Ip,
			UserAgent: entry.UserAgent,
			Metadata:  entry.Metadata,
		}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PgAuditLog) ByUserId(ctx context.Context, userId string, beforeId int64, limit int32) ([]agora.AuditEntry, error) {
	if limit <= 0 {
		return []agora.AuditEntry{}, nil
	}
	var entries []AuditLogEntry
	query := s.DB.NewSelect().
		Model((*AuditLogEntry)(nil)).
		Where("user_id = ?", userId).
		OrderExpr("id DESC").
		Limit(int(limit))
	if beforeId >= 0 {
		query = query.Where("id < ?", beforeId)
	}
	if err := query.Scan(ctx, &entries); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	mapped := make([]agora.AuditEntry, len(entries))
	for i, e := range entries {
		mapped[i] = e.ToDomain()
	}
	return mapped, nil
}
