package agora

import (
	"context"
	"time"
)

type AuditEntry struct {
	Id        int64                  `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	Event     string                 `json:"event"`
	UserId    string                 `json:"userId"`
	SessionId string                 `json:"sessionId"`
	Ip        string                 `json:"ip"`
	UserAgent string                 `json:"userAgent"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AuditLog is an append-only sink. Entries are never mutated or deleted.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
}

type AuditReader interface {
	// "beforeId" - get entries before entry with given id. If lower than 0 then gets recent entries up to "limit".
	ByUserId(ctx context.Context, userId string, beforeId int64, limit int32) ([]AuditEntry, error)
}
