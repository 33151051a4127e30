package mock

import (
	"context"

	"github.com/buzkaaclicker/agora"
)

type AuditLog struct {
	AppendFn func(ctx context.Context, entry agora.AuditEntry) error
}

func (l AuditLog) Append(ctx context.Context, entry agora.AuditEntry) error {
	return l.AppendFn(ctx, entry)
}
