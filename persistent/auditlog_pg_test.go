package persistent

import (
	"context"
	"math"
	"testing"

	"github.com/buzkaaclicker/agora"
	"github.com/stretchr/testify/assert"
)

func TestPgAuditLog(t *testing.T) {
	if testing.Short() || TestEnvDsn() == "" {
		t.SkipNow()
		return
	}
	assert := assert.New(t)
	ctx := context.Background()
	db, err := PgOpenTest(ctx)
	if !assert.NoError(err) {
		return
	}
	defer db.Close()

	store := &PgAuditLog{DB: db}
	if !assert.NoError(store.CreateSchema(ctx)) {
		return
	}
	_, err = db.NewDelete().
		Model((*AuditLogEntry)(nil)).
		Where("1=1").
		Exec(ctx)
	if !assert.NoError(err) {
		return
	}

	const uid = "1"

	assert.NoError(store.Append(ctx, agora.AuditEntry{Event: "Session created", UserId: uid, SessionId: "a"}))
	assert.NoError(store.Append(ctx, agora.AuditEntry{Event: "Hijacking detected", UserId: uid, SessionId: "a",
		Ip: "10.0.0.2", Metadata: map[string]interface{}{"reason": "ip"}}))

	var lastEntry agora.AuditEntry
	{
		entries, err := store.ByUserId(ctx, uid, -1, 100)
		if !assert.NoError(err) {
			return
		}
		if !assert.Equal(2, len(entries)) {
			return
		}
		lastEntry = entries[len(entries)-1]
		assert.Equal("Hijacking detected", entries[0].Event)
		assert.Equal(map[string]interface{}{"reason": "ip"}, entries[0].Metadata)
		assert.Equal("Session created", entries[1].Event)
	}

	{
		entries, err := store.ByUserId(ctx, uid, lastEntry.Id, 100)
		if assert.NoError(err) {
			assert.Equal(0, len(entries))
		}

		entries, err = store.ByUserId(ctx, uid, lastEntry.Id+1, 100)
		if assert.NoError(err) {
			assert.Equal(1, len(entries))
		}

		entries, err = store.ByUserId(ctx, uid, math.MaxInt64, 100)
		if assert.NoError(err) {
			assert.Equal(2, len(entries))
		}

		entries, err = store.ByUserId(ctx, uid, lastEntry.Id+2, -6)
		if assert.NoError(err) {
			assert.Equal(0, len(entries))
		}
	}
}
