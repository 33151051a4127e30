package persistent

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/buzkaaclicker/agora"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/buntdb"
)

func openBuntKV(t *testing.T) *BuntKV {
	bdb, err := buntdb.Open(":memory:")
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		_ = bdb.Close()
	})
	return &BuntKV{Buntdb: bdb}
}

func openRedisKV(t *testing.T) (*RedisKV, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return &RedisKV{Client: client}, mr
}

func TestBuntKV(t *testing.T) {
	testKV(t, openBuntKV(t))
}

func TestRedisKV(t *testing.T) {
	kv, _ := openRedisKV(t)
	testKV(t, kv)
}

func TestRedisKVTTL(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	kv, mr := openRedisKV(t)

	assert.NoError(kv.Set(ctx, "session:expiring", "value", time.Minute))
	mr.FastForward(2 * time.Minute)
	_, err := kv.Get(ctx, "session:expiring")
	assert.ErrorIs(err, agora.ErrKeyNotFound)

	counter, err := kv.Incr(ctx, "counter", time.Minute)
	if assert.NoError(err) {
		assert.Equal(int64(1), counter)
	}
	assert.True(mr.TTL("counter") > 0)
}

func testKV(t *testing.T, kv agora.KV) {
	assert := assert.New(t)
	ctx := context.Background()

	// plain values
	{
		_, err := kv.Get(ctx, "missing")
		assert.ErrorIs(err, agora.ErrKeyNotFound)

		assert.NoError(kv.Set(ctx, "session:a", "1", time.Hour))
		assert.NoError(kv.Set(ctx, "session:b", "2", 0))
		assert.NoError(kv.Set(ctx, "other:c", "3", 0))

		value, err := kv.Get(ctx, "session:a")
		if assert.NoError(err) {
			assert.Equal("1", value)
		}

		keys, err := kv.Keys(ctx, "session:*")
		if assert.NoError(err) {
			sort.Strings(keys)
			assert.Equal([]string{"session:a", "session:b"}, keys)
		}

		assert.NoError(kv.Expire(ctx, "session:b", time.Hour))
		assert.NoError(kv.Expire(ctx, "does-not-exist", time.Hour))

		assert.NoError(kv.Del(ctx, "session:a", "does-not-exist"))
		_, err = kv.Get(ctx, "session:a")
		assert.ErrorIs(err, agora.ErrKeyNotFound)
	}

	// counters
	{
		for i := int64(1); i <= 3; i++ {
			counter, err := kv.Incr(ctx, "failed_logins:wallet:abc", time.Hour)
			if assert.NoError(err) {
				assert.Equal(i, counter)
			}
		}
	}

	// lists
	{
		assert.NoError(kv.LPush(ctx, "events", "a"))
		assert.NoError(kv.LPush(ctx, "events", "b", "c"))
		values, err := kv.LRange(ctx, "events", 0, -1)
		if assert.NoError(err) {
			assert.Equal([]string{"c", "b", "a"}, values)
		}

		values, err = kv.LRange(ctx, "events", 1, 1)
		if assert.NoError(err) {
			assert.Equal([]string{"b"}, values)
		}

		assert.NoError(kv.LTrim(ctx, "events", 0, 1))
		values, err = kv.LRange(ctx, "events", 0, -1)
		if assert.NoError(err) {
			assert.Equal([]string{"c", "b"}, values)
		}

		values, err = kv.LRange(ctx, "no-events", 0, -1)
		if assert.NoError(err) {
			assert.Empty(values)
		}
	}

	// sets
	{
		assert.NoError(kv.SAdd(ctx, "user_sessions:user:1", "x", "y"))
		assert.NoError(kv.SAdd(ctx, "user_sessions:user:1", "y", "z"))
		members, err := kv.SMembers(ctx, "user_sessions:user:1")
		if assert.NoError(err) {
			sort.Strings(members)
			assert.Equal([]string{"x", "y", "z"}, members)
		}

		assert.NoError(kv.SRem(ctx, "user_sessions:user:1", "y", "unknown"))
		members, err = kv.SMembers(ctx, "user_sessions:user:1")
		if assert.NoError(err) {
			sort.Strings(members)
			assert.Equal([]string{"x", "z"}, members)
		}

		assert.NoError(kv.SRem(ctx, "user_sessions:user:1", "x", "z"))
		members, err = kv.SMembers(ctx, "user_sessions:user:1")
		if assert.NoError(err) {
			assert.Empty(members)
		}
	}
}

func TestListRange(t *testing.T) {
	assert := assert.New(t)

	cases := []struct {
		length, start, stop int64
		from, to            int64
		ok                  bool
	}{
		{5, 0, -1, 0, 5, true},
		{5, 0, 49, 0, 5, true},
		{5, 1, 2, 1, 3, true},
		{5, -2, -1, 3, 5, true},
		{5, 3, 1, 0, 0, false},
		{0, 0, -1, 0, 0, false},
		{5, 7, 9, 0, 0, false},
	}
	for _, tc := range cases {
		from, to, ok := listRange(tc.length, tc.start, tc.stop)
		assert.Equal(tc.ok, ok, tc)
		if tc.ok {
			assert.Equal(tc.from, from, tc)
			assert.Equal(tc.to, to, tc)
		}
	}
}
