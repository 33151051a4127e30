package persistent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/buzkaaclicker/agora"
	"github.com/tidwall/buntdb"
)

// BuntKV is the embedded KV backend. Lists and sets are stored as json arrays
// under their key so that pattern scans and TTLs work the same for every value.
type BuntKV struct {
	Buntdb *buntdb.DB
}

var _ agora.KV = (*BuntKV)(nil)

func setOptions(ttl time.Duration) *buntdb.SetOptions {
	if ttl <= 0 {
		return nil
	}
	return &buntdb.SetOptions{Expires: true, TTL: ttl}
}

// keepTTL returns options preserving the remaining lifetime of an existing key.
func keepTTL(tx *buntdb.Tx, key string) *buntdb.SetOptions {
	ttl, err := tx.TTL(key)
	if err != nil || ttl <= 0 {
		return nil
	}
	return setOptions(ttl)
}

func (kv *BuntKV) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := kv.Buntdb.View(func(tx *buntdb.Tx) error {
		var err error
		value, err = tx.Get(key)
		return err
	})
	if err != nil {
		if errors.Is(err, buntdb.ErrNotFound) {
			return "", agora.ErrKeyNotFound
		}
		return "", fmt.Errorf("bunt view: %w", err)
	}
	return value, nil
}

func (kv *BuntKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	err := kv.Buntdb.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, value, setOptions(ttl))
		return err
	})
	if err != nil {
		return fmt.Errorf("bunt update: %w", err)
	}
	return nil
}

func (kv *BuntKV) Del(ctx context.Context, keys ...string) error {
	err := kv.Buntdb.Update(func(tx *buntdb.Tx) error {
		for _, key := range keys {
			if _, err := tx.Delete(key); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bunt update: %w", err)
	}
	return nil
}

func (kv *BuntKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys := make([]string, 0, 16)
	err := kv.Buntdb.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(pattern, func(key, value string) bool {
			keys = append(keys, key)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bunt ascend keys: %w", err)
	}
	return keys, nil
}

func (kv *BuntKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	err := kv.Buntdb.Update(func(tx *buntdb.Tx) error {
		value, err := tx.Get(key)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(key, value, setOptions(ttl))
		return err
	})
	if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return fmt.Errorf("bunt update: %w", err)
	}
	return nil
}

func (kv *BuntKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var counter int64
	err := kv.Buntdb.Update(func(tx *buntdb.Tx) error {
		options := setOptions(ttl)
		value, err := tx.Get(key)
		switch {
		case err == nil:
			counter, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("parse counter: %w", err)
			}
			options = keepTTL(tx, key)
		case !errors.Is(err, buntdb.ErrNotFound):
			return err
		}
		counter++
		_, _, err = tx.Set(key, strconv.FormatInt(counter, 10), options)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("bunt update: %w", err)
	}
	return counter, nil
}

func (kv *BuntKV) LPush(ctx context.Context, key string, values ...string) error {
	return kv.updateArray(key, func(list []string) []string {
		pushed := make([]string, 0, len(list)+len(values))
		for i := len(values) - 1; i >= 0; i-- {
			pushed = append(pushed, values[i])
		}
		return append(pushed, list...)
	})
}

func (kv *BuntKV) LTrim(ctx context.Context, key string, start int64, stop int64) error {
	return kv.updateArray(key, func(list []string) []string {
		from, to, ok := listRange(int64(len(list)), start, stop)
		if !ok {
			return nil
		}
		return list[from:to]
	})
}

func (kv *BuntKV) LRange(ctx context.Context, key string, start int64, stop int64) ([]string, error) {
	list, err := kv.viewArray(key)
	if err != nil {
		return nil, err
	}
	from, to, ok := listRange(int64(len(list)), start, stop)
	if !ok {
		return []string{}, nil
	}
	return list[from:to], nil
}

func (kv *BuntKV) SAdd(ctx context.Context, key string, members ...string) error {
	return kv.updateArray(key, func(set []string) []string {
		for _, member := range members {
			if indexOf(set, member) < 0 {
				set = append(set, member)
			}
		}
		return set
	})
}

func (kv *BuntKV) SRem(ctx context.Context, key string, members ...string) error {
	return kv.updateArray(key, func(set []string) []string {
		for _, member := range members {
			if i := indexOf(set, member); i >= 0 {
				set = append(set[:i], set[i+1:]...)
			}
		}
		return set
	})
}

func (kv *BuntKV) SMembers(ctx context.Context, key string) ([]string, error) {
	return kv.viewArray(key)
}

func (kv *BuntKV) viewArray(key string) ([]string, error) {
	var array []string
	err := kv.Buntdb.View(func(tx *buntdb.Tx) error {
		var err error
		array, err = getArray(tx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bunt view: %w", err)
	}
	return array, nil
}

// updateArray applies fn to the array stored under key. An empty result
// removes the key, the same way redis drops empty lists and sets.
func (kv *BuntKV) updateArray(key string, fn func([]string) []string) error {
	err := kv.Buntdb.Update(func(tx *buntdb.Tx) error {
		array, err := getArray(tx, key)
		if err != nil {
			return err
		}
		options := keepTTL(tx, key)
		array = fn(array)
		if len(array) == 0 {
			if _, err := tx.Delete(key); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
			return nil
		}
		serialized, err := json.Marshal(array)
		if err != nil {
			return fmt.Errorf("serialize array: %w", err)
		}
		_, _, err = tx.Set(key, string(serialized), options)
		return err
	})
	if err != nil {
		return fmt.Errorf("bunt update: %w", err)
	}
	return nil
}

func getArray(tx *buntdb.Tx, key string) ([]string, error) {
	serialized, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, buntdb.ErrNotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	var array []string
	if err := json.Unmarshal([]byte(serialized), &array); err != nil {
		return nil, fmt.Errorf("deserialize array %s: %w", key, err)
	}
	return array, nil
}

// listRange converts redis style inclusive indexes (negative counts from the
// end) into slice bounds.
func listRange(length int64, start int64, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop || start >= length {
		return 0, 0, false
	}
	return start, stop + 1, true
}

func indexOf(array []string, value string) int {
	for i, v := range array {
		if v == value {
			return i
		}
	}
	return -1
}
