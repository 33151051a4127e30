package security

import (
	"testing"

	"github.com/buzkaaclicker/agora/persistent"
	"github.com/tidwall/buntdb"
)

func openKV(t *testing.T) *persistent.BuntKV {
	bdb, err := buntdb.Open(":memory:")
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		_ = bdb.Close()
	})
	return &persistent.BuntKV{Buntdb: bdb}
}
