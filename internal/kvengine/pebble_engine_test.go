package kvengine_test

import (
	"testing"

	"github.com/docdbgo/docdb/internal/kvengine"
	"github.com/docdbgo/docdb/internal/kvengine/kvenginetest"
)

func TestPebbleConformance(t *testing.T) {
	kvenginetest.Run(t, func() kvengine.Engine {
		dir := t.TempDir()
		e, err := kvengine.Open(dir, kvengine.DefaultOptions())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { e.Close() })
		return e
	})
}
