// Command latticedemo exercises a Lattice database end to end: opening
// a fresh data directory, creating an index, running a transaction that
// inserts and overwrites entries (including a large, fragmented value),
// scanning the index with a cursor, checkpointing, and reopening to show
// the data survived.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/latticedb/lattice"
	"github.com/latticedb/lattice/latticeconf"
	"github.com/latticedb/lattice/logger"
)

func main() {
	dir, err := os.MkdirTemp("", "latticedemo")
	if err != nil {
		logger.Errorf("mkdtemp: %v", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	cfg := latticeconf.DefaultConfig()
	cfg.BaseDir = dir
	cfg.Name = "demo"

	db, err := lattice.Open(cfg)
	if err != nil {
		logger.Errorf("open: %v", err)
		os.Exit(1)
	}

	ix, err := db.OpenIndex("widgets")
	if err != nil {
		logger.Errorf("open index: %v", err)
		os.Exit(1)
	}

	tx := db.NewTransaction()
	if err := tx.Put(ix, []byte("widget:001"), []byte("a small gadget")); err != nil {
		logger.Errorf("put: %v", err)
		os.Exit(1)
	}
	large := make([]byte, 64*1024)
	for i := range large {
		large[i] = byte(i % 251)
	}
	if err := tx.Put(ix, []byte("widget:002"), large); err != nil {
		logger.Errorf("put large: %v", err)
		os.Exit(1)
	}
	if err := tx.Put(ix, []byte("widget:001"), []byte("a small gadget, revised")); err != nil {
		logger.Errorf("overwrite: %v", err)
		os.Exit(1)
	}
	if err := tx.Commit(); err != nil {
		logger.Errorf("commit: %v", err)
		os.Exit(1)
	}

	readTx := db.NewTransaction()
	c := readTx.Cursor(ix)
	if err := c.First(); err != nil {
		logger.Errorf("cursor first: %v", err)
		os.Exit(1)
	}
	for c.Found() {
		val, err := c.Value()
		if err != nil {
			logger.Errorf("cursor value: %v", err)
			os.Exit(1)
		}
		fmt.Printf("%s -> %d byte(s)\n", c.Key(), len(val))
		if err := c.Next(); err != nil {
			logger.Errorf("cursor next: %v", err)
			os.Exit(1)
		}
	}
	readTx.Commit()

	if err := db.Checkpoint(); err != nil {
		logger.Errorf("checkpoint: %v", err)
		os.Exit(1)
	}
	if err := db.Close(); err != nil {
		logger.Errorf("close: %v", err)
		os.Exit(1)
	}

	reopened, err := lattice.Open(cfg)
	if err != nil {
		logger.Errorf("reopen: %v", err)
		os.Exit(1)
	}
	defer reopened.Close()

	ix2, err := reopened.FindIndex("widgets")
	if err != nil {
		logger.Errorf("find index after reopen: %v", err)
		os.Exit(1)
	}
	verifyTx := reopened.NewTransaction()
	val, found, err := verifyTx.Get(ix2, []byte("widget:001"))
	if err != nil {
		logger.Errorf("get after reopen: %v", err)
		os.Exit(1)
	}
	verifyTx.Commit()
	fmt.Printf("after reopen, widget:001 found=%v value=%q\n", found, val)
	fmt.Println("data directory:", filepath.Clean(dir))
}
