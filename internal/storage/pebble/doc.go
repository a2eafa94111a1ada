// Package pebblestore wraps Pebble with an fsync policy, snapshots, plain and
// indexed batches, and minimal metrics hooks. It is the default storage engine
// for the command feed: work item partitions and export records both live here.
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewIndexedBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(ctx, b)
//	b.Close()
package pebblestore
