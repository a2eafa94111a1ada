// Package runtime wires storage, config and services into a single-node
// instance: the shared Pebble database, optional Badger and SQLite queues,
// the policy and lease tables, the export tracker and its notifiers, and
// the feed service on top.
//
// Example:
//
//	cfg, _ := config.Load("/etc/cmdfeed.yaml")
//	rt, err := runtime.Open(ctx, runtime.Options{Config: cfg, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//	_ = rt.CheckHealth(ctx)
package runtime
