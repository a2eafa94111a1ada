// Package serverrun exposes the Run entrypoint used by the CLI to start the
// runtime with its HTTP and gRPC servers and export tracker, applying config
// file changes live and handling shutdown.
//
// Example:
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{ConfigFile: "/etc/cmdfeed.yaml"})
package serverrun
