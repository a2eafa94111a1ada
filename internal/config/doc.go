// Package config loads server configuration from a JSON or YAML file with
// CMDFEED_* environment overrides, validates it, and can watch the file for
// live changes to the lease table and policy path.
//
// Example:
//
//	cfg, err := config.Load("/etc/cmdfeed.yaml")
//	if err != nil {
//	    return err
//	}
//	rt, err := runtime.Open(ctx, runtime.Options{Config: cfg, Logger: logger})
package config
