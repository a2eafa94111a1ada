// Package httpserver is the REST surface over the feed service: command
// ingestion, agent leases, export tracking, statistics and dead letters.
//
// Example:
//
//	svc, _ := feed.New(deps)
//	s := httpserver.New(svc, httpserver.Options{JWTSecret: secret}, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
