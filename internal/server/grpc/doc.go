// Package grpcserver hosts the gRPC endpoint used by load balancers and
// orchestrators: the standard grpc.health.v1 service plus reflection.
//
// Example:
//
//	s := grpcserver.New(rt.CheckHealth, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":50051")
package grpcserver
