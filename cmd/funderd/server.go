package main

import (
	"net"

	"github.com/funder-network/funder-core/funder"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// server is funderd's gRPC front end. It wraps a *funder.Loop, which does
// all the real work; this type's only job is transport. The actual
// control/friend-message service definitions are out of scope for this
// exercise (no .proto sources were provided), so only the standard health
// service is registered — enough for an operator or orchestrator to probe
// liveness against the real *grpc.Server this daemon runs.
type server struct {
	grpcServer *grpc.Server
	loop       *funder.Loop
	health     *health.Server
}

func newServer(loop *funder.Loop) *server {
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()

	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	srv := &server{
		grpcServer: grpcServer,
		loop:       loop,
		health:     healthSrv,
	}
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return srv
}

func (s *server) listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func (s *server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

func (s *server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
