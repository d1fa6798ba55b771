package transport

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/ChuLiYu/dashsync/internal/fault"
)

// Prober checks cheaply whether the backend is reachable before the client
// leaves OFFLINE for a full dial.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// GRPCHealthProber queries the standard gRPC health service.
type GRPCHealthProber struct {
	Addr      string
	Service   string
	Timeout   time.Duration
	KeepAlive time.Duration
}

// Probe dials Addr and expects SERVING.
func (p GRPCHealthProber) Probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	keepAlive := p.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepAlive,
			Timeout:             timeout,
			PermitWithoutStream: true,
		}),
	}
	conn, err := grpc.NewClient(p.Addr, opts...)
	if err != nil {
		return fault.Transport("probe.grpc", errors.Wrapf(err, "failed to create client for %s", p.Addr))
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.Service})
	if err != nil {
		return fault.Transport("probe.grpc", errors.Wrapf(err, "health check %s", p.Addr))
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fault.Transport("probe.grpc", errors.Errorf("backend reports %s", resp.GetStatus()))
	}
	return nil
}

// HTTPProber issues a GET and expects a 2xx.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe performs the request.
func (p HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return errors.Wrap(err, "build probe request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return fault.Transport("probe.http", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fault.Transport("probe.http", errors.Errorf("probe returned %d", resp.StatusCode))
	}
	return nil
}
