//go:build integration

package mpostgres_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	toxiproxyclient "github.com/Shopify/toxiproxy/v2/client"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tctoxiproxy "github.com/testcontainers/testcontainers-go/modules/toxiproxy"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hustlexp/escrow-kernel/internal/platform/mlog"
	"github.com/hustlexp/escrow-kernel/internal/platform/mpostgres"
)

// Run with:
//
//	go test -tags integration ./internal/platform/mpostgres/...
//
// Grounded on the teacher's tests/utils/redis/container.go (GenericContainer
// startup shape) and tests/utils/chaos/network.go (Toxiproxy proxy/toxic
// lifecycle), adapted here to a single Postgres container fronted by a
// Toxiproxy proxy so Connect can be exercised against a severed upstream.
func startPostgresContainer(t *testing.T) (host, port string) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "escrow",
			"POSTGRES_PASSWORD": "escrow",
			"POSTGRES_DB":       "escrow",
		},
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.Memory = 256 * 1024 * 1024
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections"),
			wait.ForListeningPort("5432/tcp"),
		).WithDeadline(60 * time.Second),
	}

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")

	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	h, err := ctr.Host(ctx)
	require.NoError(t, err)

	mapped, err := ctr.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return h, mapped.Port()
}

// startToxiproxy starts a Toxiproxy container reachable from the test
// process's network namespace and returns a client bound to its API.
func startToxiproxy(t *testing.T) *toxiproxyclient.Client {
	t.Helper()

	ctx := context.Background()

	toxiContainer, err := tctoxiproxy.Run(ctx, "ghcr.io/shopify/toxiproxy:2.12.0",
		testcontainers.WithExposedPorts("8666/tcp"),
		testcontainers.WithHostConfigModifier(func(hc *container.HostConfig) {
			hc.ExtraHosts = append(hc.ExtraHosts, "host.docker.internal:host-gateway")
		}),
	)
	require.NoError(t, err, "failed to start toxiproxy container")

	t.Cleanup(func() {
		if err := toxiContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate toxiproxy container: %v", err)
		}
	})

	apiHost, err := toxiContainer.Host(ctx)
	require.NoError(t, err)

	apiPort, err := toxiContainer.MappedPort(ctx, "8474")
	require.NoError(t, err)

	return toxiproxyclient.NewClient(fmt.Sprintf("http://%s:%s", apiHost, apiPort.Port()))
}

// TestIntegration_Chaos_Connect_SurvivesProxyDisconnectThenReconnect starts a
// real Postgres container behind a Toxiproxy proxy, applies migrations
// through the proxy, severs the proxy mid-session, and verifies Connect
// returns a plain error (no panic) while the proxy is down and succeeds
// again once it is restored.
func TestIntegration_Chaos_Connect_SurvivesProxyDisconnectThenReconnect(t *testing.T) {
	_, pgPort := startPostgresContainer(t)
	toxi := startToxiproxy(t)

	upstream := net.JoinHostPort("host.docker.internal", pgPort)
	listen := "0.0.0.0:8666"

	proxy, err := toxi.CreateProxy("postgres", listen, upstream)
	require.NoError(t, err, "failed to create toxiproxy proxy")

	t.Cleanup(func() {
		_ = proxy.Delete()
	})

	proxyAddr := net.JoinHostPort("127.0.0.1", "8666")
	dsn := fmt.Sprintf("postgres://escrow:escrow@%s/escrow?sslmode=disable&connect_timeout=5", proxyAddr)

	conn := &mpostgres.Connection{
		ConnectionStringPrimary: dsn,
		MigrationsPath:          "migrations",
		Logger:                  &mlog.NoneLogger{},
	}
	require.NoError(t, conn.Connect(), "expected initial connect through the proxy to succeed")

	proxy.Enabled = false
	require.NoError(t, proxy.Save(), "failed to disable proxy")

	broken := &mpostgres.Connection{
		ConnectionStringPrimary: dsn,
		Logger:                  &mlog.NoneLogger{},
	}
	require.Error(t, broken.Connect(), "expected Connect to fail gracefully while the proxy is disabled")

	proxy.Enabled = true
	require.NoError(t, proxy.Save(), "failed to re-enable proxy")

	recovered := &mpostgres.Connection{
		ConnectionStringPrimary: dsn,
		Logger:                  &mlog.NoneLogger{},
	}
	require.NoError(t, recovered.Connect(), "expected Connect to succeed again once the proxy is restored")
}
