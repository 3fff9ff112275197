// Package testutil provides an embedded NATS server for transport
// tests.
package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartServer starts an embedded NATS server on a random port and
// returns a connected client. Both are torn down via t.Cleanup.
func StartServer(t *testing.T) *nats.Conn {
	t.Helper()

	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	}
	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		s.Shutdown()
	})
	return nc
}

// Connect opens an extra client against the same server, for tests
// that need a second connection.
func Connect(t *testing.T, nc *nats.Conn) *nats.Conn {
	t.Helper()

	extra, err := nats.Connect(nc.ConnectedUrl(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(extra.Close)
	return extra
}
