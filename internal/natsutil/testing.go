package natsutil

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartTestServer runs an embedded JetStream server for the duration of the
// test and returns a connection to it.
func StartTestServer(t testing.TB) *nats.Conn {
	t.Helper()

	srv, err := StartEmbedded(t.TempDir(), -1)
	require.NoError(t, err)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return nc
}
