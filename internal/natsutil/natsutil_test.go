package natsutil

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_DisabledReturnsNil(t *testing.T) {
	conn, err := Connect(config.NATSConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, conn)
	conn.Close()
}

func TestConnect_Embedded(t *testing.T) {
	conn, err := Connect(config.NATSConfig{Embedded: true, StoreDir: t.TempDir()}, nil)
	require.NoError(t, err)
	require.NotNil(t, conn)
	defer conn.Close()

	sub, err := conn.SubscribeSync("lexd.ping")
	require.NoError(t, err)
	require.NoError(t, conn.Publish("lexd.ping", []byte("pong")))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg.Data))
}

func TestStartTestServer(t *testing.T) {
	nc := StartTestServer(t)
	assert.Equal(t, nats.CONNECTED, nc.Status())
}
