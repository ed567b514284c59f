// Package natsutil connects lexd to NATS, optionally running an embedded
// JetStream-enabled server in process.
package natsutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/lexd/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const readyTimeout = 5 * time.Second

// Conn is a NATS connection plus the embedded server backing it, if any.
type Conn struct {
	*nats.Conn
	server *natsserver.Server
}

// Close drains the connection and stops the embedded server.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	if c.Conn != nil {
		c.Conn.Close()
	}
	if c.server != nil {
		c.server.Shutdown()
		c.server.WaitForShutdown()
	}
}

// Connect returns nil when NATS is disabled (no URL and not embedded).
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Embedded && cfg.URL == "" {
		logger.Info("nats disabled, progress events and shared caches stay in process")
		return nil, nil
	}

	out := &Conn{}
	url := cfg.URL
	if cfg.Embedded {
		srv, err := StartEmbedded(cfg.StoreDir, -1)
		if err != nil {
			return nil, err
		}
		out.server = srv
		url = srv.ClientURL()
		logger.Info("embedded nats server started", zap.String("url", url))
	}

	nc, err := nats.Connect(url,
		nats.Name("lexd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	out.Conn = nc

	// Surface a misconfigured server (no JetStream) at startup.
	js, err := nc.JetStream()
	if err == nil {
		_, err = js.AccountInfo()
	}
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("jetstream unavailable at %s: %w", url, err)
	}
	logger.Info("connected to nats", zap.String("url", url))
	return out, nil
}

// StartEmbedded runs a JetStream-enabled server bound to localhost. A port
// of -1 picks a random free port.
func StartEmbedded(storeDir string, port int) (*natsserver.Server, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:           "127.0.0.1",
		Port:           port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
		JetStream:      true,
		StoreDir:       storeDir,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(readyTimeout) {
		srv.Shutdown()
		return nil, errors.New("embedded nats server not ready")
	}
	return srv, nil
}
