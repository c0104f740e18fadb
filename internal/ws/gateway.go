package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/types"
)

// GatewayConfig controls the runtime behaviour of the status stream.
type GatewayConfig struct {
	HeartbeatInterval time.Duration
	SendBuffer        int
	WriteTimeout      time.Duration
	// CheckOrigin overrides the same-origin check of the upgrade.
	CheckOrigin func(r *http.Request) bool
}

// Gateway upgrades HTTP requests into status stream connections. New clients
// first receive the current status of every ledger, then live updates.
type Gateway struct {
	registry *ConnectionRegistry
	snapshot func() []types.Status
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	cfg      GatewayConfig
	now      func() time.Time
}

// NewGateway creates a Gateway. snapshot may be nil.
func NewGateway(snapshot func() []types.Status, logger zerolog.Logger, cfg GatewayConfig) *Gateway {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Gateway{
		registry: NewConnectionRegistry(),
		snapshot: snapshot,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Registry exposes the live connections.
func (g *Gateway) Registry() *ConnectionRegistry { return g.registry }

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.Observe(time.Since(start).Seconds())

	childLogger := g.logger.With().Str("remote", r.RemoteAddr).Logger()
	var connection *Connection
	connection = newConnection(conn, childLogger, connectionOptions{
		heartbeatInterval: g.cfg.HeartbeatInterval,
		sendBufferSize:    g.cfg.SendBuffer,
		writeTimeout:      g.cfg.WriteTimeout,
	}, func() {
		g.registry.Unregister(connection)
	})

	// Registered before the snapshot is taken so no change falls in between.
	// Frames carry absolute counts; a repeat is harmless.
	g.registry.Register(connection)
	if g.snapshot != nil {
		for _, s := range g.snapshot() {
			if payload, err := encodeFrame(StatusFrame(s, g.now())); err == nil {
				_ = connection.Send(payload)
			}
		}
	}
	childLogger.Debug().Msg("status stream connected")

	go connection.Run()
}

// PublishStatus fans a ledger status out to every client. It has the shape of
// a ledger listener.
func (g *Gateway) PublishStatus(s types.Status) {
	g.publish(StatusFrame(s, g.now()))
}

// PublishReachability fans a reachability change out to every client.
func (g *Gateway) PublishReachability(online bool) {
	g.publish(ReachabilityFrame(online, g.now()))
}

func (g *Gateway) publish(f Frame) {
	payload, err := encodeFrame(f)
	if err != nil {
		g.logger.Error().Err(err).Str("type", f.Type).Msg("encode frame")
		return
	}
	g.registry.Broadcast(payload)
}
