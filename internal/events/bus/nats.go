package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/common/config"
	"github.com/haivemind/haivemind/internal/common/logger"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// subjectPrefix scopes hAIvemind events on a shared NATS cluster.
const subjectPrefix = "haivemind.events"

// NATSBridge republishes every broadcast event onto NATS so external
// swarm runners and remote observers can follow a session without a
// direct WebSocket connection. It is registered as a bus tap.
type NATSBridge struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBridge connects to NATS with reconnection handling.
func NewNATSBridge(cfg config.NATSConfig, log *logger.Logger) (*NATSBridge, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("Connected to NATS", zap.String("url", cfg.URL))
	return &NATSBridge{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "nats-bridge")),
	}, nil
}

// Send implements Subscriber. Events scoped to a project publish on
// haivemind.events.<slug>; global events on haivemind.events._global.
func (n *NATSBridge) Send(ev *v1.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("failed to marshal event", zap.Error(err))
		return false
	}

	subject := subjectPrefix + "._global"
	if ev.ProjectSlug != "" {
		subject = subjectPrefix + "." + ev.ProjectSlug
	}

	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.String("kind", ev.Kind),
			zap.Error(err))
		return false
	}
	return true
}

// Close drains and closes the NATS connection.
func (n *NATSBridge) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

// IsConnected returns the connection status.
func (n *NATSBridge) IsConnected() bool {
	return n.conn != nil && n.conn.IsConnected()
}
