package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentwire/agentwire/events"
	"github.com/agentwire/agentwire/internal/logger"
)

// NATSConfig configures the NATS mirror connection.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// NATSMirror publishes a copy of every live event to
// <prefix>.thread.<threadId>. Delivery is best effort: publish failures
// are logged and never surface to the run.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
	logger *logger.Logger
}

// NewNATSMirror connects to NATS with reconnection handling.
func NewNATSMirror(cfg NATSConfig, log *logger.Logger) (*NATSMirror, error) {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "agentwire"
	}

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

	return &NATSMirror{conn: conn, prefix: prefix, logger: log}, nil
}

// MirrorEvent implements Mirror.
func (m *NATSMirror) MirrorEvent(threadID string, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("Failed to marshal event for mirror",
			zap.String("thread_id", threadID),
			zap.Error(err),
		)
		return
	}

	subject := m.prefix + ".thread." + subjectToken(threadID)
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Error("Failed to mirror event",
			zap.String("subject", subject),
			zap.String("event_type", string(ev.Type)),
			zap.Error(err),
		)
	}
}

// Close drains the connection, processing pending messages first.
func (m *NATSMirror) Close() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("Error draining NATS connection", zap.Error(err))
		m.conn.Close()
	}
}

// subjectToken makes a thread id safe to embed as a NATS subject token.
func subjectToken(threadID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		}
		return r
	}, threadID)
}

var _ Mirror = (*NATSMirror)(nil)
