// Package ingest accepts enqueue requests published on a NATS subject, for
// producers that would rather not speak HTTP.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"queuectl/internal/logger"
	"queuectl/internal/queue"
)

// Reply is sent back when the publisher asked for one.
type Reply struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Server subscribes to a subject and enqueues every message it receives.
type Server struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	manager *queue.Manager
	log     zerolog.Logger
	timeout time.Duration
}

// NewServer connects to url. An empty url means nats.DefaultURL.
func NewServer(url, subject string, manager *queue.Manager, log zerolog.Logger) (*Server, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("queuectl-ingest"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Server{
		conn:    conn,
		subject: subject,
		manager: manager,
		log:     log,
		timeout: 5 * time.Second,
	}, nil
}

// Subscribe starts consuming. Messages are handled one at a time on the
// subscription's goroutine.
func (s *Server) Subscribe() error {
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		reply := s.handle(ctx, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			s.log.Warn().Err(err).Msg("nats reply failed")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.log.Info().Str("subject", s.subject).Msg("listening for enqueue requests")
	return nil
}

func (s *Server) handle(ctx context.Context, data []byte) Reply {
	var req queue.Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed enqueue message")
		return Reply{Error: fmt.Sprintf("invalid json: %v", err)}
	}
	id, err := s.manager.Enqueue(ctx, req)
	if err != nil {
		s.log.Warn().Err(err).Msg("enqueue from nats rejected")
		return Reply{Error: err.Error()}
	}
	log := logger.WithJobID(s.log, id)
	log.Debug().Msg("enqueued from nats")
	return Reply{ID: id}
}

// Close drains the subscription and closes the connection.
func (s *Server) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// Publish sends req on subject and waits for the server's reply.
func Publish(ctx context.Context, url, subject string, req queue.Request) (string, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("queuectl-cli"))
	if err != nil {
		return "", fmt.Errorf("connect nats: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", subject, err)
	}
	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return "", fmt.Errorf("enqueue rejected: %s", reply.Error)
	}
	return reply.ID, nil
}
