package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/jobs"
)

// Server consumes job submissions from NATS and enqueues them.
type Server struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	manager *jobs.Manager
	log     zerolog.Logger
}

func NewServer(url string, manager *jobs.Manager, log zerolog.Logger) (*Server, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url, nats.Name("devboard-queue-consumer"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Server{
		conn:    conn,
		manager: manager,
		log:     log,
	}, nil
}

func (s *Server) Subscribe() error {
	sub, err := s.conn.Subscribe(JobSubmitSubject, s.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to NATS: %w", err)
	}

	s.sub = sub
	s.log.Info().Str("subject", JobSubmitSubject).Msg("Subscribed to job submissions")
	return nil
}

func (s *Server) handle(msg *nats.Msg) {
	status := s.submit(context.Background(), msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal submission reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn().Err(err).Msg("Failed to reply to submission")
	}
}

func (s *Server) submit(ctx context.Context, data []byte) *JobStatusMessage {
	sub, err := DecodeSubmission(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("Rejected job submission")
		return &JobStatusMessage{Status: "rejected", Error: err.Error()}
	}

	job, err := s.manager.CreateJob(ctx, interfaces.JobType(sub.Type), sub.Payload, sub.CreateOptions())
	if err != nil {
		s.log.Error().Err(err).Str("job_type", sub.Type).Msg("Failed to enqueue submitted job")
		return &JobStatusMessage{Status: "rejected", Error: err.Error()}
	}
	return &JobStatusMessage{JobID: job.JobID, Status: string(job.Status)}
}

func (s *Server) Close() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to unsubscribe")
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
