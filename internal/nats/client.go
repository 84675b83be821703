package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/mtr002/devboard-queue/internal/interfaces"
)

const (
	JobSubmitSubject       = "jobs.submit"
	JobEventsSubjectPrefix = "jobs.events."
)

// Client publishes job submissions and lifecycle events.
type Client struct {
	conn *nats.Conn
}

func NewClient(url string) (*Client, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url, nats.Name("devboard-queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{conn: conn}, nil
}

func (c *Client) PublishJobSubmission(msg *JobSubmissionMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job submission message: %w", err)
	}

	if err := c.conn.Publish(JobSubmitSubject, data); err != nil {
		return fmt.Errorf("failed to publish job submission: %w", err)
	}

	return nil
}

// Record publishes event on jobs.events.<event>, making the client an
// events.Sink.
func (c *Client) Record(_ context.Context, event *interfaces.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	if err := c.conn.Publish(EventSubject(event.Event), data); err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}
	return nil
}

func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
