package natsutil

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/stagepass/lifecycle/internal/messaging"
)

type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

func ConnectJetStream(url string) (*Client, error) {
	conn, err := nats.Connect(url, nats.Name("stagepass-lifecycle"))
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	if err := messaging.EnsureStreams(js); err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

func ConnectJetStreamWithRetry(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	client, err := backoff.Retry(ctx, func() (*Client, error) {
		return ConnectJetStream(url)
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect jetstream timeout after %s: %w", timeout, err)
	}
	return client, nil
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

// Publisher publishes a payload under a de-duplication id. JetStream drops
// a second message with the same id inside the stream's duplicate window.
type Publisher interface {
	Publish(subject, msgID string, payload []byte) error
}

type JetStreamPublisher struct {
	JS nats.JetStreamContext
}

func (p JetStreamPublisher) Publish(subject, msgID string, payload []byte) error {
	opts := []nats.PubOpt{}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	_, err := p.JS.Publish(subject, payload, opts...)
	return err
}
