// Package messaging carries realtime traffic between instances and to the
// services around them over NATS: room fan-out, call routing, crisis alerts
// and offline notification hand-off.
package messaging

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS subjects used across Haven services.
const (
	SubjectFanout        = "realtime.fanout" // cross-instance room/identity fan-out
	SubjectCrisis        = "crisis.detected" // crisis alerts for reviewers
	SubjectNotifyOffline = "notify.offline"  // notifications no live connection took

	// SubjectCallPrefix plus an instance name addresses call operations to
	// the instance that owns the call.
	SubjectCallPrefix = "realtime.call."
)

// Publisher is the publishing half of a NATS connection.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Handler processes one message body. It runs on the subscription's
// delivery goroutine; a panic is logged and the message dropped.
type Handler func(data []byte)

// ReplyHandler answers one request. A panic is logged and the requester
// times out.
type ReplyHandler func(data []byte) []byte

// NATSConfig holds connection settings.
type NATSConfig struct {
	URL           string
	Name          string        // client name shown in server monitoring
	ReconnectWait time.Duration
	MaxReconnects int // -1 retries forever
	PendingMsgs   int // per-subscription buffer before NATS drops as slow consumer
}

// DefaultNATSConfig targets a local server and reconnects forever.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "haven-realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		PendingMsgs:   65536,
	}
}

// NATSClient is a NATS connection plus the subscriptions opened through it.
type NATSClient struct {
	conn    *nats.Conn
	log     zerolog.Logger
	pending int

	mu   sync.Mutex
	subs map[string]*nats.Subscription // by subscriptionKey
}

// NewNATSClient connects and returns a ready client. Only the initial
// connect can fail; later outages are handled by reconnects.
func NewNATSClient(cfg NATSConfig, log zerolog.Logger) (*NATSClient, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Warn().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			if errors.Is(err, nats.ErrSlowConsumer) {
				ev.Msg("nats subscription dropping messages")
				return
			}
			ev.Msg("nats async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect %s: %w", cfg.URL, err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("nats connected")

	return &NATSClient{
		conn:    nc,
		log:     log,
		pending: cfg.PendingMsgs,
		subs:    make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data on subject. NATS buffers publishes while reconnecting,
// so an error here means the connection is closed for good.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Connected reports whether the connection is currently up.
func (c *NATSClient) Connected() bool { return c.conn.IsConnected() }

// Request sends data on subject and waits up to timeout for one reply.
func (c *NATSClient) Request(subject string, data []byte, timeout time.Duration) ([]byte, error) {
	msg, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("messaging: request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Subscribe delivers every message on subject to h.
func (c *NATSClient) Subscribe(subject string, h Handler) error {
	return c.subscribe(subject, "", func(msg *nats.Msg) { c.deliver(msg, h) })
}

// QueueSubscribe delivers each message on subject to one member of queue.
func (c *NATSClient) QueueSubscribe(subject, queue string, h Handler) error {
	return c.subscribe(subject, queue, func(msg *nats.Msg) { c.deliver(msg, h) })
}

// Reply answers every request on subject with h's result.
func (c *NATSClient) Reply(subject string, h ReplyHandler) error {
	return c.subscribe(subject, "", func(msg *nats.Msg) {
		c.deliver(msg, func(data []byte) {
			if err := msg.Respond(h(data)); err != nil {
				c.log.Warn().Err(err).Str("subject", msg.Subject).Msg("nats respond failed")
			}
		})
	})
}

func subscriptionKey(subject, queue string) string {
	if queue == "" {
		return subject
	}
	return subject + "#" + queue
}

func (c *NATSClient) subscribe(subject, queue string, cb nats.MsgHandler) error {
	key := subscriptionKey(subject, queue)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.subs[key]; dup {
		return fmt.Errorf("messaging: already subscribed to %s", key)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.conn.Subscribe(subject, cb)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", key, err)
	}
	if c.pending > 0 {
		_ = sub.SetPendingLimits(c.pending, -1)
	}
	c.subs[key] = sub
	return nil
}

func (c *NATSClient) deliver(msg *nats.Msg, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error().
				Interface("panic", rec).
				Str("subject", msg.Subject).
				Bytes("stack", debug.Stack()).
				Msg("nats handler panic")
		}
	}()
	h(msg.Data)
}

// Unsubscribe removes the plain subscription on subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("messaging: not subscribed to %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Flush round-trips to the server so earlier publishes are processed.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains the connection: subscriptions finish their buffered messages
// and pending publishes are flushed before the socket closes.
func (c *NATSClient) Close() {
	c.mu.Lock()
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("nats drain failed")
		c.conn.Close()
	}
	c.log.Info().Msg("nats client closed")
}
