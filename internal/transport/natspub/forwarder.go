// Package natspub forwards in-memory bus events to NATS subjects so other
// systems can follow job activity.
package natspub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"cabeat/internal/eventbus"
	logx "cabeat/pkg/logx"
)

type Config struct {
	URL           string
	SubjectPrefix string // default "cabeat.events"
	Name          string // connection name shown by the server
	Buffer        int    // bus subscription buffer
}

// Conn is the part of *nats.Conn the forwarder uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

type Forwarder struct {
	conn   Conn
	prefix string
	buffer int
	log    logx.Logger
}

// Dial connects to NATS with unlimited reconnects.
func Dial(cfg Config, log logx.Logger) (*Forwarder, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = "cabeat"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Comp("natspub"))
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("nats connected", logx.String("url", nc.ConnectedUrl()))
	return New(nc, cfg, log), nil
}

func New(conn Conn, cfg Config, log logx.Logger) *Forwarder {
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = "cabeat.events"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Forwarder{conn: conn, prefix: prefix, buffer: cfg.Buffer, log: log}
}

// Subject returns the subject an event type is published on.
func (f *Forwarder) Subject(eventType string) string {
	return f.prefix + "." + eventType
}

// Forward publishes one event as JSON.
func (f *Forwarder) Forward(e eventbus.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return f.conn.Publish(f.Subject(e.Type), b)
}

// Subscribe attaches to bus with the configured buffer. Call it before
// anything publishes so startup events are not missed.
func (f *Forwarder) Subscribe(bus eventbus.Bus) (<-chan eventbus.Event, func()) {
	return bus.Subscribe(f.buffer)
}

// Run forwards events until ctx is done or events is closed, then drains
// the connection. Events already buffered when events is closed are still
// forwarded.
func (f *Forwarder) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return f.drain()
		case e, ok := <-events:
			if !ok {
				return f.drain()
			}
			if err := f.Forward(e); err != nil {
				f.log.Warn("event forward failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

func (f *Forwarder) drain() error {
	if err := f.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}
