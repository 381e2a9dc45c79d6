// Package kafkax wraps the kafka-go writer used to ship bridge events.
package kafkax

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultClientID     = "activitypub-lmtp"
	defaultWriteTimeout = 5 * time.Second
	resetInterval       = 2 * time.Second
)

var ErrClosed = errors.New("kafkax: producer closed")

type Producer struct {
	mu        sync.Mutex
	w         *kafka.Writer
	cfg       ProducerConfig
	lastReset time.Time
}

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	WriteTimeout time.Duration
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafkax: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafkax: topic is empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Producer{cfg: cfg, w: newWriter(cfg)}, nil
}

func newWriter(cfg ProducerConfig) *kafka.Writer {
	// Short metadata TTL so a broker address change heals without a restart.
	tr := &kafka.Transport{
		ClientID:    cfg.ClientID,
		MetadataTTL: 10 * time.Second,
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		BatchTimeout:           20 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Transport:              tr,
	}
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return nil
	}
	err := p.w.Close()
	p.w = nil
	return err
}

// Produce writes one message synchronously. A network or metadata failure
// rebuilds the writer and retries once.
func (p *Producer) Produce(ctx context.Context, msg kafka.Message, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.cfg.WriteTimeout
	}

	write := func() error {
		p.mu.Lock()
		w := p.w
		p.mu.Unlock()
		if w == nil {
			return ErrClosed
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return w.WriteMessages(cctx, msg)
	}

	if err := write(); err != nil {
		if ctx.Err() == nil && shouldReset(err) {
			p.resetOnce()
			return write()
		}
		return err
	}
	return nil
}

var resetSuspects = []string{
	"dial tcp",
	"connection refused",
	"i/o timeout",
	"eof",
	"broken pipe",
	"transport is closing",
	"not leader",
	"unknown broker",
	"failed to dial",
}

func shouldReset(err error) bool {
	if err == nil || errors.Is(err, ErrClosed) {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, sub := range resetSuspects {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (p *Producer) resetOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil || time.Since(p.lastReset) < resetInterval {
		return
	}
	_ = p.w.Close()
	p.w = newWriter(p.cfg)
	p.lastReset = time.Now()
}
