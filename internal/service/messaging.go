package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/portdaddy/portdaddy/internal/config"
	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/message"
	"github.com/portdaddy/portdaddy/internal/domain/webhook"
	"github.com/portdaddy/portdaddy/internal/metrics"
	"github.com/portdaddy/portdaddy/internal/port/database"
	"github.com/portdaddy/portdaddy/internal/validate"
)

// subscriberBuffer is each SSE subscriber's fan-out buffer. A subscriber
// that falls this far behind is disconnected rather than blocking the
// publisher.
const subscriberBuffer = 32

// maxPollTimeout caps a long-poll caller's requested park time.
const maxPollTimeout = 60 * time.Second

// Messaging is the pub/sub hub: durable ordered channels with
// in-memory SSE subscriber sets, long-poll waiter parking, and per-IP
// connection budgets.
type Messaging struct {
	store database.Store
	cfg   *config.Messaging
	hooks *WebhookService
	now   func() int64

	mu       sync.Mutex
	channels map[string]*channelState
	ipSSE    map[string]int
	ipPoll   map[string]int
}

// channelState is one channel's in-memory fan-out state, guarded by its
// own latch so channels never contend with each other.
type channelState struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
	wake chan struct{}
}

// Subscriber is one attached SSE connection. Messages arrive on C;
// Done is closed when the hub disconnects the subscriber (backlog or
// shutdown). Callers must Close when the client goes away.
type Subscriber struct {
	C    chan message.Message
	Done chan struct{}

	hub       *Messaging
	channel   string
	ip        string
	once      sync.Once
	closeOnce sync.Once
}

// NewMessaging creates the hub.
func NewMessaging(store database.Store, cfg *config.Messaging, hooks *WebhookService) *Messaging {
	return &Messaging{
		store:    store,
		cfg:      cfg,
		hooks:    hooks,
		now:      nowMS,
		channels: make(map[string]*channelState),
		ipSSE:    make(map[string]int),
		ipPoll:   make(map[string]int),
	}
}

func (m *Messaging) channel(name string) *channelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.channels[name]
	if !ok {
		cs = &channelState{subs: make(map[*Subscriber]struct{}), wake: make(chan struct{})}
		m.channels[name] = cs
	}
	return cs
}

// Publish persists a message on channel and fans it out: every attached
// subscriber gets a non-blocking send (a backlogged one is disconnected),
// and every parked long-poll waiter is woken.
func (m *Messaging) Publish(ctx context.Context, channel string, payload []byte, sender string, expiresMS int64) (int64, error) {
	if err := validate.Channel(channel); err != nil {
		return 0, err
	}
	if err := validate.PayloadSize(payload, message.MaxPayloadBytes); err != nil {
		return 0, err
	}

	now := m.now()
	msg := &message.Message{Channel: channel, Payload: payload, Sender: sender, CreatedAt: now}
	if expiresMS > 0 {
		v := now + expiresMS
		msg.ExpiresAt = &v
	}

	id, err := m.store.InsertMessage(ctx, msg)
	if err != nil {
		return 0, err
	}
	msg.ID = id
	metrics.MessagesPublishedTotal.Inc()

	cs := m.channel(channel)
	cs.mu.Lock()
	for sub := range cs.subs {
		select {
		case sub.C <- *msg:
		default:
			// Slow consumer: drop the connection, never the publisher.
			delete(cs.subs, sub)
			sub.disconnect()
		}
	}
	// Broadcast to long-poll waiters by closing and replacing the wake
	// channel.
	close(cs.wake)
	cs.wake = make(chan struct{})
	cs.mu.Unlock()

	m.hooks.Trigger(webhook.EventMessagePublish, map[string]any{
		"channel": channel, "id": id, "sender": sender,
	}, channel)
	return id, nil
}

// Get returns up to limit messages on channel with id > after, oldest
// first.
func (m *Messaging) Get(ctx context.Context, channel string, after int64, limit int) ([]message.Message, error) {
	if err := validate.Channel(channel); err != nil {
		return nil, err
	}
	return m.store.ListMessages(ctx, channel, after, limit)
}

// Subscribe attaches an SSE subscriber to channel, enforcing the per-IP
// SSE budget and the per-channel subscriber cap.
func (m *Messaging) Subscribe(channel, ip string) (*Subscriber, error) {
	if err := validate.Channel(channel); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.ipSSE[ip] >= m.cfg.SSEConcurrentPerIPMax {
		m.mu.Unlock()
		return nil, fmt.Errorf("sse budget for %s: %w", ip, domain.ErrConnectionLimit)
	}
	m.ipSSE[ip]++
	m.mu.Unlock()

	cs := m.channel(channel)
	cs.mu.Lock()
	if len(cs.subs) >= m.cfg.SubscribersPerChannelMax {
		cs.mu.Unlock()
		m.releaseSSE(ip)
		return nil, fmt.Errorf("channel %s at subscriber cap: %w", channel, domain.ErrConnectionLimit)
	}
	sub := &Subscriber{
		C:       make(chan message.Message, subscriberBuffer),
		Done:    make(chan struct{}),
		hub:     m,
		channel: channel,
		ip:      ip,
	}
	cs.subs[sub] = struct{}{}
	cs.mu.Unlock()

	metrics.SSESubscribers.Inc()
	return sub, nil
}

func (m *Messaging) releaseSSE(ip string) {
	m.mu.Lock()
	if m.ipSSE[ip] > 0 {
		m.ipSSE[ip]--
	}
	if m.ipSSE[ip] == 0 {
		delete(m.ipSSE, ip)
	}
	m.mu.Unlock()
}

// disconnect is called with the channel latch held; it only signals the
// handler, which then calls Close to release budgets.
func (s *Subscriber) disconnect() {
	s.once.Do(func() { close(s.Done) })
}

// Close detaches the subscriber and frees its budget slots. Safe to call
// more than once.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		cs := s.hub.channel(s.channel)
		cs.mu.Lock()
		delete(cs.subs, s)
		cs.mu.Unlock()

		s.disconnect()
		s.hub.releaseSSE(s.ip)
		metrics.SSESubscribers.Dec()
	})
}

// Poll implements long-poll: return the first message with id > after if
// one exists, otherwise park until the publisher wakes the channel, the
// (clamped) timeout fires, or the caller disconnects. A timeout returns
// (nil, nil).
func (m *Messaging) Poll(ctx context.Context, channel string, after int64, timeout time.Duration, ip string) (*message.Message, error) {
	if err := validate.Channel(channel); err != nil {
		return nil, err
	}
	if timeout <= 0 || timeout > maxPollTimeout {
		timeout = maxPollTimeout
	}

	m.mu.Lock()
	if m.ipPoll[ip] >= m.cfg.LongPollConcurrentPerIPMax {
		m.mu.Unlock()
		return nil, fmt.Errorf("long-poll budget for %s: %w", ip, domain.ErrConnectionLimit)
	}
	m.ipPoll[ip]++
	m.mu.Unlock()
	metrics.LongPollWaiters.Inc()
	defer func() {
		m.mu.Lock()
		if m.ipPoll[ip] > 0 {
			m.ipPoll[ip]--
		}
		if m.ipPoll[ip] == 0 {
			delete(m.ipPoll, ip)
		}
		m.mu.Unlock()
		metrics.LongPollWaiters.Dec()
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// Re-check on wakeup at no finer than the configured poll interval so
	// many idle waiters do not hammer the read pool.
	interval := m.cfg.PollInterval
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		msg, err := m.store.FirstMessageAfter(ctx, channel, after)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}

		cs := m.channel(channel)
		cs.mu.Lock()
		wake := cs.wake
		cs.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-wake:
		case <-ticker.C:
		}
	}
}
