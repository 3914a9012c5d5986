package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/portdaddy/portdaddy/internal/config"
	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/webhook"
	"github.com/portdaddy/portdaddy/internal/metrics"
	"github.com/portdaddy/portdaddy/internal/port/database"
	"github.com/portdaddy/portdaddy/internal/resilience"
)

// maxResponseBodyBytes bounds how much of a subscriber's response body is
// recorded on the delivery row.
const maxResponseBodyBytes = 4 * 1024

// WebhookService registers event subscriptions and fans deliveries out to
// their URLs with SSRF filtering, HMAC signing, and bounded retry.
type WebhookService struct {
	store  database.Store
	cfg    *config.Webhooks
	brkCfg *config.Breaker
	client *http.Client
	now    func() int64

	// dispatchCtx bounds every delivery goroutine; Stop cancels it and
	// waits, so retry timers never outlive the daemon.
	dispatchCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
}

// NewWebhookService creates the dispatcher. Deliveries spawned by Trigger
// run until Stop is called.
func NewWebhookService(store database.Store, cfg *config.Webhooks, brkCfg *config.Breaker) *WebhookService {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebhookService{
		store:       store,
		cfg:         cfg,
		brkCfg:      brkCfg,
		client:      &http.Client{Timeout: cfg.DeliveryTimeout},
		now:         nowMS,
		dispatchCtx: ctx,
		cancel:      cancel,
		breakers:    make(map[string]*resilience.Breaker),
	}
}

// Stop cancels in-flight deliveries and waits for their goroutines. Any
// delivery cut off mid-retry stays pending and is re-driven at next start.
func (s *WebhookService) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *WebhookService) breaker(subID string) *resilience.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[subID]
	if !ok {
		b = resilience.NewBreaker(s.brkCfg.MaxFailures, s.brkCfg.Timeout)
		s.breakers[subID] = b
	}
	return b
}

// Register validates url against the SSRF filter and the event list
// against the closed vocabulary, then persists the subscription.
func (s *WebhookService) Register(ctx context.Context, url string, events []webhook.Event, secret, filterPattern string, metadata []byte) (*webhook.Subscription, error) {
	if err := CheckWebhookURL(url); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("at least one event required: %w", domain.ErrValidation)
	}
	for _, e := range events {
		if !webhook.IsValidEvent(e) {
			return nil, fmt.Errorf("unknown event %q: %w", e, domain.ErrValidation)
		}
	}

	sub := &webhook.Subscription{
		ID:            uuid.NewString(),
		URL:           url,
		Secret:        secret,
		Events:        events,
		FilterPattern: filterPattern,
		Active:        true,
		CreatedAt:     s.now(),
		Metadata:      metadata,
	}
	if err := s.store.InsertSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Get returns the subscription for id.
func (s *WebhookService) Get(ctx context.Context, id string) (*webhook.Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// matchFilter applies a subscription's glob filter_pattern to the
// triggering target id, with "*" matching any run of characters.
func matchFilter(pattern, targetID string) bool {
	if pattern == "" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == targetID
	}
	parts := strings.Split(pattern, "*")
	s := targetID
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// Trigger enqueues one delivery per active subscription matching event
// and (if set) the glob filter against targetID. Delivery is asynchronous;
// failures never surface to the request that produced the event.
func (s *WebhookService) Trigger(event webhook.Event, payload map[string]any, targetID string) {
	subs, err := s.store.ListSubscriptionsForEvent(s.dispatchCtx, event)
	if err != nil {
		slog.Error("webhook trigger: list subscriptions", "event", event, "error", err)
		return
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["event"] = string(event)
	payload["timestamp"] = s.now()
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("webhook trigger: encode payload", "event", event, "error", err)
		return
	}

	for _, sub := range subs {
		if !matchFilter(sub.FilterPattern, targetID) {
			continue
		}
		d := &webhook.Delivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			Event:          event,
			Payload:        body,
			Status:         webhook.DeliveryPending,
			CreatedAt:      s.now(),
			UpdatedAt:      s.now(),
		}
		if err := s.store.RecordDeliveryOutcome(s.dispatchCtx, d); err != nil {
			slog.Error("webhook trigger: record delivery", "subscription", sub.ID, "error", err)
			continue
		}
		s.spawn(sub, *d)
	}
}

func (s *WebhookService) spawn(sub webhook.Subscription, d webhook.Delivery) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(sub, d)
	}()
}

// deliver POSTs the payload with exponential backoff up to max_attempts.
// The per-subscription breaker short-circuits attempts against an
// endpoint that keeps failing across deliveries.
func (s *WebhookService) deliver(sub webhook.Subscription, d webhook.Delivery) {
	for d.Attempt < s.cfg.MaxAttempts {
		d.Attempt++

		status, respBody, err := s.post(sub, d.Payload)
		d.ResponseCode = status
		d.ResponseBody = respBody
		d.UpdatedAt = s.now()

		if err == nil && status >= 200 && status <= 299 {
			d.Status = webhook.DeliverySuccess
			s.record(&d, sub.ID, true)
			metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
			return
		}

		if d.Attempt >= s.cfg.MaxAttempts {
			break
		}
		s.record(&d, "", false) // checkpoint the attempt, counters wait for the final state

		backoff := s.cfg.BackoffBase * time.Duration(1<<(d.Attempt-1))
		select {
		case <-s.dispatchCtx.Done():
			// Shutdown mid-retry: leave the row pending for re-drive.
			return
		case <-time.After(backoff):
		}
	}

	d.Status = webhook.DeliveryFailed
	s.record(&d, sub.ID, false)
	metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	slog.Warn("webhook delivery failed", "subscription", sub.ID, "event", d.Event, "attempts", d.Attempt)
}

// record persists the delivery row; when subID is non-empty the delivery
// reached a final state and the subscription's counters move too.
func (s *WebhookService) record(d *webhook.Delivery, subID string, success bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordDeliveryOutcome(ctx, d); err != nil {
		slog.Error("webhook: record delivery outcome", "delivery", d.ID, "error", err)
	}
	if subID != "" {
		if err := s.store.BumpSubscriptionCounters(ctx, subID, success); err != nil {
			slog.Error("webhook: bump counters", "subscription", subID, "error", err)
		}
	}
}

// post performs one signed POST. The SSRF filter re-runs on every attempt
// so a DNS answer that changed since registration cannot redirect the
// delivery inward.
func (s *WebhookService) post(sub webhook.Subscription, body []byte) (int, string, error) {
	if err := CheckWebhookURL(sub.URL); err != nil {
		return 0, "", err
	}

	var status int
	var respBody string
	err := s.breaker(sub.ID).Execute(func() error {
		req, err := http.NewRequestWithContext(s.dispatchCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if sub.Secret != "" {
			mac := hmac.New(sha256.New, []byte(sub.Secret))
			mac.Write(body)
			req.Header.Set("X-PortDaddy-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
		respBody = string(b)
		if status < 200 || status > 299 {
			return fmt.Errorf("status %d", status)
		}
		return nil
	})
	return status, respBody, err
}

// TestResult is the outcome of a synchronous test delivery.
type TestResult struct {
	Success bool `json:"success"`
	Status  int  `json:"status"`
}

// Test fires a single synchronous test delivery at the subscription,
// bypassing retry.
func (s *WebhookService) Test(ctx context.Context, id string) (*TestResult, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]any{"event": "test", "timestamp": s.now()})
	status, _, err := s.post(*sub, body)
	return &TestResult{Success: err == nil, Status: status}, nil
}

// RedrivePending reloads deliveries left pending by a previous process
// and restarts their retry loops.
func (s *WebhookService) RedrivePending(ctx context.Context) error {
	pending, err := s.store.ListPendingDeliveries(ctx)
	if err != nil {
		return err
	}
	for _, d := range pending {
		sub, err := s.store.GetSubscription(ctx, d.SubscriptionID)
		if err != nil {
			slog.Warn("redrive: subscription gone", "delivery", d.ID, "error", err)
			continue
		}
		if !sub.Active {
			continue
		}
		s.spawn(*sub, d)
	}
	if len(pending) > 0 {
		slog.Info("webhook deliveries re-driven", "count", len(pending))
	}
	return nil
}
