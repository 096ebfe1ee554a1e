package subscribe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tinytelemetry/kpmsink/internal/model"
	"go.uber.org/zap"
)

// ErrUnknownSubscription is returned when an indication cannot be matched to
// an active subscription.
var ErrUnknownSubscription = errors.New("subscribe: unknown subscription")

// Handler receives the indications of a subscription together with its context.
type Handler interface {
	OnIndication(sub model.SubscriptionContext, ind model.Indication)
}

// Subscriber issues subscriptions toward the reporting subsystem.
type Subscriber interface {
	Subscribe(ctx context.Context, req model.SubscriptionRequest, h Handler) (model.SubscriptionContext, error)
}

type registration struct {
	sub     model.SubscriptionContext
	req     model.SubscriptionRequest
	handler Handler
}

// FeedSubscriber serves subscriptions from a local indication feed. Each
// subscription gets a generated id; feed entries are routed by that id, or to
// the only active subscription when the entry carries none.
type FeedSubscriber struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]registration
	ids  []string
}

// NewFeedSubscriber creates an empty feed subscriber.
func NewFeedSubscriber(logger *zap.Logger) *FeedSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedSubscriber{
		logger: logger.Named("subscribe"),
		subs:   make(map[string]registration),
	}
}

// Subscribe registers h for indications of req.
func (f *FeedSubscriber) Subscribe(ctx context.Context, req model.SubscriptionRequest, h Handler) (model.SubscriptionContext, error) {
	if err := ctx.Err(); err != nil {
		return model.SubscriptionContext{}, err
	}
	if h == nil {
		return model.SubscriptionContext{}, errors.New("subscribe: nil handler")
	}
	if !req.Style.Valid() {
		return model.SubscriptionContext{}, fmt.Errorf("%w: %d", model.ErrUnsupportedReportStyle, req.Style)
	}

	sub := ContextFor(uuid.NewString(), req)

	f.mu.Lock()
	f.subs[sub.ID] = registration{sub: sub, req: req, handler: h}
	f.ids = append(f.ids, sub.ID)
	f.mu.Unlock()

	f.logger.Info("subscribed",
		zap.String("id", sub.ID),
		zap.String("node", req.NodeID),
		zap.Int("style", int(req.Style)),
		zap.Strings("metrics", req.MetricNames),
		zap.Strings("entities", req.EntityIDs))
	return sub, nil
}

// Deliver routes one indication to its subscription handler.
func (f *FeedSubscriber) Deliver(ind model.Indication) error {
	f.mu.RLock()
	reg, ok := f.lookup(ind.SubscriptionID)
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSubscription, ind.SubscriptionID)
	}
	if ind.SubscriptionID == "" {
		ind.SubscriptionID = reg.sub.ID
	}
	reg.handler.OnIndication(reg.sub, ind)
	return nil
}

func (f *FeedSubscriber) lookup(id string) (registration, bool) {
	if id != "" {
		reg, ok := f.subs[id]
		return reg, ok
	}
	if len(f.ids) == 1 {
		reg, ok := f.subs[f.ids[0]]
		return reg, ok
	}
	return registration{}, false
}

// Active returns the contexts of all active subscriptions in creation order.
func (f *FeedSubscriber) Active() []model.SubscriptionContext {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]model.SubscriptionContext, 0, len(f.ids))
	for _, id := range f.ids {
		out = append(out, f.subs[id].sub)
	}
	return out
}

// Close drops every subscription.
func (f *FeedSubscriber) Close() {
	f.mu.Lock()
	n := len(f.ids)
	f.subs = make(map[string]registration)
	f.ids = nil
	f.mu.Unlock()
	if n > 0 {
		f.logger.Info("unsubscribed", zap.Int("subscriptions", n))
	}
}
