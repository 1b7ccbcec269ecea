// Package dispatch resolves agent types to shared singletons or to instances
// built by registered sync or async factories.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/sessionhub/internal/agent/execctx"
	"github.com/kandev/sessionhub/internal/agent/notify"
	"github.com/kandev/sessionhub/internal/agent/tasks"
	apperrors "github.com/kandev/sessionhub/internal/common/errors"
	"github.com/kandev/sessionhub/internal/common/logger"
	"github.com/kandev/sessionhub/internal/common/tracing"
)

var errNilInstance = errors.New("factory returned a nil instance")

// BridgeResolver yields the current session bridge for a user, or nil.
type BridgeResolver interface {
	SessionBridge(userID string) *notify.Bridge
}

// Dispatcher is the catalog of singletons and factories keyed by agent type.
// The catalog is independent of any user.
type Dispatcher struct {
	mu       sync.RWMutex
	items    map[string]*Item
	resolver BridgeResolver
	tracer   trace.Tracer
	logger   *logger.Logger
}

// NewDispatcher creates an empty dispatcher. resolver may be nil, in which
// case factories receive a nil bridge.
func NewDispatcher(resolver BridgeResolver, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		items:    make(map[string]*Item),
		resolver: resolver,
		tracer:   tracing.Tracer("sessionhub/dispatch"),
		logger:   log.WithComponent("factory-dispatcher"),
	}
}

// SetResolver replaces the bridge resolver.
func (d *Dispatcher) SetResolver(resolver BridgeResolver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolver = resolver
}

// Register stores a shared singleton under key, overwriting any entry.
func (d *Dispatcher) Register(key string, instance any) error {
	if key == "" {
		return apperrors.InvalidArgument("key", "must not be empty")
	}
	if instance == nil {
		return apperrors.InvalidArgument("instance", "must not be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.items[key] = &Item{
		key:          key,
		instance:     instance,
		registeredAt: time.Now(),
	}
	d.logger.Debug("registered singleton", zap.String("key", key))
	return nil
}

// RegisterFactory stores factory under key, overwriting any entry. Instances
// already handed out are unaffected.
func (d *Dispatcher) RegisterFactory(key string, factory Factory, tags []string, description string) error {
	if key == "" {
		return apperrors.InvalidArgument("key", "must not be empty")
	}
	if !factory.valid() {
		return apperrors.InvalidArgument("factory", "must be built with Sync or Async")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.items[key] = &Item{
		key:          key,
		factory:      factory,
		tags:         append([]string(nil), tags...),
		description:  description,
		registeredAt: time.Now(),
	}
	d.logger.Debug("registered factory",
		zap.String("key", key),
		zap.Stringer("kind", factory.Kind()))
	return nil
}

// Unregister removes key from the catalog.
func (d *Dispatcher) Unregister(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.items[key]; !ok {
		return apperrors.NotFound("agent type", key)
	}
	delete(d.items, key)
	return nil
}

// Has reports whether key is in the catalog.
func (d *Dispatcher) Has(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.items[key]
	return ok
}

// Lookup returns a snapshot of the entry registered under key.
func (d *Dispatcher) Lookup(key string) (ItemInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	item, ok := d.items[key]
	if !ok {
		return ItemInfo{}, false
	}
	return item.info(), true
}

// List returns every entry sorted by key.
func (d *Dispatcher) List() []ItemInfo {
	return d.filter(func(*Item) bool { return true })
}

// ListByTag returns the entries carrying tag, sorted by key.
func (d *Dispatcher) ListByTag(tag string) []ItemInfo {
	return d.filter(func(it *Item) bool { return it.hasTag(tag) })
}

func (d *Dispatcher) filter(keep func(*Item) bool) []ItemInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]ItemInfo, 0, len(d.items))
	for _, item := range d.items {
		if keep(item) {
			result = append(result, item.info())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// Get resolves key and blocks until an instance is available. Singletons are
// returned as is, sync factories run inline and async factories are awaited.
// Awaiting an async factory from inside a tracked background loop is refused
// with a ConcurrencyMisuse error; such callers must use GetAsync.
func (d *Dispatcher) Get(ctx context.Context, key string, ectx *execctx.Context) (any, error) {
	item, err := d.acquire(key)
	if err != nil {
		return nil, err
	}
	if item.singleton() {
		return item.instance, nil
	}
	if item.factory.Kind() == KindAsync && tasks.InLoop(ctx) {
		return nil, apperrors.ConcurrencyMisuse(fmt.Sprintf(
			"factory %q is async and cannot be awaited inline from a background loop; use GetAsync", key))
	}
	return d.construct(ctx, item, ectx).Await(ctx)
}

// GetAsync resolves key without blocking the caller. It applies the same
// resolution and fallback policy as Get for both factory kinds. The future
// always carries the factory's eventual result, even after ctx is done.
func (d *Dispatcher) GetAsync(ctx context.Context, key string, ectx *execctx.Context) *Future {
	item, err := d.acquire(key)
	if err != nil {
		return Resolved(nil, err)
	}
	if item.singleton() {
		return Resolved(item.instance, nil)
	}
	return d.construct(ctx, item, ectx)
}

// acquire looks key up and records the access.
func (d *Dispatcher) acquire(key string) (*Item, error) {
	if key == "" {
		return nil, apperrors.InvalidArgument("agent type", "must not be empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	item, ok := d.items[key]
	if !ok {
		return nil, apperrors.NotFound("agent type", key)
	}
	item.accessCount++
	item.lastAccessed = time.Now()
	return item, nil
}

// bridgeFor reads the user's current session bridge at call time.
func (d *Dispatcher) bridgeFor(ectx *execctx.Context) *notify.Bridge {
	d.mu.RLock()
	resolver := d.resolver
	d.mu.RUnlock()

	if resolver == nil || ectx == nil {
		return nil
	}
	return resolver.SessionBridge(ectx.UserID)
}

func (d *Dispatcher) construct(ctx context.Context, item *Item, ectx *execctx.Context) *Future {
	if ectx == nil {
		return Resolved(nil, apperrors.InvalidArgument("execution context", "required to invoke a factory"))
	}
	bridge := d.bridgeFor(ectx)

	if item.factory.Kind() == KindSync {
		return Resolved(d.traced(ctx, item, ectx, func(ctx context.Context, b *notify.Bridge) (any, error) {
			return callSync(item.factory.sync, ectx, b)
		}, bridge))
	}

	out := NewFuture()
	go func() {
		out.Resolve(d.traced(ctx, item, ectx, func(ctx context.Context, b *notify.Bridge) (any, error) {
			// The factory sees ctx; its result is kept even when ctx ends first so
			// the owner of out can release it.
			inst, err := callAsync(ctx, item.factory.async, ectx, b).Await(context.WithoutCancel(ctx))
			if err == nil && inst == nil {
				err = errNilInstance
			}
			return inst, err
		}, bridge))
	}()
	return out
}

type attempt func(ctx context.Context, bridge *notify.Bridge) (any, error)

// traced runs call with the bridge and, when that fails and a bridge was
// given, once more without it. The first error is surfaced when both fail.
func (d *Dispatcher) traced(ctx context.Context, item *Item, ectx *execctx.Context, call attempt, bridge *notify.Bridge) (any, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.construct",
		trace.WithAttributes(
			attribute.String("agent.type", item.key),
			attribute.String("factory.kind", item.factory.Kind().String()),
			attribute.String("user.id", ectx.UserID),
			attribute.Bool("bridge.present", bridge != nil),
		))
	defer span.End()
	log := d.logger.WithContext(ectx.Into(ctx))

	inst, err := call(ctx, bridge)
	if err == nil {
		return inst, nil
	}
	if bridge == nil || ctx.Err() != nil {
		return nil, d.fail(span, item.key, err)
	}

	log.Warn("factory failed with bridge, retrying without",
		zap.String("key", item.key),
		zap.Error(err))
	span.AddEvent("retry_without_bridge")

	inst, retryErr := call(ctx, nil)
	if retryErr != nil {
		log.Debug("factory retry without bridge failed",
			zap.String("key", item.key),
			zap.Error(retryErr))
		return nil, d.fail(span, item.key, err)
	}
	span.SetAttributes(attribute.Bool("fallback", true))
	return inst, nil
}

func (d *Dispatcher) fail(span trace.Span, key string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.ConstructionFailure(key, err)
}

func callSync(fn SyncFactory, ectx *execctx.Context, bridge *notify.Bridge) (inst any, err error) {
	defer func() {
		if r := recover(); r != nil {
			inst, err = nil, apperrors.Panic("factory", r)
		}
	}()
	inst, err = fn(ectx, bridge)
	if err == nil && inst == nil {
		err = errNilInstance
	}
	return inst, err
}

func callAsync(ctx context.Context, fn AsyncFactory, ectx *execctx.Context, bridge *notify.Bridge) (f *Future) {
	defer func() {
		if r := recover(); r != nil {
			f = Resolved(nil, apperrors.Panic("async factory", r))
		}
	}()
	f = fn(ctx, ectx, bridge)
	if f == nil {
		return Resolved(nil, errors.New("async factory returned a nil future"))
	}
	return f
}
