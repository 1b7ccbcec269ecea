package dispatch

import (
	"context"
	"slices"
	"time"

	"github.com/kandev/sessionhub/internal/agent/execctx"
	"github.com/kandev/sessionhub/internal/agent/notify"
)

// SyncFactory builds an instance inline. bridge is nil on the fallback attempt.
type SyncFactory func(ectx *execctx.Context, bridge *notify.Bridge) (any, error)

// AsyncFactory starts building an instance and returns its future.
// bridge is nil on the fallback attempt.
type AsyncFactory func(ctx context.Context, ectx *execctx.Context, bridge *notify.Bridge) *Future

// Kind tags a factory as sync or async.
type Kind int

const (
	KindSync Kind = iota + 1
	KindAsync
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAsync:
		return "async"
	default:
		return "unknown"
	}
}

// Factory is a constructor tagged with its kind at registration.
type Factory struct {
	kind  Kind
	sync  SyncFactory
	async AsyncFactory
}

// Sync wraps fn as a sync factory.
func Sync(fn SyncFactory) Factory {
	return Factory{kind: KindSync, sync: fn}
}

// Async wraps fn as an async factory.
func Async(fn AsyncFactory) Factory {
	return Factory{kind: KindAsync, async: fn}
}

func (f Factory) Kind() Kind { return f.kind }

func (f Factory) valid() bool {
	switch f.kind {
	case KindSync:
		return f.sync != nil
	case KindAsync:
		return f.async != nil
	default:
		return false
	}
}

// Item is one catalog entry: a singleton or a factory plus metadata.
type Item struct {
	key          string
	instance     any
	factory      Factory
	tags         []string
	description  string
	accessCount  int64
	lastAccessed time.Time
	registeredAt time.Time
}

func (it *Item) singleton() bool { return it.instance != nil }

func (it *Item) hasTag(tag string) bool { return slices.Contains(it.tags, tag) }

func (it *Item) info() ItemInfo {
	kind := "singleton"
	if !it.singleton() {
		kind = it.factory.Kind().String()
	}
	return ItemInfo{
		Key:          it.key,
		Kind:         kind,
		Tags:         append([]string(nil), it.tags...),
		Description:  it.description,
		AccessCount:  it.accessCount,
		LastAccessed: it.lastAccessed,
		RegisteredAt: it.registeredAt,
	}
}

// ItemInfo is a read-only snapshot of a catalog entry.
type ItemInfo struct {
	Key          string    `json:"key" yaml:"key"`
	Kind         string    `json:"kind" yaml:"kind"`
	Tags         []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
	AccessCount  int64     `json:"access_count" yaml:"access_count"`
	LastAccessed time.Time `json:"last_accessed" yaml:"last_accessed"`
	RegisteredAt time.Time `json:"registered_at" yaml:"registered_at"`
}

// IsSingleton reports whether the entry is a shared instance.
func (i ItemInfo) IsSingleton() bool { return i.Kind == "singleton" }
