// Package execctx defines the per-run execution context handed to agent factories.
package execctx

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/sessionhub/internal/common/logger"
)

// Context identifies one agent run for one user. It is a value carrier, not a
// cancellation scope: cancellation travels on the context.Context passed alongside it.
type Context struct {
	UserID    string
	ThreadID  string
	RunID     string
	AgentName string
	CreatedAt time.Time
	Metadata  map[string]string

	parent *Context
}

// New builds a root context for userID. Empty thread and run IDs are generated.
func New(userID, threadID, runID string) *Context {
	if threadID == "" {
		threadID = "thread-" + uuid.NewString()
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Context{
		UserID:    userID,
		ThreadID:  threadID,
		RunID:     runID,
		CreatedAt: time.Now(),
		Metadata:  map[string]string{},
	}
}

// Child derives a context scoped to name. User and thread are inherited, the
// run ID is fresh, and metadata is copied so the child can diverge.
func (c *Context) Child(name string) *Context {
	meta := make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return &Context{
		UserID:    c.UserID,
		ThreadID:  c.ThreadID,
		RunID:     uuid.NewString(),
		AgentName: name,
		CreatedAt: time.Now(),
		Metadata:  meta,
		parent:    c,
	}
}

// Parent returns the context this one was derived from, or nil for a root.
func (c *Context) Parent() *Context {
	return c.parent
}

// Path joins agent names from the root down, e.g. "supervisor.echo".
func (c *Context) Path() string {
	var names []string
	for cur := c; cur != nil; cur = cur.parent {
		if cur.AgentName != "" {
			names = append(names, cur.AgentName)
		}
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return strings.Join(names, ".")
}

// Into stores the identifiers the logger understands on ctx.
func (c *Context) Into(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, logger.UserIDKey, c.UserID)
	return context.WithValue(ctx, logger.RunIDKey, c.RunID)
}
