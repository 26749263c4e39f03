package eventlog

import (
	"time"

	"github.com/rcliao/tiermem/internal/model"
)

// TaskStarted records the start of a task and returns its sequence number for chaining.
func (l *Logger) TaskStarted(owner, task string, payload map[string]any) uint64 {
	p := withField(payload, "task", task)
	return l.Log(model.CategoryTaskStart, model.SeverityInfo, "task started: "+task, p, WithOwner(owner))
}

// TaskEnded records the end of a task started at parent.
func (l *Logger) TaskEnded(owner, task string, parent uint64, took time.Duration, payload map[string]any) uint64 {
	p := withField(payload, "task", task)
	return l.Log(model.CategoryTaskEnd, model.SeverityInfo, "task completed: "+task, p,
		WithOwner(owner), WithParent(parent), WithDuration(took))
}

// ExternalCall records a call to an outside service made inside parent.
func (l *Logger) ExternalCall(owner, target string, parent uint64, payload map[string]any) uint64 {
	p := withField(payload, "target", target)
	return l.Log(model.CategoryExternalCall, model.SeverityInfo, "external call: "+target, p,
		WithOwner(owner), WithParent(parent))
}

// CacheOp records a memory operation.
func (l *Logger) CacheOp(owner, op string, tier model.Tier, key string) uint64 {
	return l.Log(model.CategoryCacheOp, model.SeverityDebug, "memory "+op+": "+string(tier)+"."+key,
		map[string]any{"operation": op, "tier": string(tier), "key": key}, WithOwner(owner))
}

// Warn records a degraded but non-fatal condition.
func (l *Logger) Warn(owner, msg string, payload map[string]any) uint64 {
	return l.Log(model.CategoryWarning, model.SeverityWarning, msg, payload, WithOwner(owner))
}

// Error records a failure together with its error text.
func (l *Logger) Error(owner, msg string, err error, payload map[string]any) uint64 {
	p := payload
	if err != nil {
		p = withField(payload, "error", err.Error())
	}
	return l.Log(model.CategoryError, model.SeverityError, msg, p, WithOwner(owner))
}

func withField(payload map[string]any, k string, v any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for pk, pv := range payload {
		out[pk] = pv
	}
	out[k] = v
	return out
}
