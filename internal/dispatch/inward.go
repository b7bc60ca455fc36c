package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/relay/internal/events"
	"github.com/mattjoyce/relay/internal/history"
)

func (f *flow) msgModify() *outcome {
	if f.def != nil {
		for k, v := range f.def.Fixed {
			f.msg[k] = v
		}
		f.meta.Custom.Defaults(f.def.Custom)
	}
	f.meta.Custom.Merge(f.opts.custom)
	return nil
}

func (f *flow) limitMsg() *outcome {
	if limit := f.in.cfg.MaxParents; len(f.meta.Parents) > limit {
		return fail(CodeMaxParents, nil, map[string]any{
			"maxparents": limit,
			"parents":    len(f.meta.Parents),
			"message":    f.canon,
		})
	}
	return nil
}

func (f *flow) announceIn() *outcome {
	if f.in.cfg.Events != nil {
		f.in.cfg.Events.Publish(events.TypeActIn, f.meta.ID, f.canon, map[string]any{
			"tx":     f.meta.Tx,
			"msg":    f.msg,
			"depth":  len(f.meta.Parents),
			"parent": f.meta.ParentID(),
		})
	}
	return nil
}

func (f *flow) checkClosed() *outcome {
	if f.in.closed.Load() && !f.opts.closing {
		return fail(CodeClosed, nil, map[string]any{"message": f.canon})
	}
	return nil
}

func (f *flow) countCall() *outcome {
	f.in.calls.Add(1)
	if f.def != nil {
		f.def.stats.calls.Add(1)
	}
	return nil
}

func (f *flow) actDefault() *outcome {
	if f.def != nil || !f.opts.hasDefault {
		return nil
	}
	if !isObjArr(f.opts.def) {
		return fail(CodeDefaultBad, nil, map[string]any{
			"message": f.canon,
			"default": fmt.Sprintf("%T", f.opts.def),
		})
	}
	return result(f.opts.def)
}

func (f *flow) actNotFound() *outcome {
	if f.def != nil {
		return nil
	}
	return fail(CodeNotFound, nil, map[string]any{"message": f.canon})
}

func (f *flow) validateMsg() (out *outcome) {
	if !f.def.HasValidator() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			out = fail(CodeInvalidMsg, fmt.Errorf("validator panicked: %v", r),
				map[string]any{"pattern": f.def.Pattern})
		}
	}()
	if err := f.def.validate(f.msg); err != nil {
		return fail(CodeInvalidMsg, err, map[string]any{"pattern": f.def.Pattern})
	}
	return nil
}

// actCache answers a repeated correlation id from history. The first call
// with an id owns the record; concurrent duplicates wait for its result.
func (f *flow) actCache() *outcome {
	if !f.in.cfg.History {
		return nil
	}
	ttl := max(f.in.cfg.HistoryTTL, f.meta.Timeout)
	if f.in.history.Reserve(f.meta.ID, f.meta.Start.Add(ttl)) {
		f.recorded.Store(true)
		return nil
	}

	r, err := f.in.history.Await(f.runCtx, f.meta.ID)
	switch {
	case errors.Is(err, history.ErrUnknown):
		// Pruned between Reserve and Await; run the action.
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fail(CodeTaskTimeout, err, map[string]any{"waiting_for": f.meta.ID})
	case err != nil:
		return fail(CodeExecute, err, nil)
	}

	f.hit.Store(true)
	f.describe()
	// A cached answer is not a call of the action; undo countCall.
	f.def.stats.calls.Add(^uint64(0))
	f.in.cached.Add(1)
	f.in.metrics.cached.Inc()
	f.logger.Debug("answered from history", "case", "CACHE", "pattern", f.def.Pattern)
	if r.Err != nil {
		return &outcome{err: asError(CodeExecute, r.Err, nil)}
	}
	return result(r.Res)
}

func (f *flow) warnings() *outcome {
	if f.def.Deprecated != "" {
		f.logger.Warn("deprecated action called", "case", "DEPRECATED",
			"pattern", f.def.Pattern, "action", f.def.ID, "notice", f.def.Deprecated)
	}
	return nil
}

// describe stamps the resolved action onto the meta.
func (f *flow) describe() {
	def := f.def
	f.meta.update(func(m *Meta) {
		m.Pattern = def.Pattern
		m.Action = def.ID
		m.Plugin = def.Plugin.FullName()
	})
}

func (f *flow) msgMeta() *outcome {
	def := f.def
	f.describe()
	f.logger.Debug("act in", "case", "IN", "pattern", def.Pattern, "action", def.ID,
		"depth", len(f.meta.Parents), "gate", f.meta.Gate)
	return nil
}

func (f *flow) prepareDelegate() *outcome {
	f.call = &Call{f: f, def: f.def}
	return nil
}
