package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/relay/internal/events"
	"github.com/mattjoyce/relay/internal/history"
	"github.com/mattjoyce/relay/internal/journal"
	"github.com/mattjoyce/relay/internal/pattern"
)

// journalTimeout bounds one journal write.
const journalTimeout = 5 * time.Second

func (f *flow) resObject(r *outReply) {
	if r.err != nil {
		return
	}
	if e, ok := r.res.(error); ok {
		r.res = nil
		r.err = newError(CodeExecute, e, map[string]any{"reason": "result is an error"})
		return
	}
	if f.in.cfg.StrictResult && r.res != nil && !isObjArr(r.res) {
		r.err = newError(CodeNotObjArr, nil, map[string]any{"type": fmt.Sprintf("%T", r.res)})
		r.res = nil
	}
}

func (f *flow) actHistory(r *outReply) {
	if !f.recorded.Load() {
		return
	}
	var err error
	if r.err != nil {
		f.stamp(r.err)
		err = r.err
	}
	f.in.history.Append(f.meta.ID, history.Result{Res: r.res, Err: err})
}

func (f *flow) countDone(r *outReply) {
	d := f.meta.finishAt(time.Now())
	failed := r.err != nil
	if failed {
		f.in.fails.Add(1)
	} else {
		f.in.done.Add(1)
	}
	if f.def != nil && !f.meta.Cached {
		f.def.stats.observe(d, failed)
	}
	code := ""
	if r.err != nil {
		code = r.err.Code
	}
	f.in.metrics.observe(f.meta.Descriptor().Pattern, code, d)
	f.logger.Debug("act out", "case", "OUT", "pattern", f.meta.Descriptor().Pattern,
		"duration_ms", d.Milliseconds(), "code", code, "cached", f.meta.Cached)
}

func (f *flow) actJournal(r *outReply) {
	j := f.in.cfg.Journal
	if j == nil || f.meta.Cached {
		return
	}
	desc := f.meta.Descriptor()
	e := journal.Entry{
		ID:        f.meta.ID,
		Tx:        f.meta.Tx,
		Pattern:   desc.Pattern,
		Action:    desc.Action,
		Status:    journal.StatusDone,
		StartedAt: desc.Start,
		EndedAt:   f.meta.End,
		ParentID:  f.meta.ParentID(),
	}
	if e.Pattern == "" {
		e.Pattern = f.canon
	}
	if r.err != nil {
		e.Status = journal.StatusFailed
		e.ErrorCode = r.err.Code
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(f.ctx), journalTimeout)
	defer cancel()
	if err := j.Record(ctx, e); err != nil {
		f.logger.Warn("journal write failed", "case", "ERR", "error", err)
	}
}

func (f *flow) resEntity(r *outReply) {
	hook := f.in.cfg.EntityHook
	if r.err != nil || hook == nil {
		return
	}
	var m map[string]any
	switch t := r.res.(type) {
	case map[string]any:
		m = t
	case pattern.Message:
		m = t
	default:
		return
	}
	if _, tagged := m["entity"+pattern.ControlMarker]; !tagged {
		return
	}
	if v, ok := hook(m); ok {
		r.res = v
	}
}

func (f *flow) announceOut(r *outReply) {
	if f.in.cfg.Events == nil {
		return
	}
	data := map[string]any{
		"tx":          f.meta.Tx,
		"action":      f.meta.Descriptor().Action,
		"duration_ms": f.meta.Duration().Milliseconds(),
		"cached":      f.meta.Cached,
	}
	if r.err != nil {
		data["error"] = r.err.Code
	}
	f.in.cfg.Events.Publish(events.TypeActOut, f.meta.ID, f.meta.Descriptor().Pattern, data)
}

func (f *flow) linkTrace(r *outReply) {
	if f.parent == nil {
		return
	}
	entry := TraceEntry{
		Descriptor: f.meta.Descriptor(),
		Duration:   f.meta.Duration(),
		Trace:      f.meta.Trace(),
	}
	if r.err != nil {
		entry.Error = r.err.Code
		f.stamp(r.err)
	}
	f.parent.meta.addTrace(entry, r.err)
}

func (f *flow) resCustom(r *outReply) {
	f.meta.Custom.Merge(f.takeReplyCustom())
}

func (f *flow) actError(r *outReply) {
	e := r.err
	if e == nil {
		return
	}
	f.stamp(e)
	f.meta.Err = e
	if e.markLogged() {
		f.logger.Error(e.Message, "case", "ERR", "code", e.Code, "pattern", e.Pattern,
			"callpoint", e.Callpoint, "details", e.Details)
	}
	if f.meta.Fatal {
		f.in.fatal(e)
	}
}
