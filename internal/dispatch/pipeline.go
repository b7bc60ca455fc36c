package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/relay/internal/executor"
	"github.com/mattjoyce/relay/internal/log"
	"github.com/mattjoyce/relay/internal/pattern"
)

// flow carries one call from RESOLVE to DELIVERED.
type flow struct {
	in     *Instance
	ctx    context.Context
	span   trace.Span
	logger *slog.Logger
	parent *flow
	cont   Continuation
	opts   callOptions
	exempt bool // runs through an active gate

	canon string
	msg   pattern.Message
	def   *Def
	meta  *Meta
	call  *Call

	// set while the task runs; runCtx is cancelled on timeout
	runCtx   context.Context
	recorded atomic.Bool
	hit      atomic.Bool

	mu          sync.Mutex
	replyCustom map[string]any
}

// outReply is the value threaded through the outward stages.
type outReply struct {
	res any
	err *Error
}

// Act dispatches msg and waits for its outcome.
func (in *Instance) Act(ctx context.Context, msg any, opts ...CallOption) (any, *Meta, error) {
	return in.actSync(ctx, nil, msg, opts, callpoint(2))
}

// Dispatch submits msg and returns immediately. cont receives the outcome
// exactly once. An error is returned only when the call itself is malformed.
func (in *Instance) Dispatch(ctx context.Context, msg any, cont Continuation, opts ...CallOption) error {
	return in.dispatch(ctx, nil, msg, cont, opts, callpoint(2))
}

type delivery struct {
	res  any
	meta *Meta
	err  error
}

func (in *Instance) actSync(ctx context.Context, parent *flow, msg any, opts []CallOption, at string) (any, *Meta, error) {
	ch := make(chan delivery, 1)
	err := in.dispatch(ctx, parent, msg, func(res any, meta *Meta, err error) {
		ch <- delivery{res: res, meta: meta, err: err}
	}, opts, at)
	if err != nil {
		return nil, nil, err
	}
	select {
	case d := <-ch:
		return d.res, d.meta, d.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (in *Instance) dispatch(ctx context.Context, parent *flow, msg any, cont Continuation, opts []CallOption, at string) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidCall)
	}
	if cont == nil {
		return fmt.Errorf("%w: nil continuation", ErrInvalidCall)
	}
	m, err := pattern.From(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCall, err)
	}
	o, err := resolveOptions(m, opts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCall, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	f := in.newFlow(ctx, parent, m, o, cont, at)
	in.metrics.inflight.Inc()
	in.exec.Execute(&executor.Task{
		ID:         f.meta.ID,
		Fn:         f.run,
		Callback:   f.finish,
		Gate:       f.opts.gate,
		IgnoreGate: f.opts.ignoreGate || f.exempt,
		Timeout:    f.meta.Timeout,
	})
	return nil
}

// newFlow resolves the action and builds the call metadata.
func (in *Instance) newFlow(ctx context.Context, parent *flow, m pattern.Message, o callOptions, cont Continuation, at string) *flow {
	f := &flow{in: in, parent: parent, cont: cont, opts: o}

	if parent != nil {
		if parent.opts.closing {
			f.opts.closing = true
		}
		// A nested call of a gated call cannot wait for that gate to drain.
		if parent.opts.gate || parent.exempt {
			f.exempt = true
			f.opts.gate = false
		}
	}

	id := f.opts.id
	if id == "" {
		id = uuid.NewString()
	}
	tx := f.opts.tx
	if tx == "" && parent != nil {
		tx = parent.meta.Tx
	}
	if tx == "" {
		tx = uuid.NewString()
	}
	timeout := f.opts.timeout
	if timeout <= 0 {
		timeout = in.cfg.Timeout
	}

	f.meta = &Meta{
		ID:       id,
		Tx:       tx,
		Instance: in.id,
		Start:    time.Now(),
		Sync:     f.opts.sync,
		Gate:     f.opts.gate,
		Fatal:    f.opts.fatal,
		Timeout:  timeout,
	}
	if parent != nil {
		f.meta.Parents = parent.meta.parentsFor(in.cfg.MaxParents + 1)
		f.meta.Custom = parent.meta.Custom
	} else {
		f.meta.Custom = NewCustom(nil)
	}

	f.msg = m.Strip()
	f.canon = f.msg.Canonical()
	f.def, _ = in.router.Find(f.msg, false)
	f.ctx, f.span = in.startSpan(ctx, f.canon)
	f.logger = log.WithCall(in.logger, id, tx).With(slog.String("kind", "act"), slog.String("callpoint", at))
	f.meta.callpoint = at
	return f
}

type outcome struct {
	res any
	err *Error
}

func result(v any) *outcome { return &outcome{res: v} }

func fail(code string, cause error, details map[string]any) *outcome {
	return &outcome{err: newError(code, cause, details)}
}

type inwardStage struct {
	name string
	fn   func(f *flow) *outcome
}

type outwardStage struct {
	name string
	fn   func(f *flow, r *outReply)
}

var inward = []inwardStage{
	{"msg_modify", (*flow).msgModify},
	{"limit_msg", (*flow).limitMsg},
	{"announce", (*flow).announceIn},
	{"closed", (*flow).checkClosed},
	{"act_stats", (*flow).countCall},
	{"act_default", (*flow).actDefault},
	{"act_not_found", (*flow).actNotFound},
	{"validate_msg", (*flow).validateMsg},
	{"act_cache", (*flow).actCache},
	{"warnings", (*flow).warnings},
	{"msg_meta", (*flow).msgMeta},
	{"prepare_delegate", (*flow).prepareDelegate},
}

var outward = []outwardStage{
	{"res_object", (*flow).resObject},
	{"act_history", (*flow).actHistory},
	{"act_stats", (*flow).countDone},
	{"act_journal", (*flow).actJournal},
	{"res_entity", (*flow).resEntity},
	{"announce", (*flow).announceOut},
	{"trace", (*flow).linkTrace},
	{"res_custom", (*flow).resCustom},
	{"act_error", (*flow).actError},
}

// run is the executor task: the inward stages, then the handler.
func (f *flow) run(taskCtx context.Context) (any, error) {
	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	stop := context.AfterFunc(taskCtx, cancel)
	defer stop()
	f.runCtx = ctx

	for _, st := range inward {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if out := f.runInward(st); out != nil {
			if out.err != nil {
				return nil, out.err
			}
			return out.res, nil
		}
	}
	return f.invoke(f.call, f.msg)
}

func (f *flow) runInward(st inwardStage) (out *outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = fail(CodeExecute, fmt.Errorf("stage %s panicked: %v", st.name, r),
				map[string]any{"stage": st.name, "stack": string(debug.Stack())})
		}
	}()
	return st.fn(f)
}

// invoke runs the handler of c's action. An action without a handler
// delegates straight to its prior.
func (f *flow) invoke(c *Call, msg pattern.Message) (res any, err error) {
	if !c.def.HasHandler() {
		return c.Prior(msg)
	}
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = newError(CodeExecute, fmt.Errorf("handler panicked: %v", r),
				map[string]any{"action": c.def.ID, "stack": string(debug.Stack())})
		}
	}()
	res, herr := c.def.handler(c, msg)
	if herr != nil {
		return nil, asError(CodeExecute, herr, map[string]any{"action": c.def.ID})
	}
	return res, nil
}

// finish is the executor callback: the outward stages, then delivery.
func (f *flow) finish(res any, err error) {
	f.meta.settle(f.hit.Load())
	r := &outReply{res: res}
	if err != nil {
		var te *executor.TaskError
		switch {
		case errors.Is(err, executor.ErrTimeout):
			r.res = nil
			r.err = newError(CodeTaskTimeout, err, map[string]any{"timeout": f.meta.Timeout.String()})
		case errors.As(err, &te):
			r.res = nil
			r.err = newError(CodeExecute, err, map[string]any{"stack": string(te.Stack)})
		default:
			r.err = asError(CodeExecute, err, nil)
		}
	}

	for _, st := range outward {
		f.runOutward(st, r)
	}
	f.deliver(r)
}

func (f *flow) runOutward(st outwardStage, r *outReply) {
	defer func() {
		if rec := recover(); rec != nil {
			f.logger.Error("outward stage panicked", "case", "ERR", "stage", st.name, "panic", fmt.Sprint(rec))
			if r.err == nil {
				r.res = nil
				r.err = newError(CodeExecute, fmt.Errorf("stage %s panicked: %v", st.name, rec),
					map[string]any{"stage": st.name})
				f.stamp(r.err)
			}
		}
	}()
	st.fn(f, r)
}

func (f *flow) deliver(r *outReply) {
	f.in.metrics.inflight.Dec()
	endSpan(f.span, f.meta, r.err)

	var err error
	if r.err != nil {
		err = r.err
	}
	defer func() {
		if rec := recover(); rec != nil {
			e := newError(CodeCallback, fmt.Errorf("continuation panicked: %v", rec),
				map[string]any{"stack": string(debug.Stack())})
			f.stamp(e)
			f.in.metrics.callback.Inc()
			f.in.callbackFailed(e, f.meta)
		}
	}()
	f.cont(r.res, f.meta, err)
}

func (in *Instance) callbackFailed(e *Error, meta *Meta) {
	if in.cfg.OnError != nil {
		in.cfg.OnError(e, meta)
		return
	}
	if e.markLogged() {
		in.logger.Error(e.Message, "kind", "act", "case", "ERR", "code", e.Code,
			"call_id", meta.ID, "pattern", e.Pattern, "callpoint", e.Callpoint)
	}
	if meta.Fatal {
		in.fatal(e)
	}
}

// stamp fills the descriptive fields of an error raised by this call.
// Errors passed up from child calls already carry them.
func (f *flow) stamp(e *Error) {
	if e.Pattern == "" {
		e.Pattern = f.meta.Descriptor().Pattern
		if e.Pattern == "" {
			e.Pattern = f.canon
		}
	}
	if e.Callpoint == "" {
		e.Callpoint = f.meta.callpoint
	}
	if e.Instance == "" {
		e.Instance = f.in.id
	}
	if e.CallID == "" {
		e.CallID = f.meta.ID
	}
}

func (f *flow) setReplyCustom(vals map[string]any) {
	if len(vals) == 0 {
		return
	}
	f.mu.Lock()
	if f.replyCustom == nil {
		f.replyCustom = make(map[string]any, len(vals))
	}
	for k, v := range vals {
		f.replyCustom[k] = v
	}
	f.mu.Unlock()
}

func (f *flow) takeReplyCustom() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.replyCustom
	f.replyCustom = nil
	return out
}
