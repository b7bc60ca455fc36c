// Package dispatch resolves messages to registered actions and runs every
// call through a fixed pipeline.
//
// A call moves through RESOLVE, INWARD, EXECUTE, OUTWARD and DELIVERED:
//   - RESOLVE strips control facts (names ending in '$') and finds the most
//     specific action in the router.
//   - INWARD stages run in order; the first one that answers or fails skips
//     the handler: msg_modify, limit_msg, announce, closed, act_stats,
//     act_default, act_not_found, validate_msg, act_cache, warnings,
//     msg_meta, prepare_delegate.
//   - EXECUTE runs the handler on the gating executor. A handler may call
//     Prior to delegate to the action it superseded, and Act to make
//     nested calls.
//   - OUTWARD stages always all run: res_object, act_history, act_stats,
//     act_journal, res_entity, announce, trace, res_custom, act_error.
//   - DELIVERED hands (result, meta, error) to the continuation exactly once.
//
// Error handling:
//   - Every failure reaches the continuation as a *Error with a code.
//   - A failure passed up from a child call keeps its code and is logged once.
//   - A call marked fatal is also reported to the fatal handler.
//   - A panicking continuation becomes act_callback and goes to the error
//     handler.
//
// Concurrency:
//   - Handlers run in parallel goroutines unless a call asks for the gate.
//   - The custom bag is shared by every call in a tree and is synchronized.
//   - Calls made from inside a gated call bypass the gate they would
//     otherwise wait on.
package dispatch
