// Package dispatch routes tool calls from the model to their handlers.
//
// A Registry maps tool names to Tools, each classified as a lookup, a
// mutation or an orchestration call. For every batch of calls the
// Dispatcher charges the pre-mutation lookup budget, resolves each call's
// declared file targets to canonical keys and partitions the batch into
// groups: calls inside a group touch disjoint files and run on a bounded
// worker pool, while calls with undeclared targets run alone. Parallel
// mutations run in forked worktrees that are merged back in issue order;
// overlapping edits come back to the model as conflicts.
//
// Lookup results are cached by a normalized signature that includes the
// tree's context version. Oversized outputs are truncated and kept whole in
// an OutputStore, readable through retrieve_output. Failed mutations are
// tracked per file and turn into corrective excerpts and, eventually, a
// strategy switch.
package dispatch
