// Package workspace holds the in-memory project files of one execution.
//
// An Arena stores immutable, versioned FileSnapshots indexed by id. Every
// accepted mutation appends a new version, advances the context version and
// updates the change set, which keeps exactly one net CodeChange per file.
// All file references (id, path, name or basename) go through one resolver
// so every component agrees on which file a reference names.
//
// Concurrent mutations run against Worktrees forked from the arena. Merging
// a worktree performs a line-based three-way merge per file; edits that
// overlap an edit merged since the fork come back as MutationConflicts.
package workspace
