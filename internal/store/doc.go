// Package store provides durable persistence for the agent console.
//
// # Overview
//
// The store owns three kinds of durable state:
//
//   - Agent profiles: identity, display name, capability set, behavior text
//   - The current-agent pointer: which profile the console is bound to
//   - Per-agent transcripts: the ordered message history for each profile id
//
// All state survives process restarts. Transcripts are keyed by profile id
// and never leak between agents.
//
// # Consistency
//
// The profile list and the current-agent pointer are written together on
// destructive operations: DeleteProfile retargets the pointer inside the
// same transaction, so a restart can never observe a pointer referencing a
// missing profile. Callers that do observe a dangling pointer (for example
// after a partial external edit of the database) are expected to fall back
// to the first available profile.
//
// # Capabilities
//
// The capability catalog is closed and known at compile time:
// reply, email, search, code. The reply capability is permanently enabled;
// ValidateCapabilities rejects any set that omits it with ErrReplyRequired.
//
// # Implementation
//
// SQLiteStore is the only implementation, using modernc.org/sqlite with WAL
// mode. The schema is created automatically. Malformed rows (for example a
// corrupt capability JSON column) degrade to defaults with a logged warning
// instead of failing the caller.
package store
