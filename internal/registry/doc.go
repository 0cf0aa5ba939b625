// Package registry manages the durable set of agent profiles and the single
// current-agent pointer.
//
// At most one conversation session is live at a time, always bound to the
// current profile. Every pointer move (create, switch, delete of the current
// profile) tears the old session and its channel down before opening the new
// ones, so events from a replaced channel can never reach the new session.
//
// Pointer and list are kept consistent through the store: deleting the
// current profile retargets the pointer inside the same transaction as the
// removal, and Bootstrap reconciles a dangling pointer to the first profile
// rather than failing.
package registry
