// ABOUTME: Store interface and data types for agent-console persistence
// ABOUTME: Defines Profile, Message, Attachment and the capability catalog

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrNoCurrentAgent is returned when no current-agent pointer is set
var ErrNoCurrentAgent = errors.New("no current agent")

// ErrReplyRequired is returned when a profile update attempts to disable
// the reply capability, which is permanently enabled.
var ErrReplyRequired = errors.New("reply capability cannot be disabled")

// Capability is one togglable permission in the closed catalog controlling
// what the remote agent may do on behalf of a profile.
type Capability string

const (
	CapabilityReply  Capability = "reply"
	CapabilityEmail  Capability = "email"
	CapabilitySearch Capability = "search"
	CapabilityCode   Capability = "code"
)

// Catalog returns the closed set of known capabilities in display order.
func Catalog() []Capability {
	return []Capability{CapabilityReply, CapabilityEmail, CapabilitySearch, CapabilityCode}
}

// DefaultCapabilities returns the capability set assigned to new profiles.
func DefaultCapabilities() []Capability {
	return Catalog()
}

// ValidCapability reports whether c is part of the catalog.
func ValidCapability(c Capability) bool {
	for _, known := range Catalog() {
		if c == known {
			return true
		}
	}
	return false
}

// ValidateCapabilities checks a proposed capability set against the catalog
// and the permanently-enabled reply invariant.
func ValidateCapabilities(caps []Capability) error {
	hasReply := false
	for _, c := range caps {
		if !ValidCapability(c) {
			return errors.New("unknown capability: " + string(c))
		}
		if c == CapabilityReply {
			hasReply = true
		}
	}
	if !hasReply {
		return ErrReplyRequired
	}
	return nil
}

// Profile represents one durable agent identity with its configuration.
type Profile struct {
	ID           string
	Name         string
	Capabilities []Capability
	Behavior     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Role distinguishes who authored a transcript message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// AttachmentKind distinguishes inline image payloads from file descriptors.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image" // inline base64-encoded payload
	AttachmentFile  AttachmentKind = "file"  // descriptor with display name only
)

// Attachment is a payload carried by a user message.
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	Name     string         `json:"name"`
	MimeType string         `json:"mime_type,omitempty"`
	Data     string         `json:"data,omitempty"` // base64, images only
}

// Message is a single transcript entry for one agent id.
// User messages carry a snapshot of the capability set and behavior directive
// in effect at send time; later profile edits do not alter sent messages.
type Message struct {
	ID           string
	AgentID      string
	Role         Role
	Text         string
	Attachments  []Attachment
	Capabilities []Capability // user messages only
	Behavior     string       // user messages only
	CreatedAt    time.Time
}

// ProfileStore defines profile and current-pointer persistence.
type ProfileStore interface {
	SaveProfile(ctx context.Context, profile *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	ListProfiles(ctx context.Context) ([]*Profile, error)
	// DeleteProfile removes the profile and, in the same transaction,
	// retargets the current pointer to nextCurrentID (empty clears it).
	DeleteProfile(ctx context.Context, id, nextCurrentID string) error

	SetCurrentAgent(ctx context.Context, id string) error
	GetCurrentAgent(ctx context.Context) (string, error)
}

// TranscriptStore defines per-agent transcript persistence.
type TranscriptStore interface {
	AppendMessage(ctx context.Context, msg *Message) error
	UpdateMessageText(ctx context.Context, id, text string) error
	GetTranscript(ctx context.Context, agentID string) ([]*Message, error)
	ClearTranscript(ctx context.Context, agentID string) error
}

// Store is the full persistence surface used by the console runtime.
type Store interface {
	ProfileStore
	TranscriptStore

	// Wipe removes all durable state (profiles, pointer, transcripts).
	// Used by the reset route before re-bootstrap.
	Wipe(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
