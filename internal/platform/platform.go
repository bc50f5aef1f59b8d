// Package platform defines the narrow surface rolewarden needs from the
// chat platform: resolve communities/members/groups, mutate group
// membership in bulk, and query/mutate voice presence. The real platform
// SDK lives behind these interfaces; tests use the in-memory client.
package platform

import "context"

// Community is a server/workspace the bot operates in.
type Community struct {
	ID   string
	Name string
}

// Group is a role grant on a member; the unit of scheduled assignment and
// removal.
type Group struct {
	ID          string
	CommunityID string
	Name        string
}

// Member is a community member together with its current group memberships.
type Member struct {
	ID          string
	CommunityID string
	Username    string
	GroupIDs    []string
}

// HasGroup reports whether the member currently holds the given group.
func (m *Member) HasGroup(groupID string) bool {
	if m == nil {
		return false
	}
	for _, id := range m.GroupIDs {
		if id == groupID {
			return true
		}
	}
	return false
}

// VoiceState describes a member's live presence in a real-time channel.
// MutedByBot distinguishes mutes this bot applied from user self-mutes; an
// unmute decision must never lift a self-mute.
type VoiceState struct {
	ChannelID  string
	Muted      bool
	MutedByBot bool
}

// InChannel reports live presence.
func (v *VoiceState) InChannel() bool { return v != nil && v.ChannelID != "" }

// GroupOp is a single membership mutation inside a bulk call.
type GroupOp struct {
	CommunityID string
	MemberID    string
	GroupID     string
}

// BulkResult reports per-member outcomes of a bulk membership call.
// Failures are counted but never abort the batch.
type BulkResult struct {
	Succeeded []string
	Failed    []string
}

// Client is the per-entity platform surface.
type Client interface {
	ResolveCommunity(ctx context.Context, communityID string) (*Community, error)
	ResolveGroup(ctx context.Context, communityID, groupID string) (*Group, error)
	ResolveMember(ctx context.Context, communityID, memberID string) (*Member, error)

	VoiceState(ctx context.Context, communityID, memberID string) (*VoiceState, error)
	SetMuted(ctx context.Context, communityID, memberID string, muted bool, reason string) error
	Disconnect(ctx context.Context, communityID, memberID, reason string) error
}

// BulkClient executes batched membership mutations.
type BulkClient interface {
	BulkAssignGroup(ctx context.Context, ops []GroupOp, reason string) (BulkResult, error)
	BulkRemoveGroup(ctx context.Context, ops []GroupOp, reason string) (BulkResult, error)
}
