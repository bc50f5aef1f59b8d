package platform

import (
	"context"

	"rolewarden/internal/enforce"
)

// ChannelPolicy supplies a channel's permission view: the per-group
// overrides plus the inherited presence/speak values for a member. The real
// platform adapter computes these from the channel's permission object;
// tests return canned views.
type ChannelPolicy interface {
	ChannelView(ctx context.Context, communityID, channelID string) (enforce.Channel, error)
	BasePermissions(ctx context.Context, communityID, channelID, memberID string) (presence, speak bool, err error)
}

// StateResolver assembles the decision inputs for one member from the
// platform client and a channel policy.
type StateResolver struct {
	client Client
	policy ChannelPolicy
}

func NewStateResolver(client Client, policy ChannelPolicy) *StateResolver {
	return &StateResolver{client: client, policy: policy}
}

// EnforceState resolves the member's group memberships, live voice presence
// and the channel's permission view. A member outside any channel yields a
// target with InVoice false and an empty channel.
func (r *StateResolver) EnforceState(ctx context.Context, communityID, memberID string) (enforce.Target, enforce.Channel, error) {
	m, err := r.client.ResolveMember(ctx, communityID, memberID)
	if err != nil {
		return enforce.Target{}, enforce.Channel{}, err
	}
	vs, err := r.client.VoiceState(ctx, communityID, memberID)
	if err != nil {
		return enforce.Target{}, enforce.Channel{}, err
	}
	if !vs.InChannel() {
		return enforce.Target{GroupIDs: m.GroupIDs}, enforce.Channel{}, nil
	}

	ch, err := r.policy.ChannelView(ctx, communityID, vs.ChannelID)
	if err != nil {
		return enforce.Target{}, enforce.Channel{}, err
	}
	presence, speak, err := r.policy.BasePermissions(ctx, communityID, vs.ChannelID, memberID)
	if err != nil {
		return enforce.Target{}, enforce.Channel{}, err
	}

	return enforce.Target{
		GroupIDs:           m.GroupIDs,
		InVoice:            true,
		Muted:              vs.Muted,
		MutedByEnforcement: vs.MutedByBot,
		BasePresence:       presence,
		BaseSpeak:          speak,
	}, ch, nil
}
