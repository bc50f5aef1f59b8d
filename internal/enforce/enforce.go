// Package enforce decides which voice-enforcement action a member requires
// given their group memberships and a channel's permission overrides. The
// decision is pure; performing the action is the operation queue's job.
package enforce

// Action is the single enforcement step a target currently requires.
type Action int

const (
	ActionNone Action = iota
	ActionMute
	ActionUnmute
	ActionDisconnect
)

func (a Action) String() string {
	switch a {
	case ActionMute:
		return "mute"
	case ActionUnmute:
		return "unmute"
	case ActionDisconnect:
		return "disconnect"
	default:
		return "none"
	}
}

// Override is the tri-state channel-level permission override for one group.
type Override int8

const (
	OverrideInherit Override = iota
	OverrideAllow
	OverrideDeny
)

// GroupOverride carries a channel's explicit overrides for one group.
type GroupOverride struct {
	GroupID   string
	GroupName string
	Presence  Override
	Speak     Override
}

// Channel is the permission view of a real-time channel.
type Channel struct {
	Overrides []GroupOverride
}

// Target is the member-side state the decision needs.
type Target struct {
	GroupIDs []string

	InVoice            bool
	Muted              bool
	MutedByEnforcement bool

	// Effective (inherited) permission values, used when no explicit
	// override applies to any of the target's groups.
	BasePresence bool
	BaseSpeak    bool
}

func (t Target) hasGroup(id string) bool {
	for _, g := range t.GroupIDs {
		if g == id {
			return true
		}
	}
	return false
}

// Decision is the required action plus the group whose override decided it.
type Decision struct {
	Action Action
	// Group names the deciding group; empty when the inherited permission
	// state decided, or when no action is required.
	Group string
}

// Decide returns the enforcement action a target requires in the channel.
//
// Per capability (presence, speak) the inherited value is the starting
// point, explicit denies from any of the target's groups are applied next,
// and explicit allows are applied last. An explicit allow on one group
// therefore lifts an explicit deny on another, and any explicit override
// beats the inherited value.
//
// A presence denial always yields a disconnect, never a mute.
func Decide(t Target, ch Channel) Decision {
	if !t.InVoice {
		return Decision{Action: ActionNone}
	}

	presence, presenceGroup := resolve(t, ch, func(o GroupOverride) Override { return o.Presence }, t.BasePresence)
	speak, speakGroup := resolve(t, ch, func(o GroupOverride) Override { return o.Speak }, t.BaseSpeak)

	switch {
	case !presence:
		return Decision{Action: ActionDisconnect, Group: presenceGroup}
	case !speak && !t.Muted:
		return Decision{Action: ActionMute, Group: speakGroup}
	case speak && t.Muted && t.MutedByEnforcement:
		// Only lift mutes we applied; never touch a self-mute.
		return Decision{Action: ActionUnmute, Group: speakGroup}
	default:
		return Decision{Action: ActionNone}
	}
}

// resolve computes one capability's effective value for the target and the
// name of the last override that decided it.
func resolve(t Target, ch Channel, pick func(GroupOverride) Override, base bool) (bool, string) {
	value := base
	group := ""

	// Denies first, then allows: allow-from-any-group wins among explicit
	// overrides, and explicit overrides beat the inherited value.
	for _, o := range ch.Overrides {
		if pick(o) == OverrideDeny && t.hasGroup(o.GroupID) {
			value = false
			group = o.GroupName
		}
	}
	for _, o := range ch.Overrides {
		if pick(o) == OverrideAllow && t.hasGroup(o.GroupID) {
			value = true
			group = o.GroupName
		}
	}
	return value, group
}
