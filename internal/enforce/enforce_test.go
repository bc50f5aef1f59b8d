package enforce

import "testing"

func TestDecideOutsideVoice(t *testing.T) {
	d := Decide(Target{GroupIDs: []string{"g1"}}, Channel{
		Overrides: []GroupOverride{{GroupID: "g1", Presence: OverrideDeny}},
	})
	if d.Action != ActionNone {
		t.Fatalf("expected no action outside voice, got %v", d.Action)
	}
}

func TestDecideTable(t *testing.T) {
	cases := []struct {
		name   string
		target Target
		ch     Channel
		want   Action
	}{
		{
			name:   "inherited permissions satisfied",
			target: Target{GroupIDs: []string{"g1"}, InVoice: true, BasePresence: true, BaseSpeak: true},
			want:   ActionNone,
		},
		{
			name:   "presence deny disconnects",
			target: Target{GroupIDs: []string{"g1"}, InVoice: true, BasePresence: true, BaseSpeak: true},
			ch: Channel{Overrides: []GroupOverride{
				{GroupID: "g1", GroupName: "banned", Presence: OverrideDeny},
			}},
			want: ActionDisconnect,
		},
		{
			name:   "presence deny beats speak deny",
			target: Target{GroupIDs: []string{"g1"}, InVoice: true, BasePresence: true, BaseSpeak: true},
			ch: Channel{Overrides: []GroupOverride{
				{GroupID: "g1", Presence: OverrideDeny, Speak: OverrideDeny},
			}},
			want: ActionDisconnect,
		},
		{
			name:   "speak deny mutes",
			target: Target{GroupIDs: []string{"g1"}, InVoice: true, BasePresence: true, BaseSpeak: true},
			ch: Channel{Overrides: []GroupOverride{
				{GroupID: "g1", GroupName: "silenced", Speak: OverrideDeny},
			}},
			want: ActionMute,
		},
		{
			name:   "speak deny on already muted member is a no-op",
			target: Target{GroupIDs: []string{"g1"}, InVoice: true, Muted: true, BasePresence: true, BaseSpeak: true},
			ch: Channel{Overrides: []GroupOverride{
				{GroupID: "g1", Speak: OverrideDeny},
			}},
			want: ActionNone,
		},
		{
			name: "speak allowed lifts an enforcement mute",
			target: Target{
				GroupIDs: []string{"g1"}, InVoice: true,
				Muted: true, MutedByEnforcement: true,
				BasePresence: true, BaseSpeak: true,
			},
			want: ActionUnmute,
		},
		{
			name: "speak allowed never lifts a self-mute",
			target: Target{
				GroupIDs: []string{"g1"}, InVoice: true,
				Muted:        true,
				BasePresence: true, BaseSpeak: true,
			},
			want: ActionNone,
		},
		{
			name:   "explicit allow on one group lifts deny on another",
			target: Target{GroupIDs: []string{"g1", "g2"}, InVoice: true, BasePresence: true, BaseSpeak: true},
			ch: Channel{Overrides: []GroupOverride{
				{GroupID: "g1", Speak: OverrideDeny},
				{GroupID: "g2", Speak: OverrideAllow},
			}},
			want: ActionNone,
		},
		{
			name:   "explicit allow beats inherited deny",
			target: Target{GroupIDs: []string{"g1"}, InVoice: true, BasePresence: true, BaseSpeak: false},
			ch: Channel{Overrides: []GroupOverride{
				{GroupID: "g1", Speak: OverrideAllow},
			}},
			want: ActionNone,
		},
		{
			name:   "explicit deny beats inherited allow",
			target: Target{GroupIDs: []string{"g1"}, InVoice: true, BasePresence: true, BaseSpeak: true},
			ch: Channel{Overrides: []GroupOverride{
				{GroupID: "g1", Speak: OverrideDeny},
			}},
			want: ActionMute,
		},
		{
			name:   "overrides for groups the target lacks are ignored",
			target: Target{GroupIDs: []string{"g1"}, InVoice: true, BasePresence: true, BaseSpeak: true},
			ch: Channel{Overrides: []GroupOverride{
				{GroupID: "other", Presence: OverrideDeny, Speak: OverrideDeny},
			}},
			want: ActionNone,
		},
		{
			name:   "inherited presence deny without overrides disconnects",
			target: Target{GroupIDs: []string{"g1"}, InVoice: true, BasePresence: false, BaseSpeak: true},
			want:   ActionDisconnect,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.target, tc.ch)
			if d.Action != tc.want {
				t.Fatalf("got %v, want %v", d.Action, tc.want)
			}
		})
	}
}

func TestDecideReportsDecidingGroup(t *testing.T) {
	d := Decide(
		Target{GroupIDs: []string{"g1"}, InVoice: true, BasePresence: true, BaseSpeak: true},
		Channel{Overrides: []GroupOverride{
			{GroupID: "g1", GroupName: "quarantine", Presence: OverrideDeny},
		}},
	)
	if d.Action != ActionDisconnect || d.Group != "quarantine" {
		t.Fatalf("got %v/%q, want disconnect/quarantine", d.Action, d.Group)
	}

	d = Decide(
		Target{GroupIDs: []string{"g1"}, InVoice: true, BasePresence: false, BaseSpeak: true},
		Channel{},
	)
	if d.Group != "" {
		t.Fatalf("inherited decision should not name a group, got %q", d.Group)
	}
}
