package platform_test

import (
	"context"
	"errors"
	"testing"

	"rolewarden/internal/enforce"
	"rolewarden/internal/platform"
	"rolewarden/internal/platform/memory"
)

func TestEnforceStateOutsideVoice(t *testing.T) {
	client := memory.New()
	client.AddCommunity("c1", "test")
	client.AddMember("c1", "m1", "g1", "g2")

	r := platform.NewStateResolver(client, client)
	target, ch, err := r.EnforceState(context.Background(), "c1", "m1")
	if err != nil {
		t.Fatalf("EnforceState: %v", err)
	}
	if target.InVoice {
		t.Fatalf("member is not in voice: %+v", target)
	}
	if len(target.GroupIDs) != 2 {
		t.Fatalf("groups lost: %+v", target.GroupIDs)
	}
	if len(ch.Overrides) != 0 {
		t.Fatalf("expected empty channel view, got %+v", ch)
	}
}

func TestEnforceStateInVoice(t *testing.T) {
	client := memory.New()
	client.AddCommunity("c1", "test")
	client.AddMember("c1", "m1", "g1")
	client.SetVoice("c1", "m1", platform.VoiceState{ChannelID: "ch1", Muted: true, MutedByBot: true})
	client.SetChannelView("c1", "ch1", enforce.Channel{
		Overrides: []enforce.GroupOverride{{GroupID: "g1", GroupName: "silenced", Speak: enforce.OverrideDeny}},
	})
	client.SetBasePermissions("c1", "ch1", "m1", true, false)

	r := platform.NewStateResolver(client, client)
	target, ch, err := r.EnforceState(context.Background(), "c1", "m1")
	if err != nil {
		t.Fatalf("EnforceState: %v", err)
	}
	if !target.InVoice || !target.Muted || !target.MutedByEnforcement {
		t.Fatalf("voice state lost: %+v", target)
	}
	if !target.BasePresence || target.BaseSpeak {
		t.Fatalf("base permissions lost: %+v", target)
	}
	if len(ch.Overrides) != 1 || ch.Overrides[0].GroupName != "silenced" {
		t.Fatalf("channel view lost: %+v", ch)
	}
}

func TestEnforceStateUnknownMember(t *testing.T) {
	client := memory.New()
	r := platform.NewStateResolver(client, client)
	_, _, err := r.EnforceState(context.Background(), "c1", "ghost")
	if !errors.Is(err, platform.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
