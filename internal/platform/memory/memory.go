// Package memory implements platform.Client and platform.BulkClient against
// in-process state. It backs package tests and the binary's dry-run mode.
package memory

import (
	"context"
	"fmt"
	"sync"

	"rolewarden/internal/enforce"
	"rolewarden/internal/platform"
)

// Call records one mutating platform call, newest last.
type Call struct {
	Op          string // "assign", "remove", "mute", "unmute", "disconnect"
	CommunityID string
	MemberID    string
	GroupID     string
	Reason      string
}

type Client struct {
	mu          sync.Mutex
	communities map[string]*platform.Community
	groups      map[string]*platform.Group             // communityID/groupID
	members     map[string]*platform.Member            // communityID/memberID
	voice       map[string]*platform.VoiceState        // communityID/memberID
	channels    map[string]enforce.Channel             // communityID/channelID
	basePerms   map[string][2]bool                     // communityID/channelID/memberID
	calls       []Call
	failHook    func(op, communityID, memberID string) error
}

func New() *Client {
	return &Client{
		communities: map[string]*platform.Community{},
		groups:      map[string]*platform.Group{},
		members:     map[string]*platform.Member{},
		voice:       map[string]*platform.VoiceState{},
		channels:    map[string]enforce.Channel{},
		basePerms:   map[string][2]bool{},
	}
}

func key(communityID, id string) string { return communityID + "/" + id }

// FailWith installs a hook consulted before every mutating call; a non-nil
// return aborts the call with that error.
func (c *Client) FailWith(hook func(op, communityID, memberID string) error) {
	c.mu.Lock()
	c.failHook = hook
	c.mu.Unlock()
}

func (c *Client) AddCommunity(id, name string) {
	c.mu.Lock()
	c.communities[id] = &platform.Community{ID: id, Name: name}
	c.mu.Unlock()
}

func (c *Client) AddGroup(communityID, id, name string) {
	c.mu.Lock()
	c.groups[key(communityID, id)] = &platform.Group{ID: id, CommunityID: communityID, Name: name}
	c.mu.Unlock()
}

func (c *Client) AddMember(communityID, id string, groupIDs ...string) {
	c.mu.Lock()
	c.members[key(communityID, id)] = &platform.Member{
		ID: id, CommunityID: communityID, GroupIDs: append([]string(nil), groupIDs...),
	}
	c.mu.Unlock()
}

func (c *Client) SetVoice(communityID, memberID string, vs platform.VoiceState) {
	c.mu.Lock()
	c.voice[key(communityID, memberID)] = &vs
	c.mu.Unlock()
}

// SetChannelView installs the permission view ChannelView returns for one
// channel.
func (c *Client) SetChannelView(communityID, channelID string, ch enforce.Channel) {
	c.mu.Lock()
	c.channels[key(communityID, channelID)] = ch
	c.mu.Unlock()
}

// SetBasePermissions installs the inherited presence/speak values for one
// member in one channel. Without an entry both default to allowed.
func (c *Client) SetBasePermissions(communityID, channelID, memberID string, presence, speak bool) {
	c.mu.Lock()
	c.basePerms[key(communityID, channelID)+"/"+memberID] = [2]bool{presence, speak}
	c.mu.Unlock()
}

// ChannelView implements platform.ChannelPolicy.
func (c *Client) ChannelView(_ context.Context, communityID, channelID string) (enforce.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[key(communityID, channelID)], nil
}

// BasePermissions implements platform.ChannelPolicy.
func (c *Client) BasePermissions(_ context.Context, communityID, channelID, memberID string) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.basePerms[key(communityID, channelID)+"/"+memberID]; ok {
		return p[0], p[1], nil
	}
	return true, true, nil
}

// Calls returns a copy of the mutation journal.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallCount counts journal entries for one op kind.
func (c *Client) CallCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Op == op {
			n++
		}
	}
	return n
}

func (c *Client) ResolveCommunity(_ context.Context, communityID string) (*platform.Community, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	com := c.communities[communityID]
	if com == nil {
		return nil, platform.ErrNotFound
	}
	cp := *com
	return &cp, nil
}

func (c *Client) ResolveGroup(_ context.Context, communityID, groupID string) (*platform.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groups[key(communityID, groupID)]
	if g == nil {
		return nil, platform.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (c *Client) ResolveMember(_ context.Context, communityID, memberID string) (*platform.Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.members[key(communityID, memberID)]
	if m == nil {
		return nil, platform.ErrNotFound
	}
	cp := *m
	cp.GroupIDs = append([]string(nil), m.GroupIDs...)
	return &cp, nil
}

func (c *Client) VoiceState(_ context.Context, communityID, memberID string) (*platform.VoiceState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vs := c.voice[key(communityID, memberID)]
	if vs == nil {
		return &platform.VoiceState{}, nil
	}
	cp := *vs
	return &cp, nil
}

func (c *Client) SetMuted(_ context.Context, communityID, memberID string, muted bool, reason string) error {
	op := "mute"
	if !muted {
		op = "unmute"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failHook != nil {
		if err := c.failHook(op, communityID, memberID); err != nil {
			return err
		}
	}
	vs := c.voice[key(communityID, memberID)]
	if vs == nil || vs.ChannelID == "" {
		return platform.ErrNotFound
	}
	vs.Muted = muted
	vs.MutedByBot = muted
	c.calls = append(c.calls, Call{Op: op, CommunityID: communityID, MemberID: memberID, Reason: reason})
	return nil
}

func (c *Client) Disconnect(_ context.Context, communityID, memberID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failHook != nil {
		if err := c.failHook("disconnect", communityID, memberID); err != nil {
			return err
		}
	}
	vs := c.voice[key(communityID, memberID)]
	if vs == nil || vs.ChannelID == "" {
		return platform.ErrNotFound
	}
	*vs = platform.VoiceState{}
	c.calls = append(c.calls, Call{Op: "disconnect", CommunityID: communityID, MemberID: memberID, Reason: reason})
	return nil
}

func (c *Client) BulkAssignGroup(_ context.Context, ops []platform.GroupOp, reason string) (platform.BulkResult, error) {
	return c.bulk("assign", ops, reason)
}

func (c *Client) BulkRemoveGroup(_ context.Context, ops []platform.GroupOp, reason string) (platform.BulkResult, error) {
	return c.bulk("remove", ops, reason)
}

func (c *Client) bulk(op string, ops []platform.GroupOp, reason string) (platform.BulkResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res platform.BulkResult
	for _, o := range ops {
		if c.failHook != nil {
			if err := c.failHook(op, o.CommunityID, o.MemberID); err != nil {
				res.Failed = append(res.Failed, o.MemberID)
				continue
			}
		}
		m := c.members[key(o.CommunityID, o.MemberID)]
		if m == nil {
			res.Failed = append(res.Failed, o.MemberID)
			continue
		}
		switch op {
		case "assign":
			if !m.HasGroup(o.GroupID) {
				m.GroupIDs = append(m.GroupIDs, o.GroupID)
			}
		case "remove":
			kept := m.GroupIDs[:0]
			for _, id := range m.GroupIDs {
				if id != o.GroupID {
					kept = append(kept, id)
				}
			}
			m.GroupIDs = kept
		default:
			return res, fmt.Errorf("memory: unknown bulk op %q", op)
		}
		res.Succeeded = append(res.Succeeded, o.MemberID)
		c.calls = append(c.calls, Call{Op: op, CommunityID: o.CommunityID, MemberID: o.MemberID, GroupID: o.GroupID, Reason: reason})
	}
	return res, nil
}
