package ratelimit

import "testing"

func TestRedisStoreKeyPrefix(t *testing.T) {
	s := NewRedisStore(nil)
	if got := s.key("group_change|c1"); got != "rolewarden:rate:group_change|c1" {
		t.Fatalf("default prefix lost: %q", got)
	}

	s = NewRedisStore(nil, WithPrefix("custom"))
	if got := s.key("x"); got != "custom:x" {
		t.Fatalf("custom prefix lost: %q", got)
	}

	// An empty prefix option keeps the default.
	s = NewRedisStore(nil, WithPrefix(""))
	if got := s.key("x"); got != "rolewarden:rate:x" {
		t.Fatalf("empty prefix must keep the default: %q", got)
	}
}
