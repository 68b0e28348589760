package models

import (
	"testing"
	"time"
)

func TestUser_FullHandle(t *testing.T) {
	domain := "peer.example"
	tests := []struct {
		name string
		u    User
		want string
	}{
		{"local user", User{Handle: "alice"}, "alice"},
		{"remote user", User{Handle: "bob", IsRemote: true, RemoteNodeDomain: &domain}, "bob@peer.example"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.u.FullHandle(); got != tc.want {
				t.Errorf("FullHandle() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestUser_CanReceiveDMFrom(t *testing.T) {
	tests := []struct {
		name     string
		u        User
		followed bool
		want     bool
	}{
		{"everyone always allowed", User{DMPrivacy: DMPrivacyEveryone}, false, true},
		{"none never allowed", User{DMPrivacy: DMPrivacyNone}, true, false},
		{"following allows followed sender", User{DMPrivacy: DMPrivacyFollowing}, true, true},
		{"following rejects unfollowed sender", User{DMPrivacy: DMPrivacyFollowing}, false, false},
		{"bot never allowed regardless of privacy", User{DMPrivacy: DMPrivacyEveryone, IsBot: true}, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.u.CanReceiveDMFrom(tc.followed); got != tc.want {
				t.Errorf("CanReceiveDMFrom(%v) = %v, want %v", tc.followed, got, tc.want)
			}
		})
	}
}

func TestSession_IsExpired(t *testing.T) {
	tests := []struct {
		name     string
		expires  time.Time
		expected bool
	}{
		{"future expiry", time.Now().Add(1 * time.Hour), false},
		{"past expiry", time.Now().Add(-1 * time.Hour), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := Session{ExpiresAt: tc.expires}
			if got := s.IsExpired(); got != tc.expected {
				t.Errorf("IsExpired() = %v, want %v", got, tc.expected)
			}
		})
	}
}

func TestParseSwarmApID(t *testing.T) {
	tests := []struct {
		name       string
		apID       string
		wantDomain string
		wantOrigin string
		wantOK     bool
	}{
		{"swarm mirror", "swarm:peer.example:P1", "peer.example", "P1", true},
		{"local url", "https://node.example/posts/P1", "", "", false},
		{"bare prefix no colon", "swarm:nocolon", "", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			domain, origin, ok := ParseSwarmApID(tc.apID)
			if ok != tc.wantOK || domain != tc.wantDomain || origin != tc.wantOrigin {
				t.Errorf("ParseSwarmApID(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tc.apID, domain, origin, ok, tc.wantDomain, tc.wantOrigin, tc.wantOK)
			}
		})
	}
}

func TestPost_IsSwarmMirror(t *testing.T) {
	p := Post{ApID: "swarm:a.example:P9"}
	domain, origin, ok := p.IsSwarmMirror()
	if !ok || domain != "a.example" || origin != "P9" {
		t.Errorf("IsSwarmMirror() = (%q, %q, %v), want (a.example, P9, true)", domain, origin, ok)
	}

	local := Post{ApID: "https://node.example/posts/P9"}
	if _, _, ok := local.IsSwarmMirror(); ok {
		t.Error("IsSwarmMirror() on a local post should be false")
	}
}

func TestSwarmNode_IsAlive(t *testing.T) {
	tests := []struct {
		name     string
		node     SwarmNode
		expected bool
	}{
		{"fresh node alive", SwarmNode{FailureCount: 0}, true},
		{"below threshold alive", SwarmNode{FailureCount: 4}, true},
		{"at threshold dead", SwarmNode{FailureCount: 5}, false},
		{"explicitly marked dead", SwarmNode{FailureCount: 0, IsDead: true}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.node.IsAlive(5); got != tc.expected {
				t.Errorf("IsAlive(5) = %v, want %v", got, tc.expected)
			}
		})
	}
}

func TestMergeHandleRegistry(t *testing.T) {
	older := HandleRegistryEntry{Handle: "alice", DID: "did:key:old", UpdatedAt: time.Now().Add(-time.Hour)}
	newer := HandleRegistryEntry{Handle: "alice", DID: "did:key:new", UpdatedAt: time.Now()}

	if got := MergeHandleRegistry(older, newer); got.DID != "did:key:new" {
		t.Errorf("MergeHandleRegistry(older, newer) = %q, want did:key:new", got.DID)
	}
	if got := MergeHandleRegistry(newer, older); got.DID != "did:key:new" {
		t.Errorf("MergeHandleRegistry(newer, older) = %q, want did:key:new (commutative)", got.DID)
	}
}
