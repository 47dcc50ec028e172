package collab

import (
	"testing"

	"boardsync/backend/internal/channel"
)

func TestPresenceTracker_RefreshReplacesAndDiffs(t *testing.T) {
	tr := NewPresenceTracker()
	var joined, left []string
	tr.OnChange(func(j, l []channel.Presence) {
		for _, p := range j {
			joined = append(joined, p.PeerID)
		}
		for _, p := range l {
			left = append(left, p.PeerID)
		}
	})

	tr.Refresh(map[string][]channel.Presence{
		"b": {{PeerID: "b"}},
		"a": {{PeerID: "a"}},
	})
	peers := tr.Peers()
	if len(peers) != 2 || peers[0].PeerID != "a" || peers[1].PeerID != "b" {
		t.Fatalf("Peers() = %v", peers)
	}
	if len(joined) != 2 || len(left) != 0 {
		t.Fatalf("joined=%v left=%v", joined, left)
	}

	joined, left = nil, nil
	// 同一个集合再来一次，不应产生事件
	tr.Refresh(map[string][]channel.Presence{"a": {{PeerID: "a"}}, "b": {{PeerID: "b"}}})
	if joined != nil || left != nil {
		t.Fatalf("unexpected events joined=%v left=%v", joined, left)
	}

	tr.Refresh(map[string][]channel.Presence{
		"b": {{PeerID: "b"}, {PeerID: "b"}},
		"c": {{PeerID: "c"}},
	})
	if len(joined) != 1 || joined[0] != "c" || len(left) != 1 || left[0] != "a" {
		t.Fatalf("joined=%v left=%v", joined, left)
	}
	if n := len(tr.Peers()); n != 3 {
		t.Fatalf("Peers() len = %d, want 3 (two connections for b)", n)
	}

	tr.Refresh(nil)
	if n := len(tr.Peers()); n != 0 {
		t.Fatalf("Peers() after empty refresh = %d", n)
	}
}

func TestColorHue(t *testing.T) {
	for _, id := range []string{"", "alice", "bob", "3f0c5e0e-4b8c-4c57-8f4f-1f2c3d4e5f60"} {
		h := ColorHue(id)
		if h < 0 || h >= 360 {
			t.Fatalf("ColorHue(%q) = %d out of range", id, h)
		}
		if ColorHue(id) != h {
			t.Fatalf("ColorHue(%q) not deterministic", id)
		}
	}
}
