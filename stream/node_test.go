package stream

import (
	"testing"

	"pgregory.net/rapid"
)

// Every node's previousToken must equal the token of the node minted
// immediately before it, and indexes must increase by exactly one per
// node, regardless of how many nodes are appended.
func TestNodeRing_IndexAndLinkInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		count := rapid.IntRange(1, 50).Draw(rt, "count")

		var prev *node
		var prevToken TrackingToken
		for i := 0; i < count; i++ {
			event := TrackedEvent{Topic: "t", Key: "k", Token: SequenceToken(i + 1)}
			var index uint64
			if prev != nil {
				index = prev.index + 1
			}
			n := newNode(index, prevToken, event)
			if prev != nil {
				if n.index != prev.index+1 {
					rt.Fatalf("expected index %d, got %d", prev.index+1, n.index)
				}
				if !TokensEqual(n.previousToken, prev.event.Token) {
					rt.Fatalf("previousToken did not match prior node's token")
				}
			} else if n.index != 0 {
				rt.Fatalf("first node must have index 0, got %d", n.index)
			}
			prev = n
			prevToken = n.event.Token
		}
	})
}

func TestTokensEqual(t *testing.T) {
	var a, b TrackingToken
	if !TokensEqual(a, b) {
		t.Fatal("two nil tokens must be equal")
	}
	a = SequenceToken(1)
	if TokensEqual(a, b) {
		t.Fatal("non-nil and nil tokens must not be equal")
	}
	b = SequenceToken(1)
	if !TokensEqual(a, b) {
		t.Fatal("equal sequence tokens must compare equal")
	}
	b = SequenceToken(2)
	if TokensEqual(a, b) {
		t.Fatal("distinct sequence tokens must not compare equal")
	}
}
