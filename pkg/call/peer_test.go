package call

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestCandidatesQueueUntilRemoteDescription(t *testing.T) {
	conn := &fakeConn{user: "bob"}
	ps := newPeerSession("bob", conn, true)

	for i := 0; i < 3; i++ {
		c := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("c%d", i)}
		if err := ps.AddCandidate(c); err != nil {
			t.Fatalf("AddCandidate failed: %v", err)
		}
	}
	if len(conn.appliedCandidates()) != 0 {
		t.Fatal("No candidate should reach the connection before the remote description")
	}
	if ps.PendingCandidates() != 3 {
		t.Fatalf("Expected 3 queued candidates, got %d", ps.PendingCandidates())
	}

	if errs := ps.HandleRemoteAnswer("answer"); len(errs) != 0 {
		t.Fatalf("HandleRemoteAnswer errors: %v", errs)
	}

	applied := conn.appliedCandidates()
	if len(applied) != 3 {
		t.Fatalf("Expected 3 applied candidates, got %d", len(applied))
	}
	for i, c := range applied {
		if c.Candidate != fmt.Sprintf("c%d", i) {
			t.Errorf("Candidate %d applied out of order: %s", i, c.Candidate)
		}
	}
	if ps.PendingCandidates() != 0 {
		t.Errorf("Queue should be empty after flush, got %d", ps.PendingCandidates())
	}
}

func TestCandidateAppliedDirectlyAfterRemoteDescription(t *testing.T) {
	conn := &fakeConn{user: "bob"}
	ps := newPeerSession("bob", conn, false)

	if _, errs := ps.HandleRemoteOffer("offer"); len(errs) != 0 {
		t.Fatalf("HandleRemoteOffer errors: %v", errs)
	}
	if err := ps.AddCandidate(webrtc.ICECandidateInit{Candidate: "late"}); err != nil {
		t.Fatalf("AddCandidate failed: %v", err)
	}
	if got := conn.appliedCandidates(); len(got) != 1 || got[0].Candidate != "late" {
		t.Errorf("Candidate should apply immediately, got %v", got)
	}
}

func TestFlushContinuesPastFailures(t *testing.T) {
	conn := &fakeConn{user: "bob"}
	conn.candidateErr = func(c webrtc.ICECandidateInit) error {
		if c.Candidate == "bad" {
			return errors.New("unusable candidate")
		}
		return nil
	}
	ps := newPeerSession("bob", conn, true)

	for _, c := range []string{"good1", "bad", "good2"} {
		if err := ps.AddCandidate(webrtc.ICECandidateInit{Candidate: c}); err != nil {
			t.Fatalf("AddCandidate failed: %v", err)
		}
	}

	errs := ps.HandleRemoteAnswer("answer")
	if len(errs) != 1 {
		t.Fatalf("Expected 1 flush error, got %v", errs)
	}

	applied := conn.appliedCandidates()
	if len(applied) != 2 || applied[0].Candidate != "good1" || applied[1].Candidate != "good2" {
		t.Errorf("Flush should continue past failures, applied %v", applied)
	}
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	conn := &fakeConn{user: "bob"}
	ps := newPeerSession("bob", conn, true)

	if err := ps.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
	if !conn.closed {
		t.Error("Native connection should be closed")
	}

	if err := ps.AddCandidate(webrtc.ICECandidateInit{Candidate: "c"}); err != ErrPeerClosed {
		t.Errorf("Expected ErrPeerClosed, got %v", err)
	}
	if _, err := ps.CreateOffer(); err != ErrPeerClosed {
		t.Errorf("Expected ErrPeerClosed, got %v", err)
	}
}

func TestAttachStreamRecordsSenders(t *testing.T) {
	conn := &fakeConn{user: "bob"}
	ps := newPeerSession("bob", conn, true)

	stream := &LocalStream{
		Audio: newFakeTrack("mic", TrackKindAudio),
		Video: newFakeTrack("cam", TrackKindVideo),
	}
	if err := ps.AttachStream(stream); err != nil {
		t.Fatalf("AttachStream failed: %v", err)
	}
	if len(conn.added) != 2 {
		t.Fatalf("Expected 2 added tracks, got %d", len(conn.added))
	}
	if ps.VideoSender() == nil {
		t.Error("Video sender should be recorded")
	}

	replacement := newFakeTrack("screen", TrackKindVideo)
	replaced, err := ps.ReplaceVideoTrack(replacement)
	if err != nil {
		t.Fatalf("ReplaceVideoTrack failed: %v", err)
	}
	if !replaced {
		t.Fatal("Expected in-place replacement")
	}
	if ps.VideoSender().Track() != LocalTrack(replacement) {
		t.Error("Sender should carry the replacement track")
	}
}
