package bridge

import (
	"testing"
)

func TestDedupLedgerWindowEviction(t *testing.T) {
	dl := newDedupLedger()
	for i := int64(1); i <= recentMessageCap+1; i++ {
		dl.RememberMessage(i)
	}
	if dl.IsRecentMessage(1) {
		t.Fatalf("expected id 1 to be evicted after %d inserts", recentMessageCap+1)
	}
	for i := int64(2); i <= recentMessageCap+1; i++ {
		if !dl.IsRecentMessage(i) {
			t.Fatalf("expected id %d to still be in the window", i)
		}
	}
}

func TestDedupLedgerWindowPartiallyFilled(t *testing.T) {
	dl := newDedupLedger()
	dl.RememberMessage(42)
	if !dl.IsRecentMessage(42) {
		t.Fatalf("expected id 42 to be recent")
	}
	if dl.IsRecentMessage(0) {
		t.Fatalf("zero id must not match unused window slots")
	}
	if dl.IsRecentMessage(43) {
		t.Fatalf("unknown id reported as recent")
	}
}

func TestDedupLedgerRequests(t *testing.T) {
	dl := newDedupLedger()
	if dl.HasRequest("req-1") {
		t.Fatalf("empty ledger reported request as in flight")
	}
	dl.AddRequest("req-1")
	if !dl.HasRequest("req-1") {
		t.Fatalf("request not found after AddRequest")
	}
	if dl.HasRequest("") {
		t.Fatalf("empty request id must never match")
	}
	dl.RemoveRequest("req-1")
	if dl.HasRequest("req-1") {
		t.Fatalf("request still in flight after RemoveRequest")
	}
}
