package engine

import (
	"path/filepath"
	"testing"
)

func TestAuditLogRoundTrip(t *testing.T) {
	t.Parallel()
	a, err := NewAuditLog(filepath.Join(t.TempDir(), "audit.db"), 7, testLogger())
	if err != nil {
		t.Fatalf("NewAuditLog() error = %v", err)
	}
	defer a.Close()

	a.Log(DecisionRecord{Chat: "qq:group:g1", UserID: "u1", MessageText: "hi", Stage: "probability", Probability: 0.12})
	a.Log(DecisionRecord{Chat: "qq:group:g1", UserID: "u2", MessageText: "hello", Stage: "replied", Probability: 0.8, Replied: true})
	a.Log(DecisionRecord{Chat: "qq:group:g2", UserID: "u3", MessageText: "yo", Stage: "judge_no"})

	n, err := a.Count()
	if err != nil || n != 3 {
		t.Fatalf("Count() = %d, %v, want 3 rows", n, err)
	}

	recs, err := a.Recent("qq:group:g1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Recent() = %d rows, want 2 for the chat filter", len(recs))
	}
	// Newest first.
	if recs[0].Stage != "replied" || !recs[0].Replied {
		t.Fatalf("recs[0] = %+v, want the replied row first", recs[0])
	}

	all, err := a.Recent("", 2)
	if err != nil || len(all) != 2 {
		t.Fatalf("Recent(all, 2) = %d rows, %v, want the limit honored", len(all), err)
	}
}

func TestAuditLogNilSafe(t *testing.T) {
	t.Parallel()
	var a *AuditLog
	a.Log(DecisionRecord{Chat: "x"}) // must not panic
	if err := a.Close(); err != nil {
		t.Fatalf("Close() on nil = %v", err)
	}
}
