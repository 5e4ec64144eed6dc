package index

import (
	"testing"

	"github.com/dddevid/mainydb/core"
)

func docWithN(id string, n int64) *core.Document {
	d := core.NewDocument()
	d.Set("_id", core.ObjectID(id))
	d.Set("n", core.Int(n))
	return d
}

func idsOf(docs []*core.Document) map[core.DocumentID]bool {
	out := make(map[core.DocumentID]bool, len(docs))
	for _, d := range docs {
		out[d.ID()] = true
	}
	return out
}

func sameIDs(t *testing.T, got []core.DocumentID, want map[core.DocumentID]bool) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d ids, got %d (%v)", len(want), len(got), got)
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("unexpected id %q in result", id)
		}
	}
}

func TestEqualityIDs_DescendingKey(t *testing.T) {
	docs := []*core.Document{
		docWithN("a", 10),
		docWithN("b", 20),
		docWithN("c", 20),
		docWithN("d", 30),
	}
	ix := New("n_-1", []KeySpec{{Path: "n", Dir: -1}}, false)
	if err := ix.Build(docs); err != nil {
		t.Fatalf("Build: %v", err)
	}

	got := ix.EqualityIDs([]core.Value{core.Int(20)})
	sameIDs(t, got, idsOf([]*core.Document{docs[1], docs[2]}))

	if got := ix.EqualityIDs([]core.Value{core.Int(10)}); len(got) != 1 || got[0] != docs[0].ID() {
		t.Errorf("expected only doc a for n=10, got %v", got)
	}
	if got := ix.EqualityIDs([]core.Value{core.Int(999)}); len(got) != 0 {
		t.Errorf("expected no match for n=999, got %v", got)
	}
}

func TestRangeIDs_DescendingKey(t *testing.T) {
	docs := []*core.Document{
		docWithN("a", 10),
		docWithN("b", 20),
		docWithN("c", 30),
		docWithN("d", 40),
		docWithN("e", 50),
	}
	ix := New("n_-1", []KeySpec{{Path: "n", Dir: -1}}, false)
	if err := ix.Build(docs); err != nil {
		t.Fatalf("Build: %v", err)
	}

	lower := core.Int(20)
	upper := core.Int(40)
	got := ix.RangeIDs(nil, &lower, true, &upper, true)
	sameIDs(t, got, idsOf([]*core.Document{docs[1], docs[2], docs[3]}))
}

func TestAllIDsOrdered_DescendingKeyMatchesStoredDirection(t *testing.T) {
	docs := []*core.Document{
		docWithN("a", 10),
		docWithN("b", 20),
		docWithN("c", 30),
	}
	ix := New("n_-1", []KeySpec{{Path: "n", Dir: -1}}, false)
	if err := ix.Build(docs); err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Entries are physically stored in descending n order; AllIDsOrdered(true)
	// walks entry order as-is, so ascending-of-storage means n=30,20,10.
	got := ix.AllIDsOrdered(true)
	want := []core.DocumentID{docs[2].ID(), docs[1].ID(), docs[0].ID()}
	if len(got) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestInsertUpdateRemove_DescendingKeyPreservesOrder(t *testing.T) {
	ix := New("n_-1", []KeySpec{{Path: "n", Dir: -1}}, true)
	if err := ix.Build(nil); err != nil {
		t.Fatalf("Build: %v", err)
	}
	a, b, c := docWithN("a", 5), docWithN("b", 15), docWithN("c", 25)
	for _, d := range []*core.Document{a, b, c} {
		if err := ix.Insert(d); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	if got := ix.EqualityIDs([]core.Value{core.Int(15)}); len(got) != 1 || got[0] != b.ID() {
		t.Fatalf("expected only b for n=15, got %v", got)
	}

	bUpdated := docWithN("b", 20)
	if err := ix.Update(b, bUpdated); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := ix.EqualityIDs([]core.Value{core.Int(15)}); len(got) != 0 {
		t.Errorf("expected no match for stale n=15 after update, got %v", got)
	}
	if got := ix.EqualityIDs([]core.Value{core.Int(20)}); len(got) != 1 || got[0] != b.ID() {
		t.Errorf("expected b at n=20 after update, got %v", got)
	}

	ix.Remove(a)
	if got := ix.EqualityIDs([]core.Value{core.Int(5)}); len(got) != 0 {
		t.Errorf("expected a removed, got %v", got)
	}

	// The invariant of §8: every id reachable through the index is exactly
	// the set of live documents.
	all := ix.AllIDsOrdered(true)
	sameIDs(t, all, idsOf([]*core.Document{bUpdated, c}))
}
