package index

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"ragcore/internal/models"
)

func TestChromemSource_MatchesExactSearch(t *testing.T) {
	src, err := NewChromemSource("test")
	if err != nil {
		t.Fatalf("new chromem source: %v", err)
	}
	approx := New(testTag, WithCandidates(src, 4))
	exact := New(testTag)

	rng := rand.New(rand.NewSource(42))
	entries := randomEntries(rng, 300, 16)
	// a zero vector is scored 0 but must still be reachable
	entries = append(entries, mkEntry("zero", 0, make([]float32, 16)...))

	for _, ix := range []*Index{approx, exact} {
		if err := ix.Add(context.Background(), entries); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	for i := 0; i < 20; i++ {
		q := randomVector(rng, 16)
		for _, k := range []int{1, 5, 10} {
			want, err := exact.Search(context.Background(), q, k)
			if err != nil {
				t.Fatalf("exact search: %v", err)
			}
			got, err := approx.Search(context.Background(), q, k)
			if err != nil {
				t.Fatalf("chromem search: %v", err)
			}
			if !reflect.DeepEqual(ids(want), ids(got)) {
				t.Fatalf("query %d k=%d: expected %v, got %v", i, k, ids(want), ids(got))
			}
		}
	}

	// large k falls back to a full scan
	q := randomVector(rng, 16)
	want, _ := exact.Search(context.Background(), q, 1000)
	got, _ := approx.Search(context.Background(), q, 1000)
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("expected full scan results to match")
	}
}

func TestChromemSource_ClearAndRestore(t *testing.T) {
	src, err := NewChromemSource("test")
	if err != nil {
		t.Fatalf("new chromem source: %v", err)
	}
	ix := New(testTag, WithCandidates(src, 2))

	rng := rand.New(rand.NewSource(3))
	if err := ix.Add(context.Background(), randomEntries(rng, 50, 8)); err != nil {
		t.Fatalf("add: %v", err)
	}
	snap := ix.Snapshot()

	if err := ix.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n := src.collection.Count(); n != 0 {
		t.Fatalf("expected empty collection after clear, got %d", n)
	}

	if err := ix.Restore(context.Background(), snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n := src.collection.Count(); n != 50 {
		t.Fatalf("expected 50 documents after restore, got %d", n)
	}

	extra := make([]models.IndexEntry, 0, 5)
	for i := 0; i < 5; i++ {
		extra = append(extra, mkEntry(fmt.Sprintf("extra%d", i), 0, randomVector(rng, 8)...))
	}
	if err := ix.Add(context.Background(), extra); err != nil {
		t.Fatalf("add after restore: %v", err)
	}
	res, err := ix.Search(context.Background(), extra[0].Embedding.Vector, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res[0].Chunk.ID != extra[0].Chunk.ID {
		t.Fatalf("expected %s first, got %s", extra[0].Chunk.ID, res[0].Chunk.ID)
	}
}

func TestChromemSource_TiesKeepSequenceOrder(t *testing.T) {
	entries := make([]models.IndexEntry, 0, 22)
	for i := 0; i < 20; i++ {
		entries = append(entries, mkEntry("c", i, 1, 0, 0))
	}
	entries = append(entries, mkEntry("o", 0, 0, 1, 0))
	entries = append(entries, mkEntry("best", 0, 1, 0.05, 0))

	for run := 0; run < 30; run++ {
		src, err := NewChromemSource("ties")
		if err != nil {
			t.Fatalf("new chromem source: %v", err)
		}
		ix := New(testTag, WithCandidates(src, 2))
		if err := ix.Add(context.Background(), entries); err != nil {
			t.Fatalf("add: %v", err)
		}

		// every candidate ties, so the lowest sequence indexes must win
		got, err := ix.Search(context.Background(), []float32{1, 0, 0}, 3)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		want := []string{"c:0", "c:1", "c:2"}
		if !reflect.DeepEqual(ids(got), want) {
			t.Fatalf("run %d: expected %v, got %v", run, want, ids(got))
		}

		got, err = ix.Search(context.Background(), []float32{1, 0.05, 0}, 1)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(got) != 1 || got[0].Chunk.ID != "best:0" {
			t.Fatalf("run %d: expected best:0, got %v", run, ids(got))
		}
	}
}
