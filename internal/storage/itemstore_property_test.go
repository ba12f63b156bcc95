package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/valter-silva-au/digital-fte/pkg/models"
	"pgregory.net/rapid"
)

func genDestination(t *rapid.T) Destination {
	stage := models.AllStages[rapid.IntRange(0, len(models.AllStages)-1).Draw(t, "stageIdx")]
	d := Destination{Stage: stage}
	switch {
	case stage == models.StageInProgress:
		d.Owner = rapid.SampledFrom([]string{"alice", "bob", "orchestrator"}).Draw(t, "owner")
	case stage.HasCategories():
		d.Category = rapid.SampledFrom([]string{"", "Files", "Email"}).Draw(t, "category")
	}
	return d
}

// Feature: file-mailbox, Property 1: an item is in exactly one stage
// directory after any sequence of moves.
func TestProperty_ItemInExactlyOneStage(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dir, err := os.MkdirTemp("", "fte-prop-*")
		if err != nil {
			t.Fatal(err)
		}
		defer os.RemoveAll(dir)
		store := NewItemStore(dir)

		n := rapid.IntRange(1, 5).Draw(t, "items")
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("item-%d", i)
			if _, err := store.Write(sampleItem(ids[i]), models.StageNeedsAction); err != nil {
				t.Fatalf("write: %v", err)
			}
		}

		steps := rapid.IntRange(0, 20).Draw(t, "steps")
		for s := 0; s < steps; s++ {
			id := rapid.SampledFrom(ids).Draw(t, "id")
			h, err := store.Find(id)
			if err != nil {
				t.Fatalf("find %s: %v", id, err)
			}
			if _, err := store.Move(h, genDestination(t)); err != nil && !errors.Is(err, ErrConflict) {
				t.Fatalf("move %s: %v", id, err)
			}
		}

		for _, id := range ids {
			count := 0
			for _, st := range models.AllStages {
				handles, err := store.List(st)
				if err != nil {
					t.Fatal(err)
				}
				for _, h := range handles {
					if h.ID == id {
						count++
					}
				}
			}
			if count != 1 {
				t.Fatalf("item %s found in %d locations", id, count)
			}
		}
	})
}

// Feature: file-mailbox, Property 2: two movers racing on the same handle
// never both succeed.
func TestProperty_SingleWinnerOnRace(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dir, err := os.MkdirTemp("", "fte-race-*")
		if err != nil {
			t.Fatal(err)
		}
		defer os.RemoveAll(dir)
		store := NewItemStore(dir)

		h, err := store.Write(sampleItem("contested"), models.StageNeedsAction)
		if err != nil {
			t.Fatal(err)
		}

		movers := rapid.IntRange(2, 6).Draw(t, "movers")
		results := make(chan error, movers)
		for i := 0; i < movers; i++ {
			owner := fmt.Sprintf("worker-%d", i)
			go func() {
				_, err := store.Move(h, Destination{Stage: models.StageInProgress, Owner: owner})
				results <- err
			}()
		}

		wins := 0
		for i := 0; i < movers; i++ {
			err := <-results
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})
}

// Feature: file-mailbox, Property 3: releases, requeues and claims running
// concurrently against one item never leave it in two places.
func TestProperty_NoDuplicationUnderConcurrentRewrites(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dir, err := os.MkdirTemp("", "fte-dup-*")
		if err != nil {
			t.Fatal(err)
		}
		defer os.RemoveAll(dir)
		store := NewItemStore(dir)

		const id = "contested"
		it := sampleItem(id)
		it.Owner = "alice"
		if _, err := store.Write(it, models.StageInProgress); err != nil {
			t.Fatal(err)
		}

		stamp := func(key string) func(*models.Item) {
			return func(it *models.Item) { it.Set(key, "x") }
		}
		type op struct {
			dst    Destination
			mutate func(*models.Item)
		}
		ops := []op{
			{Destination{Stage: models.StageNeedsAction}, stamp("released_at")},
			{Destination{Stage: models.StageNeedsAction, Category: "Email"}, stamp("requeued_at")},
			{Destination{Stage: models.StageInProgress, Owner: "bob"}, stamp("claimed_at")},
			{Destination{Stage: models.StageInProgress, Owner: "carol"}, stamp("claimed_at")},
			{Destination{Stage: models.StagePendingApproval}, stamp("expiry")},
			{Destination{Stage: models.StageInProgress, Owner: "alice"}, nil},
		}

		workers := rapid.IntRange(2, 5).Draw(t, "workers")
		plans := make([][]op, workers)
		for w := range plans {
			steps := rapid.IntRange(1, 6).Draw(t, fmt.Sprintf("steps_%d", w))
			for s := 0; s < steps; s++ {
				plans[w] = append(plans[w], rapid.SampledFrom(ops).Draw(t, fmt.Sprintf("op_%d_%d", w, s)))
			}
		}

		var wg sync.WaitGroup
		errs := make(chan error, workers*6)
		for _, plan := range plans {
			wg.Add(1)
			go func(plan []op) {
				defer wg.Done()
				for _, o := range plan {
					h, err := store.Find(id)
					if err != nil {
						// A move can slip past Find's snapshot; that is a lost race too.
						if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) {
							errs <- err
						}
						continue
					}
					if _, err := store.MoveWith(h, o.dst, o.mutate); err != nil && !errors.Is(err, ErrConflict) {
						errs <- err
					}
				}
			}(plan)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("unexpected error: %v", err)
		}

		if items, holds := countCopies(t, dir, id); items != 1 || holds != 0 {
			t.Fatalf("item has %d copies and %d holds after concurrent moves", items, holds)
		}
	})
}
