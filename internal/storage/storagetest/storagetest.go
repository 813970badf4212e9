// Package storagetest is a behavioural suite every storage.Store backend
// must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/reasonance-lab/streamcoder/internal/program"
	"github.com/reasonance-lab/streamcoder/internal/sandbox"
	"github.com/reasonance-lab/streamcoder/internal/storage"
)

// Session builds a session for identity whose result has status.
func Session(identity, text string, status sandbox.Status) *storage.SandboxSession {
	src := program.NewSourceUnit(identity, text, program.OriginEditor)
	res := &sandbox.ExecutionResult{
		RunID:     src.ID,
		Status:    status,
		Output:    "out:" + text,
		StartedAt: src.SubmittedAt,
		Duration:  15 * time.Millisecond,
		Isolation: "interpreter",
	}
	if status != sandbox.StatusSucceeded {
		res.Error = &sandbox.ErrorDetail{Kind: sandbox.KindUncaughtException, Message: "boom", Line: 2}
	}
	return &storage.SandboxSession{
		Identity:      identity,
		Source:        src,
		RewrittenText: text,
		Result:        res,
	}
}

// Run exercises newStore against the storage.Store contract.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("PutAndGet", func(t *testing.T) { testPutAndGet(t, newStore(t)) })
	t.Run("PutReplaces", func(t *testing.T) { testPutReplaces(t, newStore(t)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("DeleteIdle", func(t *testing.T) { testDeleteIdle(t, newStore(t)) })
	t.Run("ConcurrentIdentities", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

func testPutAndGet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := Session("repo:main.py", "print(1)", sandbox.StatusFailed)
	if err := s.Put(ctx, sess); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if sess.RunCount != 1 {
		t.Errorf("run count = %d, want 1", sess.RunCount)
	}
	if sess.CreatedAt.IsZero() {
		t.Error("created_at should be set by Put")
	}

	got, err := s.Get(ctx, "repo:main.py")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Source.Text != "print(1)" || got.Source.Origin != program.OriginEditor {
		t.Errorf("source = %+v", got.Source)
	}
	if got.Source.ID != sess.Source.ID {
		t.Errorf("source id = %q, want %q", got.Source.ID, sess.Source.ID)
	}
	if got.Result == nil || got.Result.Status != sandbox.StatusFailed {
		t.Fatalf("result = %+v", got.Result)
	}
	if got.Result.Error == nil || got.Result.Error.Line != 2 {
		t.Errorf("error = %+v", got.Result.Error)
	}
	if got.Result.Duration != 15*time.Millisecond {
		t.Errorf("duration = %s", got.Result.Duration)
	}
}

func testPutReplaces(t *testing.T, s storage.Store) {
	ctx := context.Background()
	first := Session("id", "print(1)", sandbox.StatusSucceeded)
	if err := s.Put(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := Session("id", "print(2)", sandbox.StatusTimedOut)
	if err := s.Put(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "id")
	if err != nil {
		t.Fatal(err)
	}
	if got.Source.Text != "print(2)" || got.Result.Status != sandbox.StatusTimedOut {
		t.Errorf("got %q/%s, want the second submission", got.Source.Text, got.Result.Status)
	}
	if got.RunCount != 2 {
		t.Errorf("run count = %d, want 2", got.RunCount)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed from %s to %s", first.CreatedAt, got.CreatedAt)
	}
}

func testGetNotFound(t *testing.T, s storage.Store) {
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func testList(t *testing.T, s storage.Store) {
	ctx := context.Background()
	s.Put(ctx, Session("a", "1", sandbox.StatusSucceeded))
	time.Sleep(2 * time.Millisecond)
	s.Put(ctx, Session("b", "2", sandbox.StatusFailed))
	time.Sleep(2 * time.Millisecond)
	s.Put(ctx, Session("c", "3", sandbox.StatusSucceeded))

	all, err := s.List(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d sessions, want 3", len(all))
	}
	if all[0].Identity != "c" {
		t.Errorf("first = %q, want most recently updated c", all[0].Identity)
	}

	ok, err := s.List(ctx, storage.ListOptions{Status: sandbox.StatusSucceeded})
	if err != nil {
		t.Fatal(err)
	}
	if len(ok) != 2 {
		t.Errorf("got %d succeeded sessions, want 2", len(ok))
	}

	page, err := s.List(ctx, storage.ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Identity != "b" {
		t.Errorf("page = %v, want [b]", page)
	}
}

func testDelete(t *testing.T, s storage.Store) {
	ctx := context.Background()
	s.Put(ctx, Session("del", "1", sandbox.StatusSucceeded))
	if err := s.Delete(ctx, "del"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "del"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "del"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func testDeleteIdle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	s.Put(ctx, Session("old", "1", sandbox.StatusSucceeded))
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	s.Put(ctx, Session("new", "2", sandbox.StatusSucceeded))

	n, err := s.DeleteIdle(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteIdle: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, err := s.Get(ctx, "new"); err != nil {
		t.Errorf("recent session pruned: %v", err)
	}
}

func testConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const identities, runs = 4, 5

	var wg sync.WaitGroup
	errs := make(chan error, identities*runs)
	for i := 0; i < identities; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < runs; j++ {
				if err := s.Put(ctx, Session(id, fmt.Sprint(j), sandbox.StatusSucceeded)); err != nil {
					errs <- err
				}
			}
		}(fmt.Sprintf("id-%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Put: %v", err)
	}

	for i := 0; i < identities; i++ {
		got, err := s.Get(ctx, fmt.Sprintf("id-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if got.RunCount != runs {
			t.Errorf("%s run count = %d, want %d", got.Identity, got.RunCount, runs)
		}
	}
}
