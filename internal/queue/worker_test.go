package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWorker_AppliesMergeJobsAndSkipsOthers(t *testing.T) {
	q := NewInMemory(8)
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu  sync.Mutex
		got []MergeJob
	)
	applied := make(chan struct{}, 4)
	w := &Worker{Queue: q, Apply: func(_ context.Context, job MergeJob) error {
		mu.Lock()
		got = append(got, job)
		mu.Unlock()
		applied <- struct{}{}
		if job.UserID == "bad" {
			return errors.New("store down")
		}
		return nil
	}}

	_ = q.Publish(ctx, Message{ID: "x", Type: "other"})
	for _, user := range []string{"bad", "u1"} {
		msg, _ := NewMergeMessage(MergeJob{UserID: user, SessionIDs: []string{"S1"}, Section: "CS101"})
		_ = q.Publish(ctx, msg)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-applied:
		case <-time.After(2 * time.Second):
			t.Fatal("job not applied")
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].UserID != "bad" || got[1].UserID != "u1" {
		t.Fatalf("applied = %+v", got)
	}
}
