package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestInMemory_PublishConsume(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg, err := NewMergeMessage(MergeJob{UserID: "u1", SessionIDs: []string{"s1"}, Section: "CS101"})
	if err != nil {
		t.Fatalf("NewMergeMessage: %v", err)
	}
	if err := q.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ch, _ := q.Consume(ctx)
	select {
	case got := <-ch:
		job, err := MergeJobFrom(got)
		if err != nil {
			t.Fatalf("MergeJobFrom: %v", err)
		}
		if got.ID != msg.ID || job.UserID != "u1" || job.Section != "CS101" || len(job.SessionIDs) != 1 {
			t.Errorf("job = %+v (id %s)", job, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no message consumed")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected message after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer channel not closed after cancel")
	}
}

func TestInMemory_PublishRespectsContext(t *testing.T) {
	q := NewInMemory(1)
	_ = q.Publish(context.Background(), Message{Type: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, Message{Type: "x"}); err == nil {
		t.Fatal("Publish on a full queue should fail once ctx expires")
	}
}

func TestDecode(t *testing.T) {
	msg, _ := NewMessage(TypeMerge, MergeJob{UserID: "u"})
	raw, _ := json.Marshal(msg)
	got, err := Decode(raw)
	if err != nil || got.Type != TypeMerge || got.ID != msg.ID {
		t.Fatalf("Decode = %+v, %v", got, err)
	}
	if _, err := Decode([]byte(`{"id":"1"}`)); err == nil {
		t.Error("expected error for missing type")
	}
	if _, err := Decode([]byte(`checkin|abc`)); err == nil {
		t.Error("expected error for non-JSON entry")
	}
}

func TestMergeJobFrom_WrongType(t *testing.T) {
	if _, err := MergeJobFrom(Message{ID: "1", Type: "other", Body: []byte(`{}`)}); err == nil {
		t.Fatal("expected error for non-merge message")
	}
}
