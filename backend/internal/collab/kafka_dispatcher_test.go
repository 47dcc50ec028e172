package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"boardsync/backend/internal/document"
)

func testEvent(docID string) MutationEvent {
	msg := MutationMessage{Kind: KindPut, Records: []document.Record{shape("r1", 1)}, OriginPeerID: "p1", OriginName: "Ann"}
	return NewMutationEvent(docID, msg, time.Unix(1700000000, 0).UTC())
}

func TestKafkaDispatcher_SendsEvents(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt MutationEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventTypeMutationApplied || evt.DocID != "board-1" || evt.RecordN != 1 {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "board-mutations", NewSemaphoreControl(1), KafkaDispatcherOptions{QueueSize: 4, Workers: 1})
	if err := d.Enqueue(context.Background(), testEvent("board-1")); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	d.Close()
	if err := producer.Close(); err != nil {
		t.Fatalf("producer close: %v", err)
	}
}

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "board-mutations", nil, KafkaDispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	if !d.TryEnqueue(testEvent("board-1")) {
		t.Fatal("TryEnqueue returned false on empty queue")
	}
	d.Close()
	if err := producer.Close(); err != nil {
		t.Fatalf("producer close: %v", err)
	}
}

func TestKafkaDispatcher_ClosedRejects(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{QueueSize: 1, Workers: 1})
	d.Close()
	d.Close()
	if d.TryEnqueue(testEvent("board-1")) {
		t.Fatal("TryEnqueue succeeded after Close")
	}
	if err := d.Enqueue(context.Background(), testEvent("board-1")); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("Enqueue error = %v, want ErrDispatcherClosed", err)
	}
}

func TestNewMutationEvent_RemoveUsesIDs(t *testing.T) {
	evt := NewMutationEvent("d", MutationMessage{Kind: KindRemove, IDs: []string{"a", "b"}, OriginPeerID: "p"}, time.Now())
	if evt.RecordN != 2 || evt.RecordIDs[1] != "b" || evt.EventID == "" {
		t.Fatalf("event = %+v", evt)
	}
}

func TestSemaphoreControl(t *testing.T) {
	sem := NewSemaphoreControl(1)
	if err := sem.Release(); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("Release error = %v", err)
	}
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("Acquire error = %v, want ErrAcquireTimeout", err)
	}
	if err := sem.Release(); err != nil {
		t.Fatalf("Release error: %v", err)
	}
}
