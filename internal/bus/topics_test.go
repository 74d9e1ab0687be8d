package bus

import (
	"testing"
	"time"
)

func TestEventTopics_Unique(t *testing.T) {
	topics := []string{
		TopicTaskStateChanged,
		TopicTaskCompleted,
		TopicTaskFailed,
		TopicTaskRetrying,
		TopicTaskStopped,
		TopicStepStarted,
		TopicStepCompleted,
		TopicStepFailed,
		TopicSurfaceChanged,
		TopicStallRecovered,
	}
	seen := make(map[string]bool)
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("empty topic constant")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}

func TestStepEvents_MatchTaskPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicStepStarted, StepEvent{TaskID: "t1", Index: 0})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicStepStarted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicStepStarted)
		}
		payload, ok := event.Payload.(StepEvent)
		if !ok {
			t.Fatalf("payload type = %T, want StepEvent", event.Payload)
		}
		if payload.TaskID != "t1" || payload.Index != 0 {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for step event")
	}
}

func TestStallRecoveredEvent_Payload(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicStallRecovered)
	defer b.Unsubscribe(sub)

	b.Publish(TopicStallRecovered, StallRecoveredEvent{
		TaskID:  "t1",
		Index:   2,
		Silence: 9 * time.Second,
	})

	select {
	case event := <-sub.Ch():
		payload := event.Payload.(StallRecoveredEvent)
		if payload.Silence != 9*time.Second {
			t.Fatalf("silence = %v, want 9s", payload.Silence)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stall event")
	}
}
