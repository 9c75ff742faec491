package taskevents

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

func TestPublisher_SendsKeyedJSON(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	prod := mocks.NewAsyncProducer(t, cfg)
	prod.ExpectInputWithCheckerFunctionAndSucceed(func(b []byte) error {
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			return err
		}
		if ev.TaskID != "t-1" || ev.State != "done" || ev.FeatureCount != 2 {
			return errors.New("unexpected event")
		}
		return nil
	})

	p := newPublisher(prod, "filter-task-events", 4, nil)
	res := model.TaskResult{TaskID: "t-1", State: model.StateDone, Success: true, FeatureCount: 2}
	if !p.Publish(FromResult("places", res, 30*time.Millisecond)) {
		t.Fatalf("publish rejected")
	}

	msg := <-prod.Successes()
	if msg.Topic != "filter-task-events" {
		t.Fatalf("topic=%s", msg.Topic)
	}
	if k, _ := msg.Key.Encode(); string(k) != "t-1" {
		t.Fatalf("key=%s", k)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublish_DropsWhenFull(t *testing.T) {
	p := &Publisher{events: make(chan Event, 1)}
	if !p.Publish(Event{TaskID: "a"}) {
		t.Fatalf("first publish should fit")
	}
	if p.Publish(Event{TaskID: "b"}) {
		t.Fatalf("second publish should be dropped")
	}
}

func TestFromResult_CarriesError(t *testing.T) {
	res := model.TaskResult{TaskID: "x", State: model.StateFailed, Err: errors.New("boom"),
		Warnings: []model.Warning{{}, {}}}
	ev := FromResult("roads", res, time.Second)
	if ev.Error != "boom" || ev.Warnings != 2 || ev.DurationMS != 1000 || ev.Success {
		t.Fatalf("ev=%+v", ev)
	}
}
