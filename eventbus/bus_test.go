package eventbus

import (
	"errors"
	"testing"
)

func TestPublishInvokesAllSubscribersInOrder(t *testing.T) {
	topic := NewTopic[string]("greetings")
	var seen []string
	topic.Subscribe(func(e string) error { seen = append(seen, "a:"+e); return nil })
	topic.Subscribe(func(e string) error { seen = append(seen, "b:"+e); return nil })

	errs := topic.Publish("hi")
	if errs != nil {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if len(seen) != 2 || seen[0] != "a:hi" || seen[1] != "b:hi" {
		t.Fatalf("unexpected delivery order: %v", seen)
	}
}

func TestPublishCollectsHandlerErrorsWithoutAborting(t *testing.T) {
	topic := NewTopic[int]("numbers")
	var secondRan bool
	topic.Subscribe(func(e int) error { return errors.New("boom") })
	topic.Subscribe(func(e int) error { secondRan = true; return nil })

	errs := topic.Publish(1)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if !secondRan {
		t.Fatal("expected second subscriber to still run after first errored")
	}
}
