package websocket

import (
	"encoding/json"
	"testing"
)

func TestDispatch_DropsFullSubscriber(t *testing.T) {
	h := NewHub(nil)
	sub, ok := h.add("orders", 1)
	if !ok {
		t.Fatal("add refused")
	}

	_ = h.Dispatch("orders", json.RawMessage(`1`)) // fills the buffer
	_ = h.Dispatch("orders", json.RawMessage(`2`)) // overflows

	if n := h.Subscribers("orders"); n != 0 {
		t.Fatalf("slow subscriber still registered (%d)", n)
	}
	<-sub.send // buffered frame is still readable
	if _, open := <-sub.send; open {
		t.Fatal("send channel should be closed after drop")
	}
}

func TestAdd_RefusedAfterClose(t *testing.T) {
	h := NewHub(nil)
	h.Close()
	if _, ok := h.add("orders", 1); ok {
		t.Fatal("add should fail on a closed hub")
	}
}

func TestDispatch_WildcardTopicDeliveredOnce(t *testing.T) {
	h := NewHub(nil)
	sub, _ := h.add(AllTopics, 4)

	_ = h.Dispatch(AllTopics, json.RawMessage(`1`))

	if n := len(sub.send); n != 1 {
		t.Fatalf("want 1 frame, got %d", n)
	}
}
