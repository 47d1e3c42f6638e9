package mqttproxy

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupWindowRejectsRepeatedMessageID(t *testing.T) {
	w := newDedupWindow(10)
	assert.False(t, w.seen("a"))
	assert.True(t, w.seen("a"))
}

func TestDedupWindowEvictsOldestPastCapacity(t *testing.T) {
	w := newDedupWindow(2)
	w.seen("a")
	w.seen("b")
	w.seen("c") // evicts "a"
	assert.False(t, w.seen("a"))
}

func TestCommandQueueDropsNewestWhenFull(t *testing.T) {
	q := newCommandQueue(2)
	assert.True(t, q.push(IncomingCommand{MessageID: "1"}))
	assert.True(t, q.push(IncomingCommand{MessageID: "2"}))
	assert.False(t, q.push(IncomingCommand{MessageID: "3"}))
	assert.Equal(t, uint64(1), q.droppedCount())
	assert.Equal(t, 2, q.depth())

	first, ok := q.pop(nil)
	assert.True(t, ok)
	assert.Equal(t, "1", first.MessageID)
}

func TestHandleIngressDedupesByMessageIDAlone(t *testing.T) {
	received := make(chan IncomingCommand, 10)
	in := NewIngress(IngressConfig{BufferDepth: 10}, func(c IncomingCommand) {
		received <- c
	})
	go in.consume()
	defer in.Stop()

	body, _ := json.Marshal(IncomingCommand{MessageID: "m1", Topic: "t", Payload: json.RawMessage(`{}`)})
	req := httptest.NewRequest(http.MethodPost, "/ingress", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	in.handleIngress(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/ingress", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	in.handleIngress(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)

	select {
	case c := <-received:
		assert.Equal(t, "m1", c.MessageID)
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked by the consumer goroutine")
	}
	select {
	case <-received:
		t.Fatal("duplicate message id should not have reached the handler")
	default:
	}
}

func TestHandleIngressRejectsNonPost(t *testing.T) {
	in := NewIngress(IngressConfig{BufferDepth: 10}, func(IncomingCommand) {})
	req := httptest.NewRequest(http.MethodGet, "/ingress", nil)
	rec := httptest.NewRecorder()
	in.handleIngress(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
