package mqttproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishMessagePostsToBridge(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewBridge(BridgeConfig{BaseURL: srv.URL})
	err := b.PublishMessage(context.Background(), "org/1/device/2/telemetry", map[string]int{"x": 1})

	assert.NoError(t, err)
	assert.Equal(t, "/publish", gotPath)
	assert.Equal(t, "org/1/device/2/telemetry", gotBody["topic"])
}

func TestPublishMessagePropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewBridge(BridgeConfig{BaseURL: srv.URL})
	err := b.PublishMessage(context.Background(), "t", nil)
	assert.Error(t, err)
}

func TestTopicBuildsOrgDeviceScopedPath(t *testing.T) {
	assert.Equal(t, "org/acme/device/drone-1/commands", Topic("acme", "drone-1", "commands"))
}

func TestSendCommandResponseBodyShape(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewBridge(BridgeConfig{BaseURL: srv.URL})
	err := b.SendCommandResponse(context.Background(), "msg-1", true, map[string]interface{}{"value": 42})

	assert.NoError(t, err)
	assert.Equal(t, "/command-response", gotPath)
	assert.Equal(t, "msg-1", gotBody["messageId"])
	assert.Equal(t, true, gotBody["success"])
	assert.Equal(t, float64(42), gotBody["value"])
	assert.NotEmpty(t, gotBody["timestamp"])
	assert.NotContains(t, gotBody, "result")
	assert.NotContains(t, gotBody, "error")
}
