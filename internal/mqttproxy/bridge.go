// Package mqttproxy implements PAM's command/telemetry path to the cloud
// MQTT broker. PAM never opens a raw MQTT socket: it talks HTTP to a
// sidecar bridge process that owns the actual broker connection, and
// receives inbound commands over a local HTTP ingress server the bridge
// posts to.
package mqttproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// BridgeConfig configures the HTTP client to the sidecar bridge.
type BridgeConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Bridge is the HTTP client half of the proxy: it publishes outbound
// messages and command responses to the sidecar, which owns the MQTT
// session.
type Bridge struct {
	cfg    BridgeConfig
	client *http.Client
}

// NewBridge constructs a Bridge client.
func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Bridge{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// PublishMessage posts a message to the sidecar for publication to topic.
func (b *Bridge) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return b.post(ctx, "/publish", map[string]interface{}{
		"topic":   topic,
		"payload": payload,
	})
}

// SendCommandResponse posts the result of a command back to the sidecar,
// which routes it to the originating topic using the request's messageId.
// fields is spread into the body alongside messageId/timestamp/success, so
// a handler's own result shape (e.g. {"value": ...}) rides along flat
// rather than nested under a "result" key.
func (b *Bridge) SendCommandResponse(ctx context.Context, messageID string, success bool, fields map[string]interface{}) error {
	body := map[string]interface{}{
		"messageId": messageID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"success":   success,
	}
	for k, v := range fields {
		body[k] = v
	}
	return b.post(ctx, "/command-response", body)
}

func (b *Bridge) post(ctx context.Context, path string, body interface{}) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return fmt.Errorf("encoding bridge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+path, buf)
	if err != nil {
		return fmt.Errorf("building bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling mqtt bridge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("mqtt bridge returned status %d", resp.StatusCode)
	}
	return nil
}

// Topic builds the organization/device-scoped topic PAM publishes and
// subscribes under, per spec.md's topic structure.
func Topic(orgID, deviceID, suffix string) string {
	return fmt.Sprintf("org/%s/device/%s/%s", orgID, deviceID, suffix)
}
