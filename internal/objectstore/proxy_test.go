package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DroneLeaf/petal-app-manager/internal/session"
)

func TestUploadRejectsUnrecognizedFormatBeforeNetworkCall(t *testing.T) {
	sess := session.NewManager(func(ctx context.Context) (string, error) { return "", nil }, time.Minute)
	p := New(Config{Bucket: "flight-logs", Prefix: "logs"}, sess)

	_, err := p.Upload(context.Background(), "", "notes.txt", []byte("hello world"))
	require.Error(t, err)
}

func TestNewStartsPending(t *testing.T) {
	sess := session.NewManager(func(ctx context.Context) (string, error) { return "", nil }, time.Minute)
	p := New(Config{Bucket: "flight-logs"}, sess)
	assert.Equal(t, "object_store", p.Name())
	assert.Equal(t, "pending", string(p.Health().Status))
}
