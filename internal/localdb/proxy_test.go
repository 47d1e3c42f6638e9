package localdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetItemRejectsForeignMachineID(t *testing.T) {
	p := New(Config{BaseURL: "http://127.0.0.1:0", MachineID: "M1"})
	err := p.SetItem(context.Background(), "t", map[string]interface{}{"robot_instance_id": "M2"})
	require.Error(t, err)
}

func TestNewStartsPending(t *testing.T) {
	p := New(Config{BaseURL: "http://127.0.0.1:0", MachineID: "M1"})
	assert.Equal(t, "local_db", p.Name())
	assert.Equal(t, "pending", string(p.Health().Status))
}
