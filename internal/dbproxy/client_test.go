package dbproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, func() string { return "M1" }, nil, 0)
}

func TestSetItemInjectsMachineIDWhenAbsent(t *testing.T) {
	var gotBody map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})

	err := c.SetItem(context.Background(), "flight_records", map[string]interface{}{"id": "x"})
	require.NoError(t, err)
	assert.Equal(t, "M1", gotBody["robot_instance_id"])
}

func TestSetItemRejectsForeignMachineID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not reach the server for a rejected write")
	})

	err := c.SetItem(context.Background(), "flight_records", map[string]interface{}{
		"id": "x", "robot_instance_id": "M2",
	})
	require.Error(t, err)
	var scopeErr *ScopingError
	assert.ErrorAs(t, err, &scopeErr)
}

func TestSetItemAllowsMatchingMachineID(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	err := c.SetItem(context.Background(), "flight_records", map[string]interface{}{
		"id": "x", "robot_instance_id": "M1",
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestGetItemFiltersOutOtherMachinesRecord(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"id": "x", "robot_instance_id": "M2"})
	})
	item, err := c.GetItem(context.Background(), "flight_records", "x")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestGetItemReturnsOwnRecord(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"id": "x", "robot_instance_id": "M1"})
	})
	item, err := c.GetItem(context.Background(), "flight_records", "x")
	require.NoError(t, err)
	assert.Equal(t, "x", item["id"])
}
