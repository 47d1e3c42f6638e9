package proxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProxy struct {
	*BaseProxy
}

func newFake(name string) *fakeProxy { return &fakeProxy{BaseProxy: NewBaseProxy(name)} }

func (f *fakeProxy) Start(ctx context.Context) error { f.SetStatus(StatusHealthy, "", nil); return nil }
func (f *fakeProxy) Stop(ctx context.Context) error   { return nil }

func TestRegistryDependents(t *testing.T) {
	r := NewRegistry()
	r.Register(newFake("redis"), nil)
	r.Register(newFake("cloud"), nil)
	r.Register(newFake("db"), []string{"cloud"})

	deps := r.Dependents("cloud")
	assert.Equal(t, []string{"db"}, deps)
	assert.Empty(t, r.Dependents("redis"))
}

func TestRegistrySetEnabledRejectsUnknown(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.SetEnabled("ghost", false))
}

func TestBaseProxyStartsPendingThenHealthy(t *testing.T) {
	fp := newFake("mqtt")
	assert.Equal(t, StatusPending, fp.Health().Status)

	require.NoError(t, fp.Start(context.Background()))
	assert.Equal(t, StatusHealthy, fp.Health().Status)
}
