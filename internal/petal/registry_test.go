package petal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveRejectsNameWithoutPrefix(t *testing.T) {
	_, err := Resolve("bad-name", "petals")
	assert.Error(t, err)
}

func TestValidPetalName(t *testing.T) {
	assert.True(t, ValidPetalName("petal-camera"))
	assert.False(t, ValidPetalName("petal-"))
	assert.False(t, ValidPetalName("camera"))
}

func TestRegisterDirectThenResolve(t *testing.T) {
	directMu.Lock()
	directByName = map[string]Constructor{}
	directMu.Unlock()

	RegisterDirect("petal-gps", func() Petal { return nil })
	ctor, err := Resolve("petal-gps", "petals")
	assert.NoError(t, err)
	assert.NotNil(t, ctor)
}
