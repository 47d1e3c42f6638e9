package petal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDependencyGraphOrdersDependenciesFirst(t *testing.T) {
	metas := map[string]Metadata{
		"petal-a": {Name: "petal-a", Dependencies: []string{"petal-b"}},
		"petal-b": {Name: "petal-b"},
	}
	order, err := ValidateDependencyGraph(metas)
	require.NoError(t, err)
	assert.Equal(t, []string{"petal-b", "petal-a"}, order)
}

func TestValidateDependencyGraphDetectsCycle(t *testing.T) {
	metas := map[string]Metadata{
		"petal-a": {Name: "petal-a", Dependencies: []string{"petal-b"}},
		"petal-b": {Name: "petal-b", Dependencies: []string{"petal-a"}},
	}
	_, err := ValidateDependencyGraph(metas)
	assert.Error(t, err)
}

func TestValidateDependencyGraphRejectsMissingDependency(t *testing.T) {
	metas := map[string]Metadata{
		"petal-a": {Name: "petal-a", Dependencies: []string{"petal-missing"}},
	}
	_, err := ValidateDependencyGraph(metas)
	assert.Error(t, err)
}
