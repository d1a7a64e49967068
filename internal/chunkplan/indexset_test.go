package chunkplan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexSet_JSONIsSortedArray(t *testing.T) {
	s := NewIndexSet(3, 0, 2)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `[0,2,3]`, string(data))

	var back IndexSet
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)
}

func TestIndexSet_CloneIsIndependent(t *testing.T) {
	s := NewIndexSet(1)
	c := s.Clone()
	c.Add(2)

	assert.False(t, s.Has(2))
	assert.True(t, c.Has(1))
}
