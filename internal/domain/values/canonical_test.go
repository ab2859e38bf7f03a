package values

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_SortsKeys(t *testing.T) {
	a, err := Canonical(map[string]interface{}{"b": 1, "a": "x", "c": []int{3, 1}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":[3,1]}`, string(a))
}

func TestCanonicalHash_StableAcrossFieldOrder(t *testing.T) {
	type first struct {
		Subject string `json:"subject_id"`
		Count   int    `json:"records_affected"`
	}
	type second struct {
		Count   int    `json:"records_affected"`
		Subject string `json:"subject_id"`
	}

	h1, err := CanonicalHash(first{Subject: "s1", Count: 4})
	require.NoError(t, err)
	h2, err := CanonicalHash(second{Count: 4, Subject: "s1"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Contains(t, h1, HashPrefix)

	h3, err := CanonicalHash(first{Subject: "s1", Count: 5})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
