package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeJob(t *testing.T) {
	values, err := encodeJob("job-42", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	id, err := decodeJob(values)

	require.NoError(t, err)
	assert.Equal(t, "job-42", id)
}

func TestDecodeJob_FallsBackToData(t *testing.T) {
	id, err := decodeJob(map[string]any{"data": `{"job_id":"job-7","timestamp":"2024-05-01T00:00:00Z"}`})

	require.NoError(t, err)
	assert.Equal(t, "job-7", id)
}

func TestDecodeJob_Malformed(t *testing.T) {
	for name, values := range map[string]map[string]any{
		"empty":      {},
		"bad json":   {"data": "{"},
		"blank id":   {"data": `{"job_id":""}`},
		"wrong type": {"job_id": 12},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeJob(values)
			assert.Error(t, err)
		})
	}
}
