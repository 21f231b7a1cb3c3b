package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"curve-dispatch/internal/domain"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lightingFile(value float64) string {
	var b strings.Builder
	b.WriteString("DATA")
	for i := 1; i <= 96; i++ {
		fmt.Fprintf(&b, ";QH%d", i)
	}
	b.WriteString("\n2023-05-01")
	for i := 0; i < 96; i++ {
		fmt.Fprintf(&b, ";%g", value)
	}
	b.WriteString("\n")
	return b.String()
}

func TestRunLocal_PrintsCompletedReport(t *testing.T) {
	// Setup
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/registry.csv",
		[]byte("POD;TRATTAMENTO\nIT001E00000001;O\nIT001E00000002;M\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/lighting.csv", []byte(lightingFile(4)), 0o644))
	var out bytes.Buffer

	// Execute
	err := runLocal(context.Background(), fs, localRun{
		Month:    "2024-05",
		Zone:     " NORD ",
		Registry: []string{"/data/registry.csv"},
		Lighting: []string{"/data/lighting.csv"},
	}, &out)

	// Assert
	require.NoError(t, err)
	var rep report
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.Equal(t, domain.JobStatusCompleted, rep.Job.Status)
	assert.Equal(t, "NORD", rep.Job.ZoneCode)
	assert.Equal(t, "2023-05", rep.Job.HistoricalMonth)
	assert.Len(t, rep.Stages, len(domain.Stages))
	require.NotNil(t, rep.Result)
	assert.Equal(t, 1, rep.Result.TotalAccountsHourly)
	assert.InDelta(t, 4.0, rep.Result.LightingCurve[10], 1e-9)
}

func TestRunLocal_RejectsBadInput(t *testing.T) {
	fs := afero.NewMemMapFs()

	err := runLocal(context.Background(), fs, localRun{Month: "2024-5", Zone: "NORD"}, &bytes.Buffer{})
	assert.Error(t, err)

	err = runLocal(context.Background(), fs, localRun{Month: "2024-05", Zone: "  "}, &bytes.Buffer{})
	assert.Error(t, err)

	err = runLocal(context.Background(), fs, localRun{
		Month:    "2024-05",
		Zone:     "NORD",
		Readings: []string{"/data/missing.zip"},
	}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "READINGS file")
}

func TestLocalRunLimits(t *testing.T) {
	limits := localRun{MaxTabular: 10, MaxMemberBytes: 2048}.limits()

	assert.Equal(t, 10, limits.MaxTabular)
	assert.Equal(t, 100, limits.NestedEntryLimit)
	assert.Equal(t, 1, limits.MaxDepth)
	assert.Equal(t, int64(2048), limits.MaxMemberBytes)
}
