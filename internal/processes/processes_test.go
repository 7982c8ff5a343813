package processes

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/saleshub/api-go/internal/model"
)

type step struct {
	progress float64
	label    string
}

func collect(steps *[]step) func(float64, string) {
	return func(p float64, s string) { *steps = append(*steps, step{p, s}) }
}

func TestRegistry(t *testing.T) {
	reg, err := Registry([]string{model.ProcessROMGenerator})
	require.NoError(t, err)
	assert.Len(t, reg, 1)

	_, err = Registry([]string{"Site Survey"})
	assert.Error(t, err)
}

func TestROMValidate(t *testing.T) {
	p := ROMGenerator{}
	assert.NoError(t, p.Validate(json.RawMessage(`{"address":"1 Main St","carriers":["AT&T"]}`)))
	assert.Error(t, p.Validate(json.RawMessage(`{"carriers":["AT&T"]}`)))
	assert.Error(t, p.Validate(json.RawMessage(`{"address":"1 Main St","carriers":[" "]}`)))
	assert.Error(t, p.Validate(json.RawMessage(`not json`)))
}

func TestROMProcessReportsMonotonicSteps(t *testing.T) {
	var steps []step
	job := model.Job{ID: "j1", Payload: json.RawMessage(`{"address":"1 Main St, Springfield","carriers":["Verizon","T-Mobile","verizon"]}`)}

	out, err := ROMGenerator{}.Process(context.Background(), job, collect(&steps))
	require.NoError(t, err)

	result, ok := out.(ROMResult)
	require.True(t, ok)
	assert.Equal(t, []string{"Verizon", "T-Mobile"}, result.Carriers)
	assert.Contains(t, result.FileName, "ROM_1_Main_St_Springfield_")

	require.NotEmpty(t, steps)
	for i := 1; i < len(steps); i++ {
		assert.GreaterOrEqual(t, steps[i].progress, steps[i-1].progress)
	}
	assert.Equal(t, "Pricing Verizon", steps[2].label)
}

func TestROMProcessStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := model.Job{Payload: json.RawMessage(`{"address":"x","carriers":["a"]}`)}
	_, err := ROMGenerator{}.Process(ctx, job, func(float64, string) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCoverageDefaultsRadius(t *testing.T) {
	var steps []step
	job := model.Job{Payload: json.RawMessage(`{"address":"5 Tower Rd"}`)}
	out, err := CoveragePlot{}.Process(context.Background(), job, collect(&steps))
	require.NoError(t, err)
	result := out.(CoverageResult)
	assert.Equal(t, defaultRadiusKm, result.RadiusKm)
	assert.Len(t, steps, 4)

	assert.Error(t, CoveragePlot{}.Validate(json.RawMessage(`{"address":"x","radiusKm":-1}`)))
}
