package tower

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupComputeEnvs(fake *fakeTower) {
	fake.json("GET /compute-envs", http.StatusOK, map[string]any{
		"computeEnvs": []any{
			map[string]any{"id": "ce-ondemand", "name": "ntap-add5-project (on-demand)", "status": "AVAILABLE"},
			map[string]any{"id": "ce-spot", "name": "ntap-add5-project (spot)", "status": "AVAILABLE"},
		},
	})
	fake.json("GET /compute-envs/ce-spot", http.StatusOK, map[string]any{
		"computeEnv": map[string]any{
			"id":     "ce-spot",
			"name":   "ntap-add5-project (spot)",
			"status": "AVAILABLE",
			"config": map[string]any{
				"workDir":      "s3://ntap-add5-project-tower-scratch/work",
				"preRunScript": "module load java",
			},
		},
	})
}

func sarekLaunchInfo() LaunchInfo {
	return LaunchInfo{
		RunName:  "sarek_ds1",
		Pipeline: "nf-core/sarek",
		Revision: "3.1.2",
		Profiles: []string{"sage"},
		Params: map[string]any{
			"input": "s3://bucket/ds1.csv",
			"wes":   false,
		},
		WorkspaceSecrets: []string{"SYNAPSE_AUTH_TOKEN"},
		Labels:           []string{"ntap"},
	}
}

func TestLaunchWorkflow(t *testing.T) {
	fake, client := newFakeTower(t)
	setupComputeEnvs(fake)
	fake.json("GET /workflow", http.StatusOK, map[string]any{"workflows": []any{}})
	fake.json("GET /labels", http.StatusOK, map[string]any{"labels": []any{}})
	fake.json("POST /labels", http.StatusOK, map[string]any{"id": 99, "name": "ntap"})
	fake.json("POST /workflow/launch", http.StatusOK, map[string]any{"workflowId": "wf-1"})

	result, err := client.LaunchWorkflow(context.Background(), sarekLaunchInfo(), LaunchOptions{ComputeEnv: "spot"})
	require.NoError(t, err)
	assert.Equal(t, "wf-1", result.WorkflowID)
	assert.False(t, result.Reused)

	var body struct {
		Launch map[string]any `json:"launch"`
	}
	require.NoError(t, json.Unmarshal(fake.last("POST /workflow/launch").Body, &body))

	launch := body.Launch
	assert.Equal(t, "ce-spot", launch["computeEnvId"])
	assert.Equal(t, "s3://ntap-add5-project-tower-scratch/work", launch["workDir"])
	assert.Equal(t, "module load java", launch["preRunScript"])
	assert.Equal(t, "nf-core/sarek", launch["pipeline"])
	assert.Equal(t, "3.1.2", launch["revision"])
	assert.Equal(t, []any{"sage"}, launch["configProfiles"])
	assert.Equal(t, []any{"SYNAPSE_AUTH_TOKEN"}, launch["workspaceSecrets"])
	assert.Equal(t, []any{float64(99)}, launch["labelIds"])
	assert.NotContains(t, launch, "params")

	var params map[string]any
	require.NoError(t, json.Unmarshal([]byte(launch["paramsText"].(string)), &params))
	assert.Equal(t, map[string]any{"input": "s3://bucket/ds1.csv", "wes": false}, params)
}

func TestLaunchWorkflow_ReusesPreviousRun(t *testing.T) {
	fake, client := newFakeTower(t)
	fake.json("GET /workflow", http.StatusOK, map[string]any{
		"workflows": []any{workflowJSON("wf-old", "sarek_ds1", "RUNNING")},
	})

	result, err := client.LaunchWorkflow(context.Background(), sarekLaunchInfo(), LaunchOptions{ComputeEnv: "spot"})
	require.NoError(t, err)
	assert.Equal(t, "wf-old", result.WorkflowID)
	assert.True(t, result.Reused)
	assert.Equal(t, 0, fake.count("POST /workflow/launch"))
}

func TestLaunchWorkflow_RelaunchesFailedRun(t *testing.T) {
	fake, client := newFakeTower(t)
	setupComputeEnvs(fake)
	fake.json("GET /workflow", http.StatusOK, map[string]any{
		"workflows": []any{workflowJSON("wf-old", "sarek_ds1", "FAILED")},
	})
	fake.json("GET /labels", http.StatusOK, map[string]any{"labels": []any{map[string]any{"id": 5, "name": "ntap"}}})
	fake.json("POST /workflow/launch", http.StatusOK, map[string]any{"workflowId": "wf-new"})

	result, err := client.LaunchWorkflow(context.Background(), sarekLaunchInfo(), LaunchOptions{ComputeEnv: "spot"})
	require.NoError(t, err)
	assert.Equal(t, "wf-new", result.WorkflowID)
	assert.Equal(t, 0, fake.count("POST /labels"))
}

func TestLaunchWorkflow_IgnorePreviousRuns(t *testing.T) {
	fake, client := newFakeTower(t)
	setupComputeEnvs(fake)
	fake.json("GET /labels", http.StatusOK, map[string]any{"labels": []any{map[string]any{"id": 5, "name": "ntap"}}})
	fake.json("POST /workflow/launch", http.StatusOK, map[string]any{"workflowId": "wf-new"})

	result, err := client.LaunchWorkflow(context.Background(), sarekLaunchInfo(), LaunchOptions{ComputeEnv: "spot", IgnorePreviousRuns: true})
	require.NoError(t, err)
	assert.Equal(t, "wf-new", result.WorkflowID)
	assert.Equal(t, 0, fake.count("GET /workflow"))
}

func TestLaunchWorkflow_IsNotRetried(t *testing.T) {
	fake, client := newFakeTower(t)
	setupComputeEnvs(fake)
	fake.json("GET /labels", http.StatusOK, map[string]any{"labels": []any{map[string]any{"id": 5, "name": "ntap"}}})
	fake.json("POST /workflow/launch", http.StatusBadGateway, map[string]any{"message": "bad gateway"})

	_, err := client.LaunchWorkflow(context.Background(), sarekLaunchInfo(), LaunchOptions{ComputeEnv: "spot", IgnorePreviousRuns: true})
	require.Error(t, err)
	assert.Equal(t, 1, fake.count("POST /workflow/launch"))
}

func TestLaunchWorkflow_Errors(t *testing.T) {
	fake, client := newFakeTower(t)
	setupComputeEnvs(fake)
	ctx := context.Background()

	_, err := client.LaunchWorkflow(ctx, LaunchInfo{RunName: "x"}, LaunchOptions{})
	assert.EqualError(t, err, "launch: pipeline is required")

	_, err = client.LaunchWorkflow(ctx, LaunchInfo{Pipeline: "p"}, LaunchOptions{IgnorePreviousRuns: true})
	assert.EqualError(t, err, "launch: no compute environment given")

	_, err = client.LaunchWorkflow(ctx, LaunchInfo{Pipeline: "p"}, LaunchOptions{ComputeEnv: "gpu", IgnorePreviousRuns: true})
	assert.ErrorIs(t, err, ErrNoComputeEnv)

	_, err = client.LaunchWorkflow(ctx, LaunchInfo{Pipeline: "p"}, LaunchOptions{ComputeEnv: "ntap", IgnorePreviousRuns: true})
	assert.ErrorIs(t, err, ErrAmbiguousComputeEnv)
}

func TestSelectComputeEnv(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	envs := []ComputeEnv{
		{ID: "1", Name: "spot"},
		{ID: "2", Name: "spot-large", LastUsed: &newer},
		{ID: "3", Name: "on-demand", Primary: true},
		{ID: "4", Name: "gpu-a", LastUsed: &older},
		{ID: "5", Name: "gpu-b", LastUsed: &newer},
		{ID: "6", Name: "batch-a"},
		{ID: "7", Name: "batch-b"},
		{ID: "8", Name: "arm-x", Primary: true},
		{ID: "9", Name: "arm-y", LastUsed: &newer},
		{ID: "10", Name: "pool-old", DateCreated: &older, LastUsed: &newer},
		{ID: "11", Name: "pool-new", DateCreated: &newer},
		{ID: "12", Name: "queue-a", DateCreated: &older},
		{ID: "13", Name: "queue-b", DateCreated: &older},
	}

	tests := []struct {
		filter   string
		expected string
		err      error
	}{
		{"3", "3", nil},
		{"SPOT", "1", nil},
		{"demand", "3", nil},
		{"gpu", "5", nil},
		{"arm", "8", nil},
		{"batch", "", ErrAmbiguousComputeEnv},
		{"pool", "11", nil},
		{"queue", "", ErrAmbiguousComputeEnv},
		{"fpga", "", ErrNoComputeEnv},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			env, err := selectComputeEnv(envs, tt.filter)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, env.ID)
		})
	}
}

func TestComputeEnvLookupsAreCached(t *testing.T) {
	fake, client := newFakeTower(t)
	setupComputeEnvs(fake)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env, err := client.FindComputeEnv(ctx, "spot")
		require.NoError(t, err)
		assert.Equal(t, "ce-spot", env.ID)
	}
	assert.Equal(t, 1, fake.count("GET /compute-envs"))
	assert.Equal(t, 1, fake.count("GET /compute-envs/ce-spot"))
}
