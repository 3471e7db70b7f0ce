package report

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dtoncu/cloudbase-init-ci/internal/scenario"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeRun(t *testing.T, outputDir string, start time.Time) (*RunMetadata, string) {
	t.Helper()
	md, runDir, err := NewRun(outputDir, sampleConfig(), map[string]string{"build": "1"})
	require.NoError(t, err)
	md.StartTime = start
	md.Report = sampleReport(scenario.Pass, time.Second)
	require.NoError(t, Save(md, runDir))
	return md, runDir
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewHandlerNeedsOutputDir(t *testing.T) {
	_, err := NewHandler(" ")
	assert.EqualError(t, err, "output directory is required")
}

func TestHandlerListsRunsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	older, _ := storeRun(t, dir, time.Now().Add(-time.Hour))
	newer, _ := storeRun(t, dir, time.Now())
	require.NoError(t, os.Mkdir(filepath.Join(dir, "not-a-run"), 0755))

	h, err := NewHandler(dir)
	require.NoError(t, err)
	rec := get(t, h, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []runSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, newer.RunID, runs[0].ID)
	assert.Equal(t, older.RunID, runs[1].ID)
	assert.Equal(t, []string{"smoke"}, runs[0].Scenarios)
	require.NotNil(t, runs[0].Tally)
	assert.Equal(t, 4, runs[0].Tally.Run)
}

func TestHandlerRunDetailAndFiles(t *testing.T) {
	dir := t.TempDir()
	md, runDir := storeRun(t, dir, time.Now())
	require.NoError(t, os.WriteFile(filepath.Join(runDir, MetricsFile), []byte("argus_steps 1\n"), 0644))

	h, err := NewHandler(dir)
	require.NoError(t, err)

	rec := get(t, h, "/api/runs/"+md.RunID)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail runDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, md.RunID, detail.Metadata.RunID)
	require.Len(t, detail.Files, 1)
	assert.Equal(t, MetricsFile, detail.Files[0].Name)
	assert.Equal(t, "metrics", detail.Files[0].Kind)

	rec = get(t, h, "/api/runs/"+md.RunID+"/files/"+MetricsFile)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "argus_steps 1\n", rec.Body.String())

	tests := []struct {
		name string
		path string
		code int
	}{
		{name: "unknown run", path: "/api/runs/nope", code: http.StatusNotFound},
		{name: "missing file", path: "/api/runs/" + md.RunID + "/files/durations.png", code: http.StatusNotFound},
		{name: "metadata hidden", path: "/api/runs/" + md.RunID + "/files/" + MetadataFile, code: http.StatusNotFound},
		{name: "backslash", path: "/api/runs/" + md.RunID + "/files/..%5Cmetadata.json", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, get(t, h, tt.path).Code)
		})
	}
}
