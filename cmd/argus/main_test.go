package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/dtoncu/cloudbase-init-ci/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", want: map[string]string{}},
		{name: "pairs", pairs: []string{"build=1.1.6", "note=a=b"}, want: map[string]string{"build": "1.1.6", "note": "a=b"}},
		{name: "empty value", pairs: []string{"tag="}, want: map[string]string{"tag": ""}},
		{name: "missing separator", pairs: []string{"build"}, wantErr: true},
		{name: "missing key", pairs: []string{"=x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMetadata(tt.pairs)
			if tt.wantErr {
				assert.ErrorContains(t, err, "Expected format: key=value")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoggingConfig(t *testing.T) {
	lc := loggingConfig(&config.Config{Logging: &config.LoggingConfig{Level: "debug", Format: "json", Path: "argus.log"}})
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "json", lc.Format)
	assert.Equal(t, "argus.log", lc.FilePath)
	assert.Equal(t, "argus", lc.Component)

	assert.Empty(t, loggingConfig(&config.Config{}).Level)
}

func TestPauserWaitsForLine(t *testing.T) {
	var out bytes.Buffer
	pause := newPauser(strings.NewReader("\n\n"), &out)

	require.NoError(t, pause(context.Background()))
	require.NoError(t, pause(context.Background()))
	assert.Equal(t, 2, strings.Count(out.String(), "press Enter"))
}

func TestPauserEOF(t *testing.T) {
	pause := newPauser(strings.NewReader(""), &bytes.Buffer{})
	assert.NoError(t, pause(context.Background()))
}

func TestPauserCancelled(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	pause := newPauser(r, &bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pause(ctx), context.Canceled)

	_, err = w.WriteString("\n")
	require.NoError(t, err)
	assert.NoError(t, pause(context.Background()))
}

func TestInitWritesDefaultConfig(t *testing.T) {
	t.Setenv("ARGUS_WIN2016_PASSWORD", "p")
	path := filepath.Join(t.TempDir(), "argus.yaml")
	require.NoError(t, newApp().Run(context.Background(), []string{"argus", "init", "--output", path}))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	err = newApp().Run(context.Background(), []string{"argus", "init", "--output", path})
	assert.ErrorContains(t, err, "already exists")
}

func TestAddMetadataCommand(t *testing.T) {
	md, runDir, err := report.NewRun(t.TempDir(), &config.Config{}, nil)
	require.NoError(t, err)
	require.NoError(t, report.Save(md, runDir))

	require.NoError(t, newApp().Run(context.Background(), []string{"argus", "add-metadata", runDir, "commit=abc"}))

	loaded, err := report.Load(runDir)
	require.NoError(t, err)
	assert.Equal(t, "abc", loaded.Custom["commit"])

	err = newApp().Run(context.Background(), []string{"argus", "add-metadata", runDir})
	assert.Error(t, err)
}
