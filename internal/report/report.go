// Package report persists run results: metadata.json, a Prometheus textfile
// and a step duration chart per run directory.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/dtoncu/cloudbase-init-ci/internal/plot"
	"github.com/dtoncu/cloudbase-init-ci/internal/scenario"
	"github.com/goforj/godump"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetadataFile  = "metadata.json"
	MetricsFile   = "metrics.prom"
	DurationsFile = "durations.png"

	redacted = "********"
)

// RunMetadata holds metadata about a run.
type RunMetadata struct {
	RunID     string            `json:"run_id"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
	Config    *config.Config    `json:"config"`
	Report    *scenario.Report  `json:"report,omitempty"`
	Custom    map[string]string `json:"custom,omitempty"`
}

// NewRunID returns a sortable unique run id.
func NewRunID() string {
	return ulid.Make().String()
}

// NewRun creates the run directory under outputDir and returns its metadata.
// Credentials are redacted from the stored configuration.
func NewRun(outputDir string, cfg *config.Config, custom map[string]string) (*RunMetadata, string, error) {
	md := &RunMetadata{
		RunID:     NewRunID(),
		StartTime: time.Now(),
		Config:    Redact(cfg),
		Custom:    custom,
	}
	runDir := filepath.Join(outputDir, md.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create run directory: %w", err)
	}
	return md, runDir, nil
}

// Redact returns a copy of cfg without passwords.
func Redact(cfg *config.Config) *config.Config {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.Instances = maps.Clone(cfg.Instances)
	for alias, inst := range out.Instances {
		if inst.Password != "" {
			inst.Password = redacted
		}
		if inst.KeyPassword != "" {
			inst.KeyPassword = redacted
		}
		out.Instances[alias] = inst
	}
	return &out
}

// Save writes metadata.json into runDir.
func Save(md *RunMetadata, runDir string) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, MetadataFile), data, 0644); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

// Load reads metadata.json from runDir.
func Load(runDir string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(runDir, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("error reading run metadata file: %w", err)
	}
	var md RunMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("error unmarshalling run metadata: %w", err)
	}
	return &md, nil
}

// AddMetadata merges extra into the custom metadata of the run in runDir.
func AddMetadata(runDir string, extra map[string]string) error {
	md, err := Load(runDir)
	if err != nil {
		return err
	}
	if md.Custom == nil {
		md.Custom = map[string]string{}
	}
	maps.Copy(md.Custom, extra)
	return Save(md, runDir)
}

// PlotDurations charts the duration of every executed step.
func PlotDurations(rep *scenario.Report, exportPath string) error {
	var bars []plot.Bar
	for _, res := range rep.Results {
		for _, s := range res.Steps {
			if s.Outcome == scenario.Skip {
				continue
			}
			bars = append(bars, plot.Bar{
				Label:  res.Scenario + "/" + s.Name,
				Value:  s.Duration.Seconds(),
				Failed: s.Outcome != scenario.Pass,
			})
		}
	}
	if len(bars) == 0 {
		return nil
	}
	return plot.BarChart("Step durations", "seconds", bars, exportPath)
}

// Finish stores rep with the run and writes the metrics textfile and the
// duration chart next to metadata.json.
func Finish(md *RunMetadata, runDir string, rep *scenario.Report, reg *prometheus.Registry) error {
	md.EndTime = time.Now()
	md.Report = rep

	var errs []error
	if err := Save(md, runDir); err != nil {
		errs = append(errs, err)
	}
	if rep != nil {
		NewRunMetrics(reg).Record(rep)
		if err := WriteMetrics(filepath.Join(runDir, MetricsFile), reg); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics: %w", err))
		}
		if err := PlotDurations(rep, filepath.Join(runDir, DurationsFile)); err != nil {
			errs = append(errs, fmt.Errorf("failed to plot durations: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Inspect renders the run stored in runDir.
func Inspect(runDir string, verbose bool) (string, error) {
	md, err := Load(runDir)
	if err != nil {
		return "", err
	}

	out := strings.Builder{}
	out.WriteString("Run ID: " + md.RunID + "\n")
	out.WriteString("Start time: " + md.StartTime.Format(time.RFC3339) + "\n")
	out.WriteString("End time: " + md.EndTime.Format(time.RFC3339) + "\n")
	if len(md.Custom) > 0 {
		out.WriteString("Custom metadata:\n")
		for _, k := range sortedKeys(md.Custom) {
			fmt.Fprintf(&out, "  %s: %s\n", k, md.Custom[k])
		}
	}
	if md.Report != nil {
		for _, res := range md.Report.Results {
			fmt.Fprintf(&out, "Scenario %s on %s (%s), %.3fs\n", res.Scenario, res.Instance, res.OSType, res.Duration.Seconds())
			for _, s := range res.Steps {
				fmt.Fprintf(&out, "  %-28s %-5s %8.3fs\n", s.Name, s.Outcome, s.Duration.Seconds())
			}
		}
		out.WriteString("\n")
		scenario.WriteSummary(&out, md.Report)
	}
	if verbose {
		out.WriteString("Run config: " + godump.DumpStr(md.Config) + "\n")
	}
	return out.String(), nil
}
