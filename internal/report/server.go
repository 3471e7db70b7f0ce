package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dtoncu/cloudbase-init-ci/internal/scenario"
)

type runSummary struct {
	ID        string            `json:"id"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
	Scenarios []string          `json:"scenarios"`
	Tally     *scenario.Tally   `json:"tally,omitempty"`
	Custom    map[string]string `json:"custom,omitempty"`
}

type fileInfo struct {
	Name  string    `json:"name"`
	Ext   string    `json:"ext"`
	Size  int64     `json:"size"`
	Mtime time.Time `json:"mtime"`
	Kind  string    `json:"kind"`
}

type runDetailResponse struct {
	Metadata *RunMetadata `json:"metadata"`
	Files    []fileInfo   `json:"files"`
}

type runServer struct {
	outputDir string
}

// NewHandler serves the runs stored under outputDir as JSON:
//
//	GET /api/runs                      newest first
//	GET /api/runs/{id}                 metadata and artifact list
//	GET /api/runs/{id}/files/{name}    one artifact
func NewHandler(outputDir string) (http.Handler, error) {
	if strings.TrimSpace(outputDir) == "" {
		return nil, errors.New("output directory is required")
	}
	s := &runServer{outputDir: outputDir}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /api/runs/{id}/files/{name}", s.handleRunFile)
	return mux, nil
}

func (s *runServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.listRuns()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, runs)
}

func (s *runServer) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if !validName(runID) {
		writeJSONError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	detail, err := s.runDetail(runID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, detail)
}

func (s *runServer) handleRunFile(w http.ResponseWriter, r *http.Request) {
	runID, name := r.PathValue("id"), r.PathValue("name")
	if !validName(runID) || !validName(name) {
		writeJSONError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	// metadata.json holds the configuration and is only exposed through the run detail
	if name == MetadataFile {
		http.NotFound(w, r)
		return
	}
	path := filepath.Join(s.outputDir, runID, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeJSONError(w, http.StatusNotFound, "file not found")
		return
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".prom" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	} else if ct := mime.TypeByExtension(ext); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeFile(w, r, path)
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && name == filepath.Base(name) && !strings.ContainsAny(name, `/\`)
}

func (s *runServer) listRuns() ([]runSummary, error) {
	entries, err := os.ReadDir(s.outputDir)
	if err != nil {
		return nil, err
	}
	runs := make([]runSummary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		md, err := Load(filepath.Join(s.outputDir, entry.Name()))
		if err != nil {
			continue
		}
		summary := runSummary{
			ID:        entry.Name(),
			StartTime: md.StartTime,
			EndTime:   md.EndTime,
			Custom:    md.Custom,
		}
		if md.Report != nil {
			for _, res := range md.Report.Results {
				summary.Scenarios = append(summary.Scenarios, res.Scenario)
			}
			summary.Tally = &md.Report.Tally
		}
		runs = append(runs, summary)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartTime.After(runs[j].StartTime)
	})
	return runs, nil
}

func (s *runServer) runDetail(runID string) (*runDetailResponse, error) {
	runDir := filepath.Join(s.outputDir, runID)
	md, err := Load(runDir)
	if err != nil {
		return nil, err
	}
	files, err := listRunFiles(runDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list run files: %w", err)
	}
	return &runDetailResponse{Metadata: md, Files: files}, nil
}

func listRunFiles(runDir string) ([]fileInfo, error) {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return nil, err
	}
	files := make([]fileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == MetadataFile {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		files = append(files, fileInfo{
			Name:  entry.Name(),
			Ext:   strings.TrimPrefix(ext, "."),
			Size:  info.Size(),
			Mtime: info.ModTime(),
			Kind:  classifyFile(ext),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})
	return files, nil
}

func classifyFile(ext string) string {
	switch ext {
	case ".prom":
		return "metrics"
	case ".png", ".svg", ".pdf":
		return "chart"
	case ".log":
		return "log"
	default:
		return "other"
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
