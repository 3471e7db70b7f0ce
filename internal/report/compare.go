package report

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dtoncu/cloudbase-init-ci/internal/scenario"
)

// ComparisonResult is one difference between two runs.
type ComparisonResult interface {
	GetKey() string
	GetValue1() string
	GetValue2() string
	Format() string
}

type StringComparisonResult struct {
	Key    string
	Value1 *string
	Value2 *string
}

func (r *StringComparisonResult) GetKey() string {
	return r.Key
}

func (r *StringComparisonResult) GetValue1() string {
	if r.Value1 == nil {
		return ""
	}
	return *r.Value1
}

func (r *StringComparisonResult) GetValue2() string {
	if r.Value2 == nil {
		return ""
	}
	return *r.Value2
}

func (r *StringComparisonResult) Format() string {
	v1, v2 := r.GetValue1(), r.GetValue2()
	if r.Value1 == nil {
		return fmt.Sprintf("%s: (missing) -> %s", r.Key, v2)
	}
	if r.Value2 == nil {
		return fmt.Sprintf("%s: %s -> (missing)", r.Key, v1)
	}
	return fmt.Sprintf("%s: %s -> %s", r.Key, v1, v2)
}

// DurationComparisonResult compares step durations in seconds.
type DurationComparisonResult struct {
	Key    string
	Value1 *float64
	Value2 *float64
}

func (r *DurationComparisonResult) GetKey() string {
	return r.Key
}

func (r *DurationComparisonResult) GetValue1() string {
	if r.Value1 == nil {
		return ""
	}
	return fmt.Sprintf("%.3fs", *r.Value1)
}

func (r *DurationComparisonResult) GetValue2() string {
	if r.Value2 == nil {
		return ""
	}
	return fmt.Sprintf("%.3fs", *r.Value2)
}

func (r *DurationComparisonResult) Format() string {
	v1, v2 := r.GetValue1(), r.GetValue2()
	if r.Value1 == nil {
		return fmt.Sprintf("%s: (missing) -> %s", r.Key, v2)
	}
	if r.Value2 == nil {
		return fmt.Sprintf("%s: %s -> (missing)", r.Key, v1)
	}
	if *r.Value1 != 0 {
		change := ((*r.Value2 - *r.Value1) / *r.Value1) * 100
		return fmt.Sprintf("%s: %s -> %s (%.1f%% change)", r.Key, v1, v2, change)
	}
	return fmt.Sprintf("%s: %s -> %s", r.Key, v1, v2)
}

type stepSample struct {
	outcome  string
	duration float64
}

func stepIndex(md *RunMetadata) map[string]stepSample {
	idx := map[string]stepSample{}
	if md.Report == nil {
		return idx
	}
	for _, res := range md.Report.Results {
		for _, s := range res.Steps {
			idx[res.Scenario+"/"+s.Name] = stepSample{outcome: string(s.Outcome), duration: s.Duration.Seconds()}
		}
	}
	return idx
}

// CompareRuns lists, per scenario step, outcome changes and duration changes of
// steps that ran in both runs. Custom metadata is compared as text.
func CompareRuns(md1, md2 *RunMetadata) []ComparisonResult {
	var results []ComparisonResult

	steps1, steps2 := stepIndex(md1), stepIndex(md2)
	for _, key := range getAllKeys(steps1, steps2) {
		s1, ok1 := steps1[key]
		s2, ok2 := steps2[key]
		if !ok1 || !ok2 || s1.outcome != s2.outcome {
			results = append(results, &StringComparisonResult{
				Key:    key + " outcome",
				Value1: getStringPtr(s1.outcome, ok1),
				Value2: getStringPtr(s2.outcome, ok2),
			})
			continue
		}
		if s1.outcome == string(scenario.Skip) {
			continue
		}
		results = append(results, &DurationComparisonResult{
			Key:    key + " duration",
			Value1: &s1.duration,
			Value2: &s2.duration,
		})
	}

	for _, key := range getAllKeys(md1.Custom, md2.Custom) {
		v1, ok1 := md1.Custom[key]
		v2, ok2 := md2.Custom[key]
		if ok1 && ok2 && v1 == v2 {
			continue
		}
		results = append(results, &StringComparisonResult{
			Key:    key,
			Value1: getStringPtr(v1, ok1),
			Value2: getStringPtr(v2, ok2),
		})
	}
	return results
}

func PrintComparisonResults(results []ComparisonResult) string {
	out := strings.Builder{}
	for _, result := range results {
		out.WriteString(result.Format() + "\n")
	}
	return out.String()
}

// getStringPtr returns a pointer to the string if it exists, nil otherwise
func getStringPtr(s string, exists bool) *string {
	if exists {
		return &s
	}
	return nil
}

// getAllKeys returns the sorted union of the keys of both maps
func getAllKeys[V any](m1, m2 map[string]V) []string {
	keys := slices.Collect(maps.Keys(m1))
	for k := range m2 {
		if _, ok := m1[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
