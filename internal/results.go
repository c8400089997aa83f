package internal

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
)

// ResultRow is one line of results_<experiment>.csv: the evaluation metrics
// reported by the trainer plus the hyperparameters and feedback counts of
// the run that produced them.
type ResultRow struct {
	Timestamp         string  `csv:"timestamp"`
	Experiment        string  `csv:"experiment"`
	ResultSource      string  `csv:"result_source"`
	EvaluationEpoch   int     `csv:"evaluation_epoch"`
	Dataset           string  `csv:"dataset"`
	RunningMethod     string  `csv:"running_method"`
	Ablation          string  `csv:"component_ablation"`
	PromptAblation    string  `csv:"prompt_ablation"`
	LLM               string  `csv:"llm"`
	Seed              uint64  `csv:"seed"`
	TopK              int     `csv:"topk"`
	Options           int     `csv:"options"`
	QuerySamples      float64 `csv:"query_samples"`
	SamplingStrategy  string  `csv:"sampling_strategy"`
	AllocationDegree  float64 `csv:"allocation_degree"`
	ClusterRatio      float64 `csv:"options_cluster_instance_ratio"`
	FeedbackCache     bool    `csv:"feedback_cache"`
	Rounds            int     `csv:"rounds"`
	NumCachedFeedback int     `csv:"num_cached_feedback"`
	CacheHits         int64   `csv:"cache_hits"`
	OracleCalls       int64   `csv:"oracle_calls"`
	Device            string  `csv:"device"`
	ACC               float64 `csv:"ACC"`
	ARI               float64 `csv:"ARI"`
	NMI               float64 `csv:"NMI"`
}

// AppendResultFile appends row to the CSV at path, writing the header only
// when the file is new.
func AppendResultFile(path string, row ResultRow) error {
	rows := []*ResultRow{&row}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create results: %w", err)
		}
		defer f.Close()
		if err := gocsv.MarshalFile(&rows, f); err != nil {
			return fmt.Errorf("write results: %w", err)
		}
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open results: %w", err)
	}
	defer f.Close()

	if err := gocsv.MarshalWithoutHeaders(&rows, f); err != nil {
		return fmt.Errorf("append results: %w", err)
	}
	return nil
}

func ReadResultFile(path string) ([]ResultRow, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open results: %w", err)
	}
	defer f.Close()

	var rows []*ResultRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}

	out := make([]ResultRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	return out, nil
}
