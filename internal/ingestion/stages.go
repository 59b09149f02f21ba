package ingestion

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
)

const (
	// DefaultStagesPath is the default location of the stage priority table.
	DefaultStagesPath = "stages.yaml"

	// StagesPathEnvVar overrides DefaultStagesPath.
	StagesPathEnvVar = "STAGETRACKER_STAGES_PATH"

	// UnknownStagePriority is assigned to stage names missing from the table.
	UnknownStagePriority = 0
)

type (
	// StageDefinition is one row of the stage priority table.
	StageDefinition struct {
		Name     string `yaml:"name"`
		Priority int    `yaml:"priority"`
	}

	// StageConfig is the YAML document holding the stage priority table.
	StageConfig struct {
		Stages []StageDefinition `yaml:"stages"`
	}

	// StageRanker maps stage names to their pipeline priority. Higher is further along.
	// Lookups are case-insensitive and ignore surrounding whitespace.
	StageRanker struct {
		priorities map[string]int
	}
)

// DefaultStages is the acquisition pipeline ordering used when no table is configured.
func DefaultStages() []StageDefinition {
	return []StageDefinition{
		{Name: "Contact Upload", Priority: 1},
		{Name: "ACQ - New Lead", Priority: 2},
		{Name: "ACQ - Attempted Contact", Priority: 3},
		{Name: "ACQ - Contacted", Priority: 4},
		{Name: "ACQ - Qualified", Priority: 5},
		{Name: "Qualified Phase 2 - Day 3 to 2 Weeks", Priority: 6},
		{Name: "Qualified Phase 3 - 2 Weeks to 4 Weeks", Priority: 7},
		{Name: "ACQ - Needs Offer", Priority: 8},
		{Name: "ACQ - Offers Made", Priority: 9},
		{Name: "ACQ - Price Motivated", Priority: 10},
		{Name: "ACQ - Under Contract", Priority: 11},
		{Name: "ACQ - Closed Won", Priority: 12},
	}
}

// NewStageRanker builds a ranker from explicit definitions. Later duplicates win.
func NewStageRanker(stages []StageDefinition) *StageRanker {
	priorities := make(map[string]int, len(stages))

	for _, s := range stages {
		name := normalizeStage(s.Name)
		if name == "" {
			continue
		}

		priorities[name] = s.Priority
	}

	return &StageRanker{priorities: priorities}
}

// Priority returns the configured priority for stage, or UnknownStagePriority.
func (r *StageRanker) Priority(stage string) int {
	if r == nil {
		return UnknownStagePriority
	}

	if p, ok := r.priorities[normalizeStage(stage)]; ok {
		return p
	}

	return UnknownStagePriority
}

// Known reports whether stage appears in the table.
func (r *StageRanker) Known(stage string) bool {
	if r == nil {
		return false
	}

	_, ok := r.priorities[normalizeStage(stage)]

	return ok
}

// Len returns the number of configured stages.
func (r *StageRanker) Len() int {
	if r == nil {
		return 0
	}

	return len(r.priorities)
}

// LoadStageRanker reads the stage table at path.
//
// Behavior:
//   - Missing file: default table, no error
//   - Unreadable or invalid YAML: default table, warning logged
//   - Empty stage list: default table
func LoadStageRanker(path string) (*StageRanker, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Stage table not found, using default stage priorities",
				slog.String("path", path))

			return NewStageRanker(DefaultStages()), nil
		}

		slog.Warn("Failed to read stage table, using default stage priorities",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return NewStageRanker(DefaultStages()), nil
	}

	var cfg StageConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		slog.Warn("Failed to parse stage table, using default stage priorities",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return NewStageRanker(DefaultStages()), nil
	}

	if len(cfg.Stages) == 0 {
		return NewStageRanker(DefaultStages()), nil
	}

	return NewStageRanker(cfg.Stages), nil
}

// LoadStageRankerFromEnv loads the table from STAGETRACKER_STAGES_PATH, falling back to
// "stages.yaml" in the working directory.
func LoadStageRankerFromEnv() (*StageRanker, error) {
	return LoadStageRanker(config.GetEnvStr(StagesPathEnvVar, DefaultStagesPath))
}

func normalizeStage(stage string) string {
	return strings.ToLower(strings.TrimSpace(stage))
}
