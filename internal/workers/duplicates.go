package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/memoryd/memoryd/internal/embeddings"
	ometrics "github.com/memoryd/memoryd/internal/metrics"
	"github.com/memoryd/memoryd/internal/models"
	"github.com/memoryd/memoryd/internal/vectordb"
)

// SuggestionsFileName is the per-persona detector output file.
const SuggestionsFileName = "cleanup_suggestions"

// DuplicateOptions tunes the duplicate detector. The detector only
// proposes; deletion stays with the caller.
type DuplicateOptions struct {
	Enabled bool
	// IdlePeriod is the required write quiescence before a scan.
	IdlePeriod time.Duration
	// MinInterval spaces scans per persona.
	MinInterval time.Duration
	// Threshold is the minimum pairwise similarity inside a cluster.
	Threshold float64
	// MinReport is the floor below which a cluster is never surfaced.
	MinReport float64
	// MaxSuggestions caps the clusters per run.
	MaxSuggestions int
}

func (o DuplicateOptions) withDefaults() DuplicateOptions {
	if o.IdlePeriod == 0 {
		o.IdlePeriod = 30 * time.Minute
	}
	if o.MinInterval == 0 {
		o.MinInterval = 5 * time.Minute
	}
	if o.Threshold == 0 {
		o.Threshold = 0.90
	}
	if o.MinReport == 0 {
		o.MinReport = 0.85
	}
	if o.MaxSuggestions == 0 {
		o.MaxSuggestions = 20
	}
	return o
}

// DetectDuplicates scans one persona's vectors for near-duplicate clusters
// and writes the cleanup suggestions file. Exposed for manual triggering.
func (m *Manager) DetectDuplicates(ctx context.Context, persona string) error {
	points, err := m.engine.Index().Scroll(ctx, persona, true)
	if err != nil {
		return fmt.Errorf("scroll persona %s: %w", persona, err)
	}

	report := buildCleanupReport(persona, points, m.options().Duplicates)
	ometrics.DuplicateSuggestions.Add(float64(len(report.Suggestions)))

	// Ensure the persona directory exists before writing next to it.
	if _, err := m.engine.Registry().Get(persona); err != nil {
		return err
	}
	path := filepath.Join(m.engine.Registry().Dir(persona), SuggestionsFileName)
	if err := writeReport(path, report); err != nil {
		return err
	}
	if len(report.Suggestions) > 0 {
		m.logger.Info("Cleanup suggestions written",
			zap.String("persona", persona),
			zap.Int("clusters", len(report.Suggestions)),
		)
	}
	return nil
}

type scoredVector struct {
	key string
	vec []float32
}

// buildCleanupReport greedily grows clusters in which every pairwise
// similarity meets the threshold. Cluster score is the weakest internal
// pair, so the priority never overstates the overlap.
func buildCleanupReport(persona string, points []vectordb.ScoredPoint, opts DuplicateOptions) *models.CleanupReport {
	vectors := make([]scoredVector, 0, len(points))
	for _, p := range points {
		if len(p.Vector) > 0 {
			vectors = append(vectors, scoredVector{key: p.ID, vec: p.Vector})
		}
	}

	assigned := make([]bool, len(vectors))
	var suggestions []models.CleanupSuggestion
	for i := 0; i < len(vectors) && len(suggestions) < opts.MaxSuggestions; i++ {
		if assigned[i] {
			continue
		}
		members := []int{i}
		minSim := 1.0
		for j := i + 1; j < len(vectors); j++ {
			if assigned[j] {
				continue
			}
			worst := 1.0
			for _, mi := range members {
				sim := embeddings.Cosine(vectors[mi].vec, vectors[j].vec)
				if sim < worst {
					worst = sim
				}
			}
			if worst >= opts.Threshold {
				members = append(members, j)
				if worst < minSim {
					minSim = worst
				}
			}
		}
		if len(members) < 2 || minSim < opts.MinReport {
			continue
		}
		keys := make([]string, len(members))
		for n, mi := range members {
			keys[n] = vectors[mi].key
			assigned[mi] = true
		}
		sort.Strings(keys)
		suggestions = append(suggestions, models.CleanupSuggestion{
			Keys:     keys,
			Score:    minSim,
			Priority: priorityFor(minSim),
		})
	}

	sort.Slice(suggestions, func(a, b int) bool {
		return suggestions[a].Score > suggestions[b].Score
	})
	return &models.CleanupReport{
		Persona:     persona,
		GeneratedAt: time.Now().UTC(),
		Suggestions: suggestions,
	}
}

func priorityFor(score float64) string {
	switch {
	case score >= 0.95:
		return "high"
	case score >= 0.90:
		return "medium"
	default:
		return "low"
	}
}

// writeReport persists the report atomically next to the persona data.
func writeReport(path string, report *models.CleanupReport) error {
	buf, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write cleanup suggestions: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace cleanup suggestions: %w", err)
	}
	return nil
}
