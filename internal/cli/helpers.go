package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gkobilansky/abengine/internal/engine"
	"github.com/gkobilansky/abengine/internal/experiment"
	"github.com/gkobilansky/abengine/internal/stats"
	"github.com/gkobilansky/abengine/internal/store"
)

// withStore opens the database, executes the function, and handles cleanup.
func withStore(fn func(*store.SQLiteStore) error) error {
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(s)
}

// withEngine runs fn against an engine over the database. One-shot commands
// only log warnings and above.
func withEngine(ctx context.Context, fn func(*engine.Engine) error) error {
	return withStore(func(s *store.SQLiteStore) error {
		eng, err := engine.New(ctx, s,
			engine.WithLogger(lggr.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))),
			engine.WithStatsConfig(statsConfig()),
			engine.WithQueueSize(cfg.QueueSize),
			engine.WithRefreshInterval(cfg.RefreshInterval),
		)
		if err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		defer eng.Close()

		return fn(eng)
	})
}

func statsConfig() stats.Config {
	return stats.Config{MinExposures: cfg.MinExposures, ConfidenceLevel: cfg.ConfidenceLevel}
}

// getTokenFilePath returns the path to the token file
func getTokenFilePath() string {
	// Store token file alongside the database
	return filepath.Join(filepath.Dir(dbPath), ".abengine-token")
}

// parseVariantSpec parses "id=Name" (or a bare "id") into an active variant.
func parseVariantSpec(spec string) (experiment.Variant, error) {
	id, name, _ := strings.Cut(spec, "=")
	id, name = strings.TrimSpace(id), strings.TrimSpace(name)
	if id == "" {
		return experiment.Variant{}, fmt.Errorf("invalid variant %q: expected id=Name", spec)
	}
	if name == "" {
		name = id
	}
	return experiment.Variant{ID: id, Name: name, IsActive: true}, nil
}

// parseTrafficSpecs parses "id=pct" pairs.
func parseTrafficSpecs(specs []string) (map[string]int, error) {
	out := make(map[string]int, len(specs))
	for _, spec := range specs {
		id, pct, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("invalid traffic %q: expected id=percent", spec)
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(pct), "%"))
		if err != nil {
			return nil, fmt.Errorf("invalid traffic %q: %w", spec, err)
		}
		out[strings.TrimSpace(id)] = n
	}
	return out, nil
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate)
}
