package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"cleanreport/internal/adapters/bitrix"
)

// ErrStageNotFound is returned when no pipeline stage carries the requested
// display name.
var ErrStageNotFound = fmt.Errorf("stage not found")

type stageLister interface {
	ListStages(ctx context.Context) ([]bitrix.Stage, error)
}

// StageResolver maps human-readable stage names to Bitrix stage codes. The
// stage directory is fetched once per process lifetime on first use; a
// CRM-side rename requires a restart to pick up.
type StageResolver struct {
	client stageLister

	mu     sync.RWMutex
	stages map[string]string
}

func NewStageResolver(client stageLister) *StageResolver {
	return &StageResolver{client: client}
}

// Resolve returns the stage code for a display name, or ErrStageNotFound.
func (r *StageResolver) Resolve(ctx context.Context, name string) (string, error) {
	r.mu.RLock()
	stages := r.stages
	r.mu.RUnlock()

	if stages == nil {
		var err error
		if stages, err = r.populate(ctx); err != nil {
			return "", err
		}
	}

	code, ok := stages[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrStageNotFound, name)
	}
	return code, nil
}

func (r *StageResolver) populate(ctx context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have populated the cache while we waited.
	if r.stages != nil {
		return r.stages, nil
	}

	listed, err := r.client.ListStages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stage directory: %w", err)
	}

	stages := make(map[string]string, len(listed))
	for _, stage := range listed {
		stages[stage.Name] = stage.StatusID
	}
	r.stages = stages
	log.Info().Int("stages", len(stages)).Msg("Stage directory cached")
	return stages, nil
}
