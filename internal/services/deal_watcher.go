package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"cleanreport/internal/adapters/bitrix"
)

type dealLister interface {
	ListDeals(ctx context.Context) ([]bitrix.DealSummary, error)
}

type stageSnapshots interface {
	LastStage(dealID int) (string, error)
	Record(dealID int, stageID string) error
}

type admission interface {
	Begin(dealID int) bool
}

type pipelineRunner interface {
	Process(ctx context.Context, dealID, folderID int) (*RunOutcome, error)
}

// DealWatcher polls the CRM deal list and triggers the report pipeline for
// deals that moved into the target stage outside of webhook delivery (manual
// stage drags are known to drop events occasionally). Transitions are
// detected against persisted per-deal stage snapshots.
type DealWatcher struct {
	crm             dealLister
	resolver        *StageResolver
	snapshots       stageSnapshots
	guard           admission
	pipeline        pipelineRunner
	targetStageName string
}

func NewDealWatcher(
	crm dealLister,
	resolver *StageResolver,
	snapshots stageSnapshots,
	guard admission,
	pipeline pipelineRunner,
	targetStageName string,
) *DealWatcher {
	return &DealWatcher{
		crm:             crm,
		resolver:        resolver,
		snapshots:       snapshots,
		guard:           guard,
		pipeline:        pipeline,
		targetStageName: targetStageName,
	}
}

// RunOnce performs a single polling pass.
func (w *DealWatcher) RunOnce(ctx context.Context) error {
	targetStage, err := w.resolver.Resolve(ctx, w.targetStageName)
	if err != nil {
		return fmt.Errorf("failed to resolve target stage: %w", err)
	}

	deals, err := w.crm.ListDeals(ctx)
	if err != nil {
		return fmt.Errorf("failed to list deals: %w", err)
	}

	for _, deal := range deals {
		dealID := int(deal.ID)

		previous, err := w.snapshots.LastStage(dealID)
		if err != nil {
			log.Error().Err(err).Int("dealID", dealID).Msg("Stage snapshot read failed")
			continue
		}

		if deal.StageID == targetStage && previous != targetStage {
			if w.guard.Begin(dealID) {
				log.Info().Int("dealID", dealID).Str("stage", deal.StageID).Msg("Stage transition detected by watcher")
				if _, err := w.pipeline.Process(ctx, dealID, 0); err != nil {
					log.Error().Err(err).Int("dealID", dealID).Msg("Watcher-triggered pipeline run failed")
				}
			} else {
				log.Debug().Int("dealID", dealID).Msg("Transition already handled, watcher skipping")
			}
		}

		if previous != deal.StageID {
			if err := w.snapshots.Record(dealID, deal.StageID); err != nil {
				log.Error().Err(err).Int("dealID", dealID).Msg("Stage snapshot write failed")
			}
		}
	}
	return nil
}
