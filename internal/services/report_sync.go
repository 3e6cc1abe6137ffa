package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"cleanreport/internal/adapters/bitrix"
	"cleanreport/internal/adapters/telegram"
	"cleanreport/internal/caption"
	"cleanreport/internal/models"
)

type crmReader interface {
	GetDeal(ctx context.Context, dealID int) (*bitrix.Deal, error)
	ListFolderChildren(ctx context.Context, folderID int) ([]models.RemoteFile, error)
}

type mediaSender interface {
	SendPhotoReport(items []telegram.MediaItem, caption string) bool
	SendVideo(item telegram.MediaItem, caption string) bool
}

type folderLookup interface {
	FolderForDeal(dealID int) (int, error)
}

// FieldCodes names the Bitrix custom fields the pipeline reads and writes.
type FieldCodes struct {
	Files   string
	Folder  string
	Address string
}

// RunOutcome summarizes one pipeline run for logging and the webhook
// acknowledgement.
type RunOutcome struct {
	DealID     int
	FolderID   int
	Uploaded   []int
	Skipped    int
	Dispatched bool
}

// ReportSyncService runs the deal-completion pipeline: enumerate the deal's
// Disk folder, re-upload and attach valid photos, generate a caption and
// dispatch the report to Telegram. Stages fail independently; a failure
// after attachment never rolls the attachment back.
type ReportSyncService struct {
	crm            crmReader
	attacher       *Attacher
	captions       caption.Provider
	sender         mediaSender
	photoFilter    *FileFilter
	videoFilter    *FileFilter
	folderLinks    folderLookup
	fields         FieldCodes
	captionTimeout time.Duration
	now            func() time.Time
}

// NewReportSyncService wires the pipeline. folderLinks may be nil when no
// persistent folder registry is configured.
func NewReportSyncService(
	crm crmReader,
	attacher *Attacher,
	captions caption.Provider,
	sender mediaSender,
	photoFilter, videoFilter *FileFilter,
	folderLinks folderLookup,
	fields FieldCodes,
	captionTimeout time.Duration,
) *ReportSyncService {
	return &ReportSyncService{
		crm:            crm,
		attacher:       attacher,
		captions:       captions,
		sender:         sender,
		photoFilter:    photoFilter,
		videoFilter:    videoFilter,
		folderLinks:    folderLinks,
		fields:         fields,
		captionTimeout: captionTimeout,
		now:            time.Now,
	}
}

// Process runs the pipeline for one deal. folderID may be 0, in which case
// it is resolved from the deal's folder field or the persistent registry.
func (s *ReportSyncService) Process(ctx context.Context, dealID, folderID int) (*RunOutcome, error) {
	log.Info().Int("dealID", dealID).Int("folderID", folderID).Msg("Report pipeline started")

	deal, err := s.crm.GetDeal(ctx, dealID)
	if err != nil {
		return nil, fmt.Errorf("failed to read deal %d: %w", dealID, err)
	}

	if folderID == 0 {
		folderID = deal.FolderID(s.fields.Folder)
	}
	if folderID == 0 && s.folderLinks != nil {
		if folderID, err = s.folderLinks.FolderForDeal(dealID); err != nil {
			log.Warn().Err(err).Int("dealID", dealID).Msg("Folder registry lookup failed")
		}
	}
	if folderID == 0 {
		return nil, fmt.Errorf("deal %d has no report folder", dealID)
	}

	files, err := s.crm.ListFolderChildren(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder %d: %w", folderID, err)
	}

	photos := s.photoFilter.Filter(files)
	videos := s.videoFilter.Filter(files)
	outcome := &RunOutcome{DealID: dealID, FolderID: folderID, Skipped: len(files) - len(photos) - len(videos)}

	results := s.attacher.Attach(ctx, dealID, folderID, photos)
	outcome.Uploaded = UploadedIDs(results)

	address := deal.Address(s.fields.Address)
	captionText := s.generateCaption(ctx, dealID, address)

	// Dispatch goes by the original download URLs, so a run with zero
	// successful uploads still notifies with whatever is reachable.
	items := make([]telegram.MediaItem, 0, len(photos))
	for _, photo := range photos {
		items = append(items, telegram.MediaItem{URL: photo.DownloadURL, Name: photo.Name})
	}
	if len(items) > 0 {
		outcome.Dispatched = s.sender.SendPhotoReport(items, captionText)
	} else {
		log.Warn().Int("dealID", dealID).Int("folderID", folderID).Msg("No photos to dispatch")
	}

	for _, video := range videos {
		if s.sender.SendVideo(telegram.MediaItem{URL: video.DownloadURL, Name: video.Name}, address) {
			outcome.Dispatched = true
		}
	}

	log.Info().
		Int("dealID", dealID).
		Int("folderID", folderID).
		Ints("uploaded", outcome.Uploaded).
		Int("skipped", outcome.Skipped).
		Bool("dispatched", outcome.Dispatched).
		Msg("Report pipeline finished")
	return outcome, nil
}

func (s *ReportSyncService) generateCaption(ctx context.Context, dealID int, address string) string {
	captionCtx, cancel := context.WithTimeout(ctx, s.captionTimeout)
	defer cancel()

	text, err := s.captions.Generate(captionCtx, caption.ReportContext{
		DealID:  dealID,
		Address: address,
		Date:    s.now(),
	})
	if err != nil || text == "" {
		// The provider chain ends in the static template, so this only
		// happens with a misconfigured provider. Degrade to the template
		// directly.
		text, _ = caption.StaticProvider{}.Generate(ctx, caption.ReportContext{DealID: dealID, Address: address, Date: s.now()})
	}
	return text
}
