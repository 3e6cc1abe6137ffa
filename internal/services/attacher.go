package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"cleanreport/internal/adapters/bitrix"
	"cleanreport/internal/models"
	"cleanreport/internal/retry"
)

const maxUploadNameLen = 50

type diskClient interface {
	GetDeal(ctx context.Context, dealID int) (*bitrix.Deal, error)
	UpdateDealFields(ctx context.Context, dealID int, fields map[string]interface{}) (bool, error)
	Download(ctx context.Context, url string) ([]byte, error)
	InitFolderUpload(ctx context.Context, folderID int, name string) (string, error)
	UploadToURL(ctx context.Context, uploadURL, name string, data []byte) (int, error)
}

// Attacher transfers folder files into the CRM and binds them to the deal's
// attachment field. Each file goes through download plus a two-phase upload;
// a failed file is skipped, not fatal.
type Attacher struct {
	client        diskClient
	fileFieldCode string
	verifyPolicy  retry.Policy
}

// NewAttacher creates an attacher. verifyPolicy bounds how often the
// attachment update is retried when verification fails.
func NewAttacher(client diskClient, fileFieldCode string, verifyPolicy retry.Policy) *Attacher {
	return &Attacher{client: client, fileFieldCode: fileFieldCode, verifyPolicy: verifyPolicy}
}

// Attach runs the transfer for every file and, when at least one upload
// succeeded, replaces the deal's attachment field with the full id list and
// verifies the update. The per-file results are returned; verification
// failure is terminal-but-non-fatal and only logged.
func (a *Attacher) Attach(ctx context.Context, dealID, folderID int, files []models.RemoteFile) []models.UploadResult {
	results := make([]models.UploadResult, 0, len(files))
	for _, file := range files {
		fileID, err := a.transfer(ctx, folderID, file)
		if err != nil {
			log.Error().Err(err).Int("dealID", dealID).Str("name", file.Name).Msg("File transfer failed, skipping")
			results = append(results, models.UploadResult{File: file, Err: err})
			continue
		}
		log.Info().Int("dealID", dealID).Str("name", file.Name).Int("fileID", fileID).Msg("File uploaded")
		results = append(results, models.UploadResult{File: file, FileID: fileID})
	}

	ids := UploadedIDs(results)
	if len(ids) == 0 {
		log.Warn().Int("dealID", dealID).Int("files", len(files)).Msg("No files uploaded, attachment update skipped")
		return results
	}

	if err := a.updateAndVerify(ctx, dealID, ids); err != nil {
		log.Error().Err(err).Int("dealID", dealID).Ints("fileIDs", ids).Msg("Attachment verification failed after retry")
	}
	return results
}

// transfer downloads one file and performs the two-phase upload, returning
// the new Disk file id.
func (a *Attacher) transfer(ctx context.Context, folderID int, file models.RemoteFile) (int, error) {
	data, err := a.client.Download(ctx, file.DownloadURL)
	if err != nil {
		return 0, fmt.Errorf("download failed: %w", err)
	}

	name := sanitizeUploadName(file.Name)
	uploadURL, err := a.client.InitFolderUpload(ctx, folderID, name)
	if err != nil {
		return 0, fmt.Errorf("upload init failed: %w", err)
	}

	fileID, err := a.client.UploadToURL(ctx, uploadURL, name, data)
	if err != nil {
		return 0, fmt.Errorf("upload failed: %w", err)
	}
	return fileID, nil
}

// updateAndVerify replaces the attachment field and confirms the write by
// re-reading the deal. The whole update-then-verify step is retried per the
// policy.
func (a *Attacher) updateAndVerify(ctx context.Context, dealID int, ids []int) error {
	return a.verifyPolicy.Do(ctx, func() error {
		confirmed, err := a.client.UpdateDealFields(ctx, dealID, map[string]interface{}{a.fileFieldCode: ids})
		if err != nil {
			return err
		}
		if !confirmed {
			return fmt.Errorf("bitrix did not confirm the deal update")
		}

		deal, err := a.client.GetDeal(ctx, dealID)
		if err != nil {
			return fmt.Errorf("verification read failed: %w", err)
		}
		attached := make(map[int]bool)
		for _, id := range deal.AttachedFileIDs(a.fileFieldCode) {
			attached[id] = true
		}
		for _, id := range ids {
			if !attached[id] {
				return fmt.Errorf("file %d missing from attachment field after update", id)
			}
		}
		log.Info().Int("dealID", dealID).Ints("fileIDs", ids).Msg("Attachment verified")
		return nil
	})
}

// UploadedIDs extracts the successful file ids from a result list.
func UploadedIDs(results []models.UploadResult) []int {
	ids := make([]int, 0, len(results))
	for _, r := range results {
		if r.Err == nil && r.FileID != 0 {
			ids = append(ids, r.FileID)
		}
	}
	return ids
}

// Bitrix generates unique names server-side, so collisions are not handled
// here; the name is only shortened and de-spaced.
func sanitizeUploadName(name string) string {
	name = strings.ReplaceAll(name, " ", "_")
	if runes := []rune(name); len(runes) > maxUploadNameLen {
		name = string(runes[:maxUploadNameLen])
	}
	return name
}
