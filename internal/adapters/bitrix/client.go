// Package bitrix is a typed client for the Bitrix24 REST API, covering the
// deal, status and Disk operations the report pipeline needs.
package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"cleanreport/internal/models"
)

// Client calls the Bitrix24 REST API through an inbound-webhook base URL.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a Bitrix client for the given webhook base URL.
func NewClient(baseURL string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("bitrix baseURL cannot be empty")
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second)

	return &Client{httpClient: httpClient, baseURL: baseURL}, nil
}

// GetDeal reads a deal's full field map via crm.deal.get.
func (c *Client) GetDeal(ctx context.Context, dealID int) (*Deal, error) {
	var result dealGetResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"id": dealID}).
		SetResult(&result).
		Post("/crm.deal.get")
	if err != nil {
		return nil, fmt.Errorf("crm.deal.get request failed for deal %d: %w", dealID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("crm.deal.get error for deal %d: status %s, body: %s", dealID, resp.Status(), resp.String())
	}
	if result.Result == nil {
		return nil, fmt.Errorf("crm.deal.get returned no result for deal %d", dealID)
	}
	return &Deal{Fields: result.Result}, nil
}

// UpdateDealFields partially updates a deal via crm.deal.update and reports
// whether Bitrix confirmed the update.
func (c *Client) UpdateDealFields(ctx context.Context, dealID int, fields map[string]interface{}) (bool, error) {
	var result dealUpdateResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"id": dealID, "fields": fields}).
		SetResult(&result).
		Post("/crm.deal.update")
	if err != nil {
		return false, fmt.Errorf("crm.deal.update request failed for deal %d: %w", dealID, err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("crm.deal.update error for deal %d: status %s, body: %s", dealID, resp.Status(), resp.String())
	}
	return result.Result, nil
}

// ListStages fetches the full pipeline stage directory via crm.status.list.
func (c *Client) ListStages(ctx context.Context) ([]Stage, error) {
	var result stageListResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/crm.status.list")
	if err != nil {
		return nil, fmt.Errorf("crm.status.list request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("crm.status.list error: status %s, body: %s", resp.Status(), resp.String())
	}
	return result.Result, nil
}

// ListDeals returns id and stage of recent deals via crm.deal.list, newest
// first.
func (c *Client) ListDeals(ctx context.Context) ([]DealSummary, error) {
	var result dealListResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"select": []string{"ID", "STAGE_ID"},
			"order":  map[string]string{"ID": "desc"},
			"start":  0,
		}).
		SetResult(&result).
		Post("/crm.deal.list")
	if err != nil {
		return nil, fmt.Errorf("crm.deal.list request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("crm.deal.list error: status %s, body: %s", resp.Status(), resp.String())
	}
	return result.Result, nil
}

// ListFolderChildren enumerates the files of a Disk folder via
// disk.folder.getchildren. Subfolders are skipped.
func (c *Client) ListFolderChildren(ctx context.Context, folderID int) ([]models.RemoteFile, error) {
	var result folderChildrenResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"id": folderID}).
		SetResult(&result).
		Post("/disk.folder.getchildren")
	if err != nil {
		return nil, fmt.Errorf("disk.folder.getchildren request failed for folder %d: %w", folderID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("disk.folder.getchildren error for folder %d: status %s, body: %s", folderID, resp.Status(), resp.String())
	}

	files := make([]models.RemoteFile, 0, len(result.Result))
	for _, entry := range result.Result {
		if entry.Type != "file" {
			continue
		}
		files = append(files, models.RemoteFile{
			ID:          int(entry.ID),
			Name:        entry.Name,
			Size:        int64(entry.Size),
			DownloadURL: entry.DownloadURL,
		})
	}
	log.Debug().Int("folderID", folderID).Int("files", len(files)).Msg("Enumerated Disk folder")
	return files, nil
}

// InitFolderUpload reserves a single-use upload URL in the target folder via
// disk.folder.uploadfile. generateUniqueName lets Bitrix resolve name
// collisions server-side.
func (c *Client) InitFolderUpload(ctx context.Context, folderID int, name string) (string, error) {
	var result uploadInitResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetMultipartFormData(map[string]string{
			"id":                 strconv.Itoa(folderID),
			"data[NAME]":         name,
			"generateUniqueName": "Y",
		}).
		SetResult(&result).
		Post("/disk.folder.uploadfile")
	if err != nil {
		return "", fmt.Errorf("disk.folder.uploadfile request failed for %s: %w", name, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("disk.folder.uploadfile error for %s: status %s, body: %s", name, resp.Status(), resp.String())
	}
	if result.Result.UploadURL == "" {
		return "", fmt.Errorf("disk.folder.uploadfile returned no uploadUrl for %s", name)
	}
	return result.Result.UploadURL, nil
}

// UploadToURL posts raw file bytes to a single-use upload URL obtained from
// InitFolderUpload and returns the new Disk file id.
func (c *Client) UploadToURL(ctx context.Context, uploadURL, name string, data []byte) (int, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetFileReader("file", name, bytes.NewReader(data)).
		Post(uploadURL)
	if err != nil {
		return 0, fmt.Errorf("upload request failed for %s: %w", name, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("upload error for %s: status %s, body: %s", name, resp.Status(), resp.String())
	}

	fileID, err := parseUploadedFileID(resp.Body())
	if err != nil {
		return 0, fmt.Errorf("upload response for %s has no file id: %w", name, err)
	}
	return fileID, nil
}

// Download fetches a file's bytes from its Disk download URL.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("download error: status %s", resp.Status())
	}
	return resp.Body(), nil
}

// The finalize response nests the new file id differently between Disk
// versions: result.ID, result.file.ID, or a bare numeric result.
func parseUploadedFileID(body []byte) (int, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, fmt.Errorf("unparsable upload response: %w", err)
	}
	if len(envelope.Result) == 0 {
		return 0, fmt.Errorf("upload response has empty result")
	}

	var nested struct {
		ID   FlexInt `json:"ID"`
		File struct {
			ID FlexInt `json:"ID"`
		} `json:"file"`
	}
	if err := json.Unmarshal(envelope.Result, &nested); err == nil {
		if nested.ID != 0 {
			return int(nested.ID), nil
		}
		if nested.File.ID != 0 {
			return int(nested.File.ID), nil
		}
	}

	var scalar FlexInt
	if err := json.Unmarshal(envelope.Result, &scalar); err == nil && scalar != 0 {
		return int(scalar), nil
	}
	return 0, fmt.Errorf("no file id in upload result: %s", string(envelope.Result))
}
