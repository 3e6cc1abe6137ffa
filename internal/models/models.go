package models

import (
	"path"
	"strings"
	"time"
)

// StageChangeEvent is the normalized form of an inbound deal-update
// notification. Both webhook wire shapes (plain JSON and form-encoded with
// embedded JSON) parse into this one type.
type StageChangeEvent struct {
	DealID  int
	StageID string
	Token   string
}

// RemoteFile is a read-only snapshot of one entry in a Bitrix Disk folder.
type RemoteFile struct {
	ID          int
	Name        string
	Size        int64
	DownloadURL string
}

// Ext returns the lower-cased file extension without the leading dot.
func (f RemoteFile) Ext() string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(f.Name)), ".")
}

// SizeMB returns the file size in megabytes.
func (f RemoteFile) SizeMB() float64 {
	return float64(f.Size) / (1024 * 1024)
}

// UploadResult records the outcome of transferring one RemoteFile into the
// CRM. Exactly one of FileID and Err is meaningful.
type UploadResult struct {
	File   RemoteFile
	FileID int
	Err    error
}

// FolderLink persists the mapping from a Disk folder to its deal, registered
// via the manual webhook. Used as a fallback when the deal record carries no
// folder field value.
type FolderLink struct {
	ID        uint      `gorm:"primaryKey"`
	FolderID  int       `gorm:"uniqueIndex"`
	DealID    int       `gorm:"index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// DealStageSnapshot is the last stage the polling watcher observed for a
// deal, so stage transitions can be detected across polls.
type DealStageSnapshot struct {
	ID        uint      `gorm:"primaryKey"`
	DealID    int       `gorm:"uniqueIndex"`
	StageID   string    `gorm:"size:64"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
