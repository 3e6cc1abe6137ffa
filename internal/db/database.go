package db

import (
	"errors"
	"fmt"
	stlog "log"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"cleanreport/internal/models"
)

// Open connects to the sqlite database at dsn and runs migrations for the
// service's models.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	gormLog := gormlogger.New(
		stlog.New(log.Logger, "", 0),
		gormlogger.Config{
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.AutoMigrate(&models.FolderLink{}, &models.DealStageSnapshot{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("Database connection established")
	return conn, nil
}

// FolderLinkStore persists folder-to-deal links registered through the
// manual webhook.
type FolderLinkStore struct {
	db *gorm.DB
}

func NewFolderLinkStore(conn *gorm.DB) *FolderLinkStore {
	return &FolderLinkStore{db: conn}
}

// Save upserts the link for folderID.
func (s *FolderLinkStore) Save(folderID, dealID int) error {
	link := models.FolderLink{FolderID: folderID, DealID: dealID}
	err := s.db.Where(models.FolderLink{FolderID: folderID}).
		Assign(models.FolderLink{DealID: dealID}).
		FirstOrCreate(&link).Error
	if err != nil {
		return fmt.Errorf("failed to save folder link %d -> %d: %w", folderID, dealID, err)
	}
	return nil
}

// FolderForDeal returns the registered folder id for a deal, or 0 when no
// link exists.
func (s *FolderLinkStore) FolderForDeal(dealID int) (int, error) {
	var link models.FolderLink
	err := s.db.Where(models.FolderLink{DealID: dealID}).Order("updated_at desc").First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up folder for deal %d: %w", dealID, err)
	}
	return link.FolderID, nil
}

// StageSnapshotStore keeps the last observed pipeline stage per deal for the
// polling watcher.
type StageSnapshotStore struct {
	db *gorm.DB
}

func NewStageSnapshotStore(conn *gorm.DB) *StageSnapshotStore {
	return &StageSnapshotStore{db: conn}
}

// LastStage returns the snapshotted stage for a deal, "" when unseen.
func (s *StageSnapshotStore) LastStage(dealID int) (string, error) {
	var snap models.DealStageSnapshot
	err := s.db.Where(models.DealStageSnapshot{DealID: dealID}).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load stage snapshot for deal %d: %w", dealID, err)
	}
	return snap.StageID, nil
}

// Record upserts the observed stage for a deal.
func (s *StageSnapshotStore) Record(dealID int, stageID string) error {
	snap := models.DealStageSnapshot{DealID: dealID, StageID: stageID}
	err := s.db.Where(models.DealStageSnapshot{DealID: dealID}).
		Assign(models.DealStageSnapshot{StageID: stageID}).
		FirstOrCreate(&snap).Error
	if err != nil {
		return fmt.Errorf("failed to record stage snapshot for deal %d: %w", dealID, err)
	}
	return nil
}
