// Package telegram dispatches report media to a Telegram chat as grouped
// media messages.
package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// telegram rejects media groups with more than 10 items.
const maxGroupSize = 10

// botAPI is the subset of tgbotapi.BotAPI the sender uses; tests provide a
// fake.
type botAPI interface {
	SendMediaGroup(config tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// MediaItem is one outgoing photo or video, either by public URL or as raw
// bytes.
type MediaItem struct {
	URL  string
	Data []byte
	Name string
}

func (m MediaItem) fileData() tgbotapi.RequestFileData {
	if len(m.Data) > 0 {
		return tgbotapi.FileBytes{Name: m.Name, Bytes: m.Data}
	}
	return tgbotapi.FileURL(m.URL)
}

// Sender posts media groups to a fixed chat.
type Sender struct {
	bot       botAPI
	chatID    int64
	batchSize int
}

// NewSender authorizes the bot and returns a sender for the given chat.
func NewSender(botToken string, chatID int64, batchSize int) (*Sender, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize telegram bot: %w", err)
	}
	log.Info().Str("botUsername", bot.Self.UserName).Int64("chatID", chatID).Msg("Telegram bot authorized")
	return newSenderWithAPI(bot, chatID, batchSize), nil
}

func newSenderWithAPI(bot botAPI, chatID int64, batchSize int) *Sender {
	if batchSize < 1 || batchSize > maxGroupSize {
		batchSize = maxGroupSize
	}
	return &Sender{bot: bot, chatID: chatID, batchSize: batchSize}
}

// SendPhotoReport delivers the items as a sequence of media groups of at
// most batchSize photos. The caption goes on the first item of the first
// batch only. A failed batch is logged and the remaining batches are still
// attempted; the return value reports whether every batch succeeded.
func (s *Sender) SendPhotoReport(items []MediaItem, caption string) bool {
	if len(items) == 0 {
		log.Warn().Int64("chatID", s.chatID).Msg("No media to dispatch")
		return false
	}

	ok := true
	for start := 0; start < len(items); start += s.batchSize {
		end := start + s.batchSize
		if end > len(items) {
			end = len(items)
		}
		batchCaption := ""
		if start == 0 {
			batchCaption = caption
		}
		if err := s.sendBatch(items[start:end], batchCaption); err != nil {
			log.Error().Err(err).Int64("chatID", s.chatID).Int("batchStart", start).Msg("Failed to send media batch")
			ok = false
		}
	}
	return ok
}

func (s *Sender) sendBatch(batch []MediaItem, batchCaption string) error {
	// sendMediaGroup requires at least two items; a leftover single photo
	// goes out as a plain photo message.
	if len(batch) == 1 {
		photo := tgbotapi.NewPhoto(s.chatID, batch[0].fileData())
		photo.Caption = batchCaption
		_, err := s.bot.Send(photo)
		return err
	}

	media := make([]interface{}, 0, len(batch))
	for i, item := range batch {
		photo := tgbotapi.NewInputMediaPhoto(item.fileData())
		if i == 0 {
			photo.Caption = batchCaption
		}
		media = append(media, photo)
	}

	_, err := s.bot.SendMediaGroup(tgbotapi.MediaGroupConfig{
		ChatID: s.chatID,
		Media:  media,
	})
	if err == nil {
		log.Info().Int64("chatID", s.chatID).Int("items", len(batch)).Msg("Media batch sent")
	}
	return err
}

// SendVideo delivers a single video with its own caption.
func (s *Sender) SendVideo(item MediaItem, videoCaption string) bool {
	video := tgbotapi.NewVideo(s.chatID, item.fileData())
	video.Caption = videoCaption
	if _, err := s.bot.Send(video); err != nil {
		log.Error().Err(err).Int64("chatID", s.chatID).Str("name", item.Name).Msg("Failed to send video")
		return false
	}
	return true
}
