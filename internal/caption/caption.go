// Package caption builds the short human-readable text attached to a photo
// report. A remote text-generation provider is tried first and a
// deterministic local template covers every failure mode, so caption
// generation never blocks the pipeline and never yields an empty string.
package caption

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ReportContext carries the deal metadata a caption is built from.
type ReportContext struct {
	DealID  int
	Address string
	Date    time.Time
}

// Provider produces a caption for one report.
type Provider interface {
	Generate(ctx context.Context, rc ReportContext) (string, error)
}

// StaticProvider renders a fixed template from local metadata only. It never
// fails.
type StaticProvider struct{}

func (StaticProvider) Generate(_ context.Context, rc ReportContext) (string, error) {
	date := FormatRussianDate(rc.Date)
	if rc.Address == "" {
		return fmt.Sprintf("Уборка завершена %s. Спасибо, что вы с нами! ✨", date), nil
	}
	return fmt.Sprintf("📍 %s\n\nУборка завершена %s. Спасибо, что вы с нами! ✨", rc.Address, date), nil
}

// fallbackProvider tries the primary provider and falls back on any error or
// empty completion.
type fallbackProvider struct {
	primary  Provider
	fallback Provider
}

// WithFallback wraps primary so that any error or empty result is replaced
// by the fallback's caption.
func WithFallback(primary, fallback Provider) Provider {
	return &fallbackProvider{primary: primary, fallback: fallback}
}

func (p *fallbackProvider) Generate(ctx context.Context, rc ReportContext) (string, error) {
	text, err := p.primary.Generate(ctx, rc)
	if err == nil && text != "" {
		return text, nil
	}
	if err != nil {
		log.Warn().Err(err).Int("dealID", rc.DealID).Msg("Caption generation failed, using fallback template")
	} else {
		log.Warn().Int("dealID", rc.DealID).Msg("Caption generation returned empty text, using fallback template")
	}
	return p.fallback.Generate(ctx, rc)
}

var russianMonths = [...]string{
	"января", "февраля", "марта", "апреля", "мая", "июня",
	"июля", "августа", "сентября", "октября", "ноября", "декабря",
}

// FormatRussianDate renders a date as "19 апреля 2025".
func FormatRussianDate(t time.Time) string {
	return fmt.Sprintf("%d %s %d", t.Day(), russianMonths[t.Month()-1], t.Year())
}
