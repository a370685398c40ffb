package ordersync

import (
	"context"
	"fmt"
	"io"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

// DeriveStatus folds counters into the ledger status vocabulary.
func DeriveStatus(succeeded, failed int, fatal string) string {
	switch {
	case failed == 0 && fatal == "":
		return models.SyncLogStatusSuccess
	case succeeded > 0:
		return models.SyncLogStatusPartial
	default:
		return models.SyncLogStatusFailed
	}
}

type LedgerEntry struct {
	CompanyId   string
	Type        string
	Direction   string
	TriggeredBy string
	Reference   string
}

type LedgerOutcome struct {
	Total        int
	Success      int
	Failed       int
	Skipped      int
	ErrorMessage string
}

func outcomeFromBatch(r BatchResult, fatal string) LedgerOutcome {
	return LedgerOutcome{
		Total:        r.Total(),
		Success:      r.Imported + r.Updated,
		Failed:       r.Failed,
		Skipped:      r.Skipped,
		ErrorMessage: fatal,
	}
}

func (o LedgerOutcome) status() string {
	return DeriveStatus(o.Success+o.Skipped, o.Failed, o.ErrorMessage)
}

// Ledger is the append-only audit trail of sync attempts. Entries are opened
// in_progress and sealed exactly once.
type Ledger struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewLedger(db *gorm.DB, logger *logrus.Logger) *Ledger {
	return &Ledger{db: db, logger: logger, now: time.Now}
}

func (l *Ledger) Begin(ctx context.Context, e LedgerEntry) (*models.SyncLog, error) {
	entry := &models.SyncLog{
		CompanyId:   e.CompanyId,
		Type:        e.Type,
		Direction:   e.Direction,
		Status:      models.SyncLogStatusInProgress,
		TriggeredBy: e.TriggeredBy,
		Reference:   e.Reference,
		StartedAt:   l.now(),
	}
	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// Complete seals entry. Completing an already sealed entry returns ErrLedgerSealed.
func (l *Ledger) Complete(ctx context.Context, entry *models.SyncLog, out LedgerOutcome) error {
	if entry == nil {
		return nil
	}
	now := l.now()
	status := out.status()
	duration := now.Sub(entry.StartedAt).Milliseconds()
	res := l.db.WithContext(ctx).Model(&models.SyncLog{}).
		Where("id = ? AND company_id = ? AND completed_at IS NULL", entry.ID, entry.CompanyId).
		Updates(map[string]interface{}{
			"status":        status,
			"total_items":   out.Total,
			"success_count": out.Success,
			"failed_count":  out.Failed,
			"skipped_count": out.Skipped,
			"completed_at":  now,
			"duration_ms":   duration,
			"error_message": truncate(out.ErrorMessage, 2000),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLedgerSealed
	}
	entry.Status = status
	entry.TotalItems, entry.SuccessCount, entry.FailedCount, entry.SkippedCount = out.Total, out.Success, out.Failed, out.Skipped
	entry.CompletedAt = &now
	entry.DurationMs = duration
	entry.ErrorMessage = out.ErrorMessage
	return nil
}

// Record writes an already completed entry in one insert.
func (l *Ledger) Record(ctx context.Context, e LedgerEntry, out LedgerOutcome) (*models.SyncLog, error) {
	now := l.now()
	entry := &models.SyncLog{
		CompanyId:    e.CompanyId,
		Type:         e.Type,
		Direction:    e.Direction,
		Status:       out.status(),
		TriggeredBy:  e.TriggeredBy,
		Reference:    e.Reference,
		TotalItems:   out.Total,
		SuccessCount: out.Success,
		FailedCount:  out.Failed,
		SkippedCount: out.Skipped,
		StartedAt:    now,
		CompletedAt:  &now,
		ErrorMessage: truncate(out.ErrorMessage, 2000),
	}
	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// completeQuietly is used where a ledger failure must not change the caller's outcome.
func (l *Ledger) completeQuietly(ctx context.Context, entry *models.SyncLog, out LedgerOutcome) {
	if err := l.Complete(ctx, entry, out); err != nil {
		l.logger.WithFields(logrus.Fields{"company_id": entry.CompanyId, "sync_log_id": entry.ID}).
			Error("sync log completion failed: " + err.Error())
	}
}

func (l *Ledger) recordQuietly(ctx context.Context, e LedgerEntry, out LedgerOutcome) {
	if _, err := l.Record(ctx, e, out); err != nil {
		l.logger.WithFields(logrus.Fields{"company_id": e.CompanyId, "type": e.Type}).
			Error("sync log write failed: " + err.Error())
	}
}

type SyncLogFilter struct {
	Type      string     `form:"type"`
	Status    string     `form:"status"`
	Direction string     `form:"direction"`
	From      *time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To        *time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Page      int        `form:"page"`
	Limit     int        `form:"limit"`
}

type SyncLogPage struct {
	Items []models.SyncLog `json:"items"`
	Total int64            `json:"total"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
}

const (
	defaultLogLimit = 20
	maxLogLimit     = 100
	maxExportRows   = 10000
)

func (l *Ledger) filtered(ctx context.Context, companyId string, f SyncLogFilter) *gorm.DB {
	q := l.db.WithContext(ctx).Model(&models.SyncLog{}).Where("company_id = ?", companyId)
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Direction != "" {
		q = q.Where("direction = ?", f.Direction)
	}
	if f.From != nil {
		q = q.Where("started_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("started_at < ?", *f.To)
	}
	return q
}

func (l *Ledger) List(ctx context.Context, companyId string, f SyncLogFilter) (*SyncLogPage, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = defaultLogLimit
	}
	if f.Limit > maxLogLimit {
		f.Limit = maxLogLimit
	}
	page := &SyncLogPage{Page: f.Page, Limit: f.Limit, Items: []models.SyncLog{}}
	if err := l.filtered(ctx, companyId, f).Count(&page.Total).Error; err != nil {
		return nil, err
	}
	err := l.filtered(ctx, companyId, f).
		Order("started_at DESC, id DESC").
		Offset((f.Page - 1) * f.Limit).
		Limit(f.Limit).
		Find(&page.Items).Error
	if err != nil {
		return nil, err
	}
	return page, nil
}

var syncLogHeadings = []string{
	"Started At", "Type", "Direction", "Status", "Triggered By", "Reference",
	"Total", "Success", "Failed", "Skipped", "Duration (ms)", "Error",
}

// ExportXLSX writes the filtered ledger as a spreadsheet.
func (l *Ledger) ExportXLSX(ctx context.Context, companyId string, f SyncLogFilter, w io.Writer) error {
	var rows []models.SyncLog
	err := l.filtered(ctx, companyId, f).
		Order("started_at DESC, id DESC").
		Limit(maxExportRows).
		Find(&rows).Error
	if err != nil {
		return err
	}

	file := excelize.NewFile()
	defer file.Close()
	sheet := "Sheet1"
	for i, h := range syncLogHeadings {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := file.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}
	for r, row := range rows {
		values := []interface{}{
			row.StartedAt.UTC().Format(time.RFC3339), row.Type, row.Direction, row.Status,
			row.TriggeredBy, row.Reference, row.TotalItems, row.SuccessCount, row.FailedCount,
			row.SkippedCount, row.DurationMs, row.ErrorMessage,
		}
		for c, v := range values {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := file.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("write %s: %w", cell, err)
			}
		}
	}
	return file.Write(w)
}
