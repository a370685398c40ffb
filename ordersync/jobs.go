package ordersync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/config"
	"bitbucket.org/mmdatafocus/order_sync_backend/metrics"
	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	maxJobBatchSize = 100
	jobLockTTL      = 5 * time.Minute
)

// JobOptions are fixed at creation and stored with the job.
type JobOptions struct {
	BatchSize       int             `json:"batchSize"`
	DuplicateAction DuplicateAction `json:"duplicateAction"`
	StatusFilter    string          `json:"statusFilter,omitempty"`
	After           string          `json:"after,omitempty"`
	PageDelayMs     int             `json:"pageDelayMs"`
}

type JobView struct {
	ID           string                  `json:"id"`
	CompanyId    string                  `json:"companyId"`
	Type         string                  `json:"type"`
	Status       string                  `json:"status"`
	Options      JobOptions              `json:"options"`
	Checkpoint   models.ImportCheckpoint `json:"checkpoint"`
	ErrorMessage string                  `json:"errorMessage,omitempty"`
	StartedAt    *time.Time              `json:"startedAt"`
	CompletedAt  *time.Time              `json:"completedAt"`
	CreatedAt    time.Time               `json:"createdAt"`
	UpdatedAt    time.Time               `json:"updatedAt"`
}

func NewJobView(j *models.ImportJob) *JobView {
	return &JobView{
		ID:           j.ID,
		CompanyId:    j.CompanyId,
		Type:         j.Type,
		Status:       j.Status,
		Options:      utils.DecodeJSON[JobOptions](j.OptionsJSON),
		Checkpoint:   decodeCheckpoint(j.ProgressJSON),
		ErrorMessage: j.ErrorMessage,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

func decodeCheckpoint(b []byte) models.ImportCheckpoint {
	cp := utils.DecodeJSON[models.ImportCheckpoint](b)
	if cp.CurrentPage < 1 {
		cp.CurrentPage = 1
	}
	return cp
}

// JobManager owns resumable batch imports. The job row is the source of
// truth; workers re-read it between pages, so control calls made on any
// instance take effect at the next page boundary.
type JobManager struct {
	db         *gorm.DB
	logger     *logrus.Logger
	settings   *SettingsService
	importer   *Importer
	ledger     *Ledger
	clients    ClientFactory
	locker     *utils.Locker
	broker     ProgressBroker
	cfg        config.SyncConfig
	dispatcher Dispatcher
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	tracer     trace.Tracer
}

func NewJobManager(db *gorm.DB, logger *logrus.Logger, settings *SettingsService, importer *Importer, ledger *Ledger, clients ClientFactory, locker *utils.Locker, broker ProgressBroker, cfg config.SyncConfig) *JobManager {
	if locker == nil {
		locker = utils.NewLocker(nil)
	}
	if broker == nil {
		broker = NewMemoryBroker()
	}
	m := &JobManager{
		db:       db,
		logger:   logger,
		settings: settings,
		importer: importer,
		ledger:   ledger,
		clients:  clients,
		locker:   locker,
		broker:   broker,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
		tracer:   otel.Tracer("ordersync/jobs"),
	}
	m.dispatcher = NewLocalDispatcher(m, logger)
	return m
}

func (m *JobManager) SetDispatcher(d Dispatcher) { m.dispatcher = d }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *JobManager) optionsFrom(req CreateImportJobRequest) (JobOptions, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return JobOptions{}, err
	}
	opts := JobOptions{
		BatchSize:       req.BatchSize,
		DuplicateAction: req.DuplicateAction,
		StatusFilter:    req.StatusFilter,
		After:           req.After,
		PageDelayMs:     m.cfg.JobPageDelayMs,
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = m.cfg.JobBatchSize
	}
	opts.BatchSize = min(max(opts.BatchSize, 1), maxJobBatchSize)
	if opts.DuplicateAction == "" {
		opts.DuplicateAction = DuplicateSkip
	}
	if req.PageDelayMs != nil {
		opts.PageDelayMs = *req.PageDelayMs
	}
	if opts.After != "" {
		t, err := time.Parse(time.RFC3339, opts.After)
		if err != nil {
			return JobOptions{}, utils.NewValidationError("after", "must be an RFC3339 timestamp")
		}
		opts.After = t.UTC().Format(time.RFC3339)
	}
	return opts, nil
}

// Create stores a pending job, and starts it when req.AutoStart is set.
func (m *JobManager) Create(ctx context.Context, companyId string, req CreateImportJobRequest) (*models.ImportJob, error) {
	opts, err := m.optionsFrom(req)
	if err != nil {
		return nil, err
	}
	st, err := m.settings.Get(ctx, companyId)
	if err != nil {
		return nil, err
	}
	if !st.SyncDirection.AllowsImport() {
		return nil, fmt.Errorf("%w: direction is %s", ErrDirectionDisabled, st.SyncDirection)
	}

	ctx = utils.TenantContext(ctx, companyId)
	job := &models.ImportJob{
		CompanyId:    companyId,
		Type:         models.ImportJobTypeOrders,
		Status:       models.ImportJobStatusPending,
		OptionsJSON:  utils.EncodeJSON(opts),
		ProgressJSON: utils.EncodeJSON(models.ImportCheckpoint{CurrentPage: 1}),
	}
	if err := m.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	m.logger.WithFields(logrus.Fields{"company_id": companyId, "job_id": job.ID}).Info("import job created")
	if req.AutoStart {
		return m.Start(ctx, companyId, job.ID)
	}
	return job, nil
}

func (m *JobManager) Get(ctx context.Context, companyId, id string) (*models.ImportJob, error) {
	ctx = utils.TenantContext(ctx, companyId)
	var job models.ImportJob
	err := m.db.WithContext(ctx).Where("id = ? AND company_id = ?", id, companyId).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (m *JobManager) List(ctx context.Context, companyId string, limit int) ([]models.ImportJob, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	ctx = utils.TenantContext(ctx, companyId)
	jobs := []models.ImportJob{}
	err := m.db.WithContext(ctx).Where("company_id = ?", companyId).
		Order("created_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// transition moves a job from one of from to to. It fails with
// ErrInvalidTransition when the job is in any other state.
func (m *JobManager) transition(ctx context.Context, companyId, id string, from []string, to string, extra map[string]interface{}) (*models.ImportJob, error) {
	ctx = utils.TenantContext(ctx, companyId)
	cols := map[string]interface{}{"status": to}
	for k, v := range extra {
		cols[k] = v
	}
	res := m.db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND company_id = ? AND status IN ?", id, companyId, from).
		Updates(cols)
	if res.Error != nil {
		return nil, res.Error
	}
	job, err := m.Get(ctx, companyId, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return job, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}
	return job, nil
}

func (m *JobManager) Start(ctx context.Context, companyId, id string) (*models.ImportJob, error) {
	job, err := m.transition(ctx, companyId, id,
		[]string{models.ImportJobStatusPending},
		models.ImportJobStatusRunning,
		map[string]interface{}{"started_at": m.now()})
	if err != nil {
		return nil, err
	}
	return m.dispatch(ctx, job)
}

func (m *JobManager) Pause(ctx context.Context, companyId, id string) (*models.ImportJob, error) {
	job, err := m.transition(ctx, companyId, id,
		[]string{models.ImportJobStatusRunning},
		models.ImportJobStatusPaused, nil)
	if err != nil {
		return nil, err
	}
	m.publish(job, ProgressEventPaused, decodeCheckpoint(job.ProgressJSON), "Import paused; the batch in flight will finish")
	return job, nil
}

// Resume continues a paused or failed job from its checkpoint.
func (m *JobManager) Resume(ctx context.Context, companyId, id string) (*models.ImportJob, error) {
	job, err := m.transition(ctx, companyId, id,
		[]string{models.ImportJobStatusPaused, models.ImportJobStatusFailed},
		models.ImportJobStatusRunning,
		map[string]interface{}{"error_message": ""})
	if err != nil {
		return nil, err
	}
	return m.dispatch(ctx, job)
}

// Cancel stops a job from any state. A job that already finished, completed
// or cancelled, is returned unchanged.
func (m *JobManager) Cancel(ctx context.Context, companyId, id string) (*models.ImportJob, error) {
	job, err := m.transition(ctx, companyId, id,
		[]string{models.ImportJobStatusPending, models.ImportJobStatusRunning, models.ImportJobStatusPaused, models.ImportJobStatusFailed},
		models.ImportJobStatusCancelled,
		map[string]interface{}{"completed_at": m.now()})
	if errors.Is(err, ErrInvalidTransition) && job != nil &&
		(job.Status == models.ImportJobStatusCompleted || job.Status == models.ImportJobStatusCancelled) {
		return job, nil
	}
	if err != nil {
		return nil, err
	}
	m.publish(job, ProgressEventCancelled, decodeCheckpoint(job.ProgressJSON), "Import cancelled")
	return job, nil
}

func (m *JobManager) dispatch(ctx context.Context, job *models.ImportJob) (*models.ImportJob, error) {
	if err := m.dispatcher.Dispatch(ctx, job); err != nil {
		msg := "dispatch failed: " + err.Error()
		_ = m.db.WithContext(utils.TenantContext(ctx, job.CompanyId)).Model(&models.ImportJob{}).
			Where("id = ? AND company_id = ? AND status = ?", job.ID, job.CompanyId, models.ImportJobStatusRunning).
			Updates(map[string]interface{}{"status": models.ImportJobStatusFailed, "error_message": msg}).Error
		return nil, err
	}
	return job, nil
}

// RecoverOnStartup re-dispatches jobs left running by a previous process.
// Paused jobs stay paused.
func (m *JobManager) RecoverOnStartup(ctx context.Context) (int, error) {
	var jobs []models.ImportJob
	err := m.db.WithContext(utils.SetSkipTenantScopeInContext(ctx, true)).
		Where("status = ?", models.ImportJobStatusRunning).
		Order("created_at").
		Find(&jobs).Error
	if err != nil {
		return 0, err
	}
	recovered := 0
	for i := range jobs {
		job := &jobs[i]
		log := m.logger.WithFields(logrus.Fields{"company_id": job.CompanyId, "job_id": job.ID})
		if err := m.dispatcher.Dispatch(ctx, job); err != nil {
			log.Error("recovering import job failed: " + err.Error())
			continue
		}
		log.Info("recovered interrupted import job")
		recovered++
	}
	return recovered, nil
}

func (m *JobManager) publish(job *models.ImportJob, eventType string, cp models.ImportCheckpoint, msg string) {
	m.broker.Publish(job.CompanyId, ProgressEvent{
		JobId:      job.ID,
		CompanyId:  job.CompanyId,
		Type:       eventType,
		Status:     job.Status,
		Checkpoint: cp,
		Message:    msg,
		Timestamp:  m.now(),
	})
}

func (m *JobManager) listParams(opts JobOptions, page, perPage int) url.Values {
	params := url.Values{
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(perPage)},
		"orderby":  {"id"},
		"order":    {"asc"},
	}
	if opts.StatusFilter != "" {
		params.Set("status", opts.StatusFilter)
	}
	if opts.After != "" {
		params.Set("after", opts.After)
	}
	return params
}

// Run drives a running job from its checkpoint until it completes, fails or
// is paused/cancelled. Only one worker drives a job at a time.
func (m *JobManager) Run(ctx context.Context, companyId, id string) error {
	ctx = utils.TenantContext(ctx, companyId)
	lease, err := m.locker.TryLock(ctx, "order-sync:job:"+id, jobLockTTL)
	if errors.Is(err, utils.ErrLockHeld) {
		return ErrJobBusy
	}
	if err != nil {
		return err
	}
	defer lease.Release(context.Background())

	job, err := m.Get(ctx, companyId, id)
	if err != nil {
		return err
	}
	if job.Status != models.ImportJobStatusRunning {
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "ordersync.RunImportJob", trace.WithAttributes(
		attribute.String("company_id", companyId),
		attribute.String("job_id", id),
	))
	defer span.End()

	opts := utils.DecodeJSON[JobOptions](job.OptionsJSON)
	if opts.BatchSize < 1 {
		opts.BatchSize = m.cfg.JobBatchSize
	}
	if opts.DuplicateAction == "" {
		opts.DuplicateAction = DuplicateSkip
	}
	cp := decodeCheckpoint(job.ProgressJSON)
	startCp := cp

	entry, err := m.ledger.Begin(ctx, LedgerEntry{
		CompanyId:   companyId,
		Type:        models.SyncLogTypeBatchImport,
		Direction:   models.SyncLogDirectionImport,
		TriggeredBy: models.TriggeredByBatchJob,
		Reference:   job.ID,
	})
	if err != nil {
		return err
	}

	runErr := m.drive(ctx, job, opts, &cp, lease)
	fatal := ""
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		// the worker is going away; the job stays running for the next dispatch
		fatal = runErr.Error()
		m.interrupt(ctx, job, cp, runErr)
	default:
		fatal = runErr.Error()
		span.RecordError(runErr)
		m.fail(ctx, job, cp, runErr)
	}
	m.ledger.completeQuietly(context.WithoutCancel(ctx), entry, LedgerOutcome{
		Total:        cp.ProcessedCount - startCp.ProcessedCount,
		Success:      (cp.Imported - startCp.Imported) + (cp.Updated - startCp.Updated),
		Failed:       cp.Failed - startCp.Failed,
		Skipped:      cp.Skipped - startCp.Skipped,
		ErrorMessage: fatal,
	})
	return runErr
}

func (m *JobManager) drive(ctx context.Context, job *models.ImportJob, opts JobOptions, cp *models.ImportCheckpoint, lease *utils.Lease) error {
	log := m.logger.WithFields(logrus.Fields{"company_id": job.CompanyId, "job_id": job.ID})
	st, err := m.settings.Get(ctx, job.CompanyId)
	if err != nil {
		return err
	}
	client, err := m.clients(st)
	if err != nil {
		return err
	}
	importOpts := ImportOptions{
		DuplicateAction: opts.DuplicateAction,
		StatusOverrides: statusOverrides(st),
		TriggeredBy:     models.TriggeredByBatchJob,
	}

	if cp.GrandTotal == nil {
		_, info, err := listOrders(ctx, client, m.listParams(opts, 1, 1))
		if err != nil {
			return fmt.Errorf("count probe: %w", err)
		}
		if info.Total >= 0 {
			total := info.Total
			cp.GrandTotal = &total
			cp.TotalBatches = (total + opts.BatchSize - 1) / opts.BatchSize
		}
	}

	for {
		status, err := m.currentStatus(ctx, job)
		if err != nil {
			return err
		}
		if status != models.ImportJobStatusRunning {
			log.WithField("status", status).Info("import job stopped between batches")
			return nil
		}
		// a crash during the fetch resumes this page, not the next one
		if err := m.saveCheckpoint(ctx, job, *cp); err != nil {
			return err
		}

		orders, _, err := listOrders(ctx, client, m.listParams(opts, cp.CurrentPage, opts.BatchSize))
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", cp.CurrentPage, err)
		}
		if len(orders) == 0 {
			return m.complete(ctx, job, *cp)
		}

		res, err := m.importer.ImportBatch(ctx, job.CompanyId, orders, importOpts)
		if err != nil {
			return fmt.Errorf("import page %d: %w", cp.CurrentPage, err)
		}
		cp.CurrentBatch++
		cp.ProcessedCount += len(orders)
		cp.Imported += res.Imported
		cp.Updated += res.Updated
		cp.Skipped += res.Skipped
		cp.Failed += res.Failed
		cp.CurrentPage++
		metrics.JobPages.Inc()

		if len(orders) < opts.BatchSize {
			return m.complete(ctx, job, *cp)
		}
		if err := m.saveCheckpoint(ctx, job, *cp); err != nil {
			return err
		}
		m.publish(job, ProgressEventProgress, *cp, progressMessage(*cp))
		if err := lease.Refresh(ctx, jobLockTTL); err != nil {
			return fmt.Errorf("job lock lost: %w", err)
		}
		if err := m.sleep(ctx, time.Duration(opts.PageDelayMs)*time.Millisecond); err != nil {
			return err
		}
	}
}

func progressMessage(cp models.ImportCheckpoint) string {
	if cp.TotalBatches > 0 {
		return fmt.Sprintf("Processed batch %d of %d (%d orders)", cp.CurrentBatch, cp.TotalBatches, cp.ProcessedCount)
	}
	return fmt.Sprintf("Processed batch %d (%d orders)", cp.CurrentBatch, cp.ProcessedCount)
}

func (m *JobManager) currentStatus(ctx context.Context, job *models.ImportJob) (string, error) {
	var row models.ImportJob
	err := m.db.WithContext(ctx).Select("id", "status").
		Where("id = ? AND company_id = ?", job.ID, job.CompanyId).
		First(&row).Error
	if err != nil {
		return "", err
	}
	job.Status = row.Status
	return row.Status, nil
}

func (m *JobManager) saveCheckpoint(ctx context.Context, job *models.ImportJob, cp models.ImportCheckpoint) error {
	job.ProgressJSON = utils.EncodeJSON(cp)
	return m.db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND company_id = ?", job.ID, job.CompanyId).
		Update("progress_json", job.ProgressJSON).Error
}

func (m *JobManager) complete(ctx context.Context, job *models.ImportJob, cp models.ImportCheckpoint) error {
	now := m.now()
	job.ProgressJSON = utils.EncodeJSON(cp)
	res := m.db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND company_id = ? AND status = ?", job.ID, job.CompanyId, models.ImportJobStatusRunning).
		Updates(map[string]interface{}{
			"status":        models.ImportJobStatusCompleted,
			"progress_json": job.ProgressJSON,
			"completed_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// cancelled while the last batch was in flight; keep the counters
		return m.saveCheckpoint(ctx, job, cp)
	}
	job.Status = models.ImportJobStatusCompleted
	job.CompletedAt = &now
	m.publish(job, ProgressEventCompleted, cp, fmt.Sprintf(
		"Import completed: %d imported, %d updated, %d skipped, %d failed", cp.Imported, cp.Updated, cp.Skipped, cp.Failed))
	m.logger.WithFields(logrus.Fields{"company_id": job.CompanyId, "job_id": job.ID, "processed": cp.ProcessedCount}).
		Info("import job completed")
	return nil
}

// interrupt saves the checkpoint of a job whose worker stopped mid-page. The
// status is left running so RecoverOnStartup or a redelivery picks it up.
func (m *JobManager) interrupt(ctx context.Context, job *models.ImportJob, cp models.ImportCheckpoint, cause error) {
	if err := m.saveCheckpoint(context.WithoutCancel(ctx), job, cp); err != nil {
		config.LogError(m.logger, "ordersync/jobs.go", "interrupt", "saving import job checkpoint", job.ID, err)
	}
	m.logger.WithFields(logrus.Fields{
		"company_id": job.CompanyId,
		"job_id":     job.ID,
		"page":       cp.CurrentPage,
	}).Warn("import job interrupted: " + cause.Error())
}

// fail keeps the checkpoint so the job can be resumed.
func (m *JobManager) fail(ctx context.Context, job *models.ImportJob, cp models.ImportCheckpoint, cause error) {
	job.ProgressJSON = utils.EncodeJSON(cp)
	err := m.db.WithContext(context.WithoutCancel(ctx)).Model(&models.ImportJob{}).
		Where("id = ? AND company_id = ? AND status = ?", job.ID, job.CompanyId, models.ImportJobStatusRunning).
		Updates(map[string]interface{}{
			"status":        models.ImportJobStatusFailed,
			"error_message": truncate(cause.Error(), 2000),
			"progress_json": job.ProgressJSON,
		}).Error
	if err != nil {
		config.LogError(m.logger, "ordersync/jobs.go", "fail", "marking import job failed", job.ID, err)
	}
	job.Status = models.ImportJobStatusFailed
	m.publish(job, ProgressEventFailed, cp, "Import failed: "+cause.Error())
	m.logger.WithFields(logrus.Fields{
		"company_id": job.CompanyId,
		"job_id":     job.ID,
		"error_kind": utils.ClassifyError(cause),
	}).Error("import job failed: " + cause.Error())
}
