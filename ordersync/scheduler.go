package ordersync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/config"
	"bitbucket.org/mmdatafocus/order_sync_backend/metrics"
	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrPassInProgress = errors.New("a polling pass is already running for this company")

const pollLockTTL = 10 * time.Minute

// PassResult summarises one polling pass for one tenant.
type PassResult struct {
	CompanyId string      `json:"companyId"`
	Status    string      `json:"status"`
	Pages     int         `json:"pages"`
	Result    BatchResult `json:"result"`
	Error     string      `json:"error,omitempty"`
	// LastSyncAt is the window start for the next pass; nil when unchanged
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
}

// IsDue reports whether a tenant's interval has elapsed since its last pass.
func IsDue(st *models.SyncSettings, now time.Time, defaultInterval int) bool {
	if st.LastSyncAt == nil {
		return true
	}
	minutes := st.SyncIntervalMinutes
	if minutes <= 0 {
		minutes = defaultInterval
	}
	return now.Sub(*st.LastSyncAt) >= time.Duration(minutes)*time.Minute
}

// Scheduler drives periodic polling passes. One instance is built at process
// start and handed to whoever needs it.
type Scheduler struct {
	logger   *logrus.Logger
	settings *SettingsService
	importer *Importer
	ledger   *Ledger
	clients  ClientFactory
	locker   *utils.Locker
	cfg      config.SyncConfig
	now      func() time.Time

	mu      sync.Mutex
	tick    time.Duration
	reset   chan time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewScheduler(logger *logrus.Logger, settings *SettingsService, importer *Importer, ledger *Ledger, clients ClientFactory, locker *utils.Locker, cfg config.SyncConfig) *Scheduler {
	if locker == nil {
		locker = utils.NewLocker(nil)
	}
	return &Scheduler{
		logger:   logger,
		settings: settings,
		importer: importer,
		ledger:   ledger,
		clients:  clients,
		locker:   locker,
		cfg:      cfg,
		now:      time.Now,
		tick:     cfg.Tick(),
		reset:    make(chan time.Duration, 1),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	tick := s.tick
	s.mu.Unlock()

	s.logger.WithField("tick", tick.String()).Info("order sync scheduler started")
	go s.loop(ctx, tick)
}

func (s *Scheduler) loop(ctx context.Context, tick time.Duration) {
	defer close(s.done)
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.reset:
			t.Reset(d)
		case <-t.C:
			if _, err := s.RunDue(ctx); err != nil {
				config.LogError(s.logger, "ordersync/scheduler.go", "RunDue", "listing tenants", nil, err)
			}
		}
	}
}

// Stop ends the loop and waits for the pass in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()
	<-done
}

// SetInterval changes the global tick. Per-tenant intervals live in settings.
func (s *Scheduler) SetInterval(minutes int) error {
	if minutes < 1 {
		return utils.NewValidationError("minutes", "must be at least 1")
	}
	d := time.Duration(minutes) * time.Minute
	s.mu.Lock()
	s.tick = d
	s.mu.Unlock()
	select {
	case s.reset <- d:
	default:
		// replace a pending reset that the loop has not consumed yet
		select {
		case <-s.reset:
		default:
		}
		s.reset <- d
	}
	s.logger.WithField("tick", d.String()).Info("order sync scheduler interval changed")
	return nil
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// RunDue runs a pass for every enabled tenant whose interval has elapsed.
// Tenants run concurrently up to PollConcurrency; one tenant's failure does
// not affect the others.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	tenants, err := s.settings.ListSyncEnabled(ctx)
	if err != nil {
		return 0, err
	}
	// passes run to completion even when the scheduler is stopping
	passCtx := context.WithoutCancel(ctx)
	now := s.now()

	g := new(errgroup.Group)
	g.SetLimit(max(s.cfg.PollConcurrency, 1))
	ran := 0
	for i := range tenants {
		st := &tenants[i]
		if !st.SyncDirection.AllowsImport() {
			continue
		}
		if !IsDue(st, now, s.cfg.DefaultIntervalMinutes) {
			metrics.PollingPasses.WithLabelValues("skipped").Inc()
			continue
		}
		ran++
		g.Go(func() error {
			if _, err := s.runTenant(passCtx, st, models.TriggeredByPolling); err != nil && !errors.Is(err, ErrPassInProgress) {
				s.logger.WithField("company_id", st.CompanyId).Warn("polling pass failed: " + err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
	return ran, nil
}

// SyncNow runs one immediate pass for a tenant regardless of its interval.
func (s *Scheduler) SyncNow(ctx context.Context, companyId string) (*PassResult, error) {
	st, err := s.settings.Get(ctx, companyId)
	if err != nil {
		return nil, err
	}
	if !st.SyncDirection.AllowsImport() {
		return nil, fmt.Errorf("%w: direction is %s", ErrDirectionDisabled, st.SyncDirection)
	}
	return s.runTenant(context.WithoutCancel(ctx), st, models.TriggeredByManual)
}

func (s *Scheduler) runTenant(ctx context.Context, st *models.SyncSettings, triggeredBy string) (*PassResult, error) {
	companyId := st.CompanyId
	ctx = utils.TenantContext(ctx, companyId)
	log := s.logger.WithFields(logrus.Fields{"company_id": companyId, "triggered_by": triggeredBy})

	lease, err := s.locker.TryLock(ctx, "order-sync:poll:"+companyId, pollLockTTL)
	if errors.Is(err, utils.ErrLockHeld) {
		metrics.PollingPasses.WithLabelValues("locked").Inc()
		return nil, ErrPassInProgress
	}
	if err != nil {
		return nil, err
	}
	defer lease.Release(context.Background())

	start := s.now()
	pass := &PassResult{CompanyId: companyId}
	fetchErr := s.fetchPages(ctx, st, lease, pass, triggeredBy)

	r := pass.Result
	worked := r.Imported+r.Updated+r.Failed > 0
	var syncedAt *time.Time
	lastStatus := models.SyncStatusSuccess
	switch {
	case fetchErr != nil:
		pass.Error = fetchErr.Error()
		pass.Status = DeriveStatus(r.Imported+r.Updated+r.Skipped, r.Failed, pass.Error)
		lastStatus = models.SyncStatusFailed
		log.WithField("error_kind", utils.ClassifyError(fetchErr)).Warn("polling fetch failed: " + fetchErr.Error())
	default:
		pass.Status = r.Status()
		if pass.LastSyncAt == nil {
			pass.LastSyncAt = &start
		}
		syncedAt = pass.LastSyncAt
		switch {
		case !worked:
			lastStatus = models.SyncStatusIdle
		case pass.Status == models.SyncLogStatusPartial:
			lastStatus = models.SyncStatusPartial
		case pass.Status == models.SyncLogStatusFailed:
			lastStatus = models.SyncStatusFailed
		}
	}

	message := fmt.Sprintf("imported %d, updated %d, skipped %d, failed %d", r.Imported, r.Updated, r.Skipped, r.Failed)
	if pass.Error != "" {
		message = pass.Error
	}
	if err := s.settings.recordSyncResult(ctx, st, syncedAt, lastStatus, message); err != nil {
		log.Error("recording sync result failed: " + err.Error())
	}
	if syncedAt != nil {
		st.LastSyncAt = syncedAt
	}

	if worked || fetchErr != nil {
		ledgerType := models.SyncLogTypeAutoSync
		if triggeredBy == models.TriggeredByManual {
			ledgerType = models.SyncLogTypeOrderImport
		}
		s.ledger.recordQuietly(ctx, LedgerEntry{
			CompanyId:   companyId,
			Type:        ledgerType,
			Direction:   models.SyncLogDirectionImport,
			TriggeredBy: triggeredBy,
			Reference:   "pages:" + strconv.Itoa(pass.Pages),
		}, outcomeFromBatch(r, pass.Error))
	}
	metrics.PollingPasses.WithLabelValues(pass.Status).Inc()
	log.WithField("pages", pass.Pages).Info("polling pass finished: " + message)
	return pass, nil
}

// fetchPages pulls orders modified since lastSyncAt, oldest first, and imports
// each page with duplicateAction=update. When the page budget runs out before
// the remote does, pass.LastSyncAt is set just before the newest modification
// seen so the next pass continues from there.
func (s *Scheduler) fetchPages(ctx context.Context, st *models.SyncSettings, lease *utils.Lease, pass *PassResult, triggeredBy string) error {
	client, err := s.clients(st)
	if err != nil {
		return err
	}
	pageSize := max(s.cfg.PollPageSize, 1)
	maxPages := max(s.cfg.PollMaxPages, 1)
	opts := ImportOptions{
		DuplicateAction: DuplicateUpdate,
		StatusOverrides: statusOverrides(st),
		TriggeredBy:     triggeredBy,
	}

	var newest time.Time
	for page := 1; page <= maxPages; page++ {
		params := url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(pageSize)},
			"orderby":  {"modified"},
			"order":    {"asc"},
		}
		if st.LastSyncAt != nil {
			params.Set("modified_after", st.LastSyncAt.UTC().Format(time.RFC3339))
		}
		orders, info, err := listOrders(ctx, client, params)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			return nil
		}
		res, err := s.importer.ImportBatch(ctx, st.CompanyId, orders, opts)
		if err != nil {
			return err
		}
		pass.Result.Add(res)
		pass.Pages++
		for _, o := range orders {
			if t, ok := utils.ParseRemoteTime(o.DateModified); ok && t.After(newest) {
				newest = t
			}
		}
		if err := lease.Refresh(ctx, pollLockTTL); err != nil {
			return fmt.Errorf("poll lock lost: %w", err)
		}
		last := len(orders) < pageSize || (info.TotalPages >= 0 && page >= info.TotalPages)
		if last {
			return nil
		}
	}
	if !newest.IsZero() {
		// modified_after is exclusive; step back so unfetched orders that share
		// the newest timestamp are still in the next window
		next := newest.Add(-time.Second)
		pass.LastSyncAt = &next
	}
	return nil
}
