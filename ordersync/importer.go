package ordersync

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/metrics"
	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type ImportOptions struct {
	DuplicateAction DuplicateAction
	StatusOverrides map[string]string
	TriggeredBy     string
}

type ImportOutcome string

const (
	OutcomeImported ImportOutcome = "imported"
	OutcomeUpdated  ImportOutcome = "updated"
	OutcomeSkipped  ImportOutcome = "skipped"
)

type ImportResult struct {
	Outcome ImportOutcome `json:"status"`
	Order   *models.Order `json:"order"`
}

type BatchError struct {
	ExternalId string          `json:"externalId"`
	Kind       utils.ErrorKind `json:"kind"`
	Field      string          `json:"field,omitempty"`
	Message    string          `json:"message"`
}

type BatchResult struct {
	Imported int          `json:"imported"`
	Updated  int          `json:"updated"`
	Skipped  int          `json:"skipped"`
	Failed   int          `json:"failed"`
	Errors   []BatchError `json:"errors,omitempty"`
}

func (r BatchResult) Total() int {
	return r.Imported + r.Updated + r.Skipped + r.Failed
}

// Status folds the counters into success / partial / failed.
func (r BatchResult) Status() string {
	return DeriveStatus(r.Imported+r.Updated+r.Skipped, r.Failed, "")
}

func (r *BatchResult) Add(o BatchResult) {
	r.Imported += o.Imported
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Errors = append(r.Errors, o.Errors...)
}

func (r *BatchResult) count(outcome ImportOutcome) {
	switch outcome {
	case OutcomeImported:
		r.Imported++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeSkipped:
		r.Skipped++
	}
}

// Importer maps remote orders onto local Order/Customer/OrderItem rows. It is
// the only writer of imported orders, so every entry point shares its
// dedup rules.
type Importer struct {
	db          *gorm.DB
	logger      *logrus.Logger
	echo        EchoGuard
	phoneRegion string
	now         func() time.Time
	tracer      trace.Tracer
}

func NewImporter(db *gorm.DB, logger *logrus.Logger, echo EchoGuard, phoneRegion string) *Importer {
	if echo == nil {
		echo = NewMemoryEchoGuard(0)
	}
	return &Importer{
		db:          db,
		logger:      logger,
		echo:        echo,
		phoneRegion: phoneRegion,
		now:         time.Now,
		tracer:      otel.Tracer("ordersync/importer"),
	}
}

// ImportOne imports or reconciles a single remote order.
func (im *Importer) ImportOne(ctx context.Context, companyId string, ro *RemoteOrder, opts ImportOptions) (*ImportResult, error) {
	ctx = utils.TenantContext(ctx, companyId)
	ctx, span := im.tracer.Start(ctx, "ordersync.ImportOne", trace.WithAttributes(
		attribute.String("company_id", companyId),
		attribute.String("external_id", ro.ID.String()),
	))
	defer span.End()

	m, err := im.prepare(companyId, ro, opts)
	if err != nil {
		im.logFailure(companyId, ro, opts, err)
		return nil, err
	}
	res, err := im.apply(ctx, companyId, ro, m, opts, &dbLookup{db: im.db, companyId: companyId})
	if err != nil {
		span.RecordError(err)
		im.logFailure(companyId, ro, opts, err)
		return nil, err
	}
	metrics.OrdersImported.WithLabelValues(opts.TriggeredBy, string(res.Outcome)).Inc()
	return res, nil
}

// ImportBatch imports a page of remote orders. Lookups for the whole page are
// prefetched up front; a failing order is counted and the page continues.
// The returned error is reserved for failures that affect the whole page.
func (im *Importer) ImportBatch(ctx context.Context, companyId string, orders []RemoteOrder, opts ImportOptions) (BatchResult, error) {
	var res BatchResult
	if len(orders) == 0 {
		return res, nil
	}
	ctx = utils.TenantContext(ctx, companyId)
	ctx, span := im.tracer.Start(ctx, "ordersync.ImportBatch", trace.WithAttributes(
		attribute.String("company_id", companyId),
		attribute.Int("orders", len(orders)),
	))
	defer span.End()

	mapped := make([]*mappedOrder, len(orders))
	mapErrs := make([]error, len(orders))
	for i := range orders {
		mapped[i], mapErrs[i] = im.prepare(companyId, &orders[i], opts)
	}

	lk, err := prefetchBatch(ctx, im.db, companyId, collectBatchKeys(mapped))
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	for i := range orders {
		ro := &orders[i]
		err := mapErrs[i]
		var out *ImportResult
		if err == nil {
			out, err = im.apply(ctx, companyId, ro, mapped[i], opts, lk)
		}
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, im.logFailure(companyId, ro, opts, err))
			metrics.OrdersImported.WithLabelValues(opts.TriggeredBy, "failed").Inc()
			continue
		}
		res.count(out.Outcome)
		metrics.OrdersImported.WithLabelValues(opts.TriggeredBy, string(out.Outcome)).Inc()
	}
	return res, nil
}

func (im *Importer) prepare(companyId string, ro *RemoteOrder, opts ImportOptions) (*mappedOrder, error) {
	status, tier := ResolveStatus(ro.Status, opts.StatusOverrides)
	if tier == TierHeuristic {
		im.logger.WithFields(logrus.Fields{
			"company_id":    companyId,
			"external_id":   ro.ID.String(),
			"remote_status": ro.Status,
			"local_status":  status,
		}).Warn("remote status resolved by keyword guess; add a status mapping to make it explicit")
		metrics.StatusHeuristic.WithLabelValues(string(status)).Inc()
	}
	m, err := mapRemoteOrder(companyId, ro, status, im.phoneRegion, im.now())
	if err != nil {
		return nil, err
	}
	if m.subtotalAdjusted {
		im.logger.WithFields(logrus.Fields{
			"company_id":  companyId,
			"external_id": ro.ID.String(),
			"subtotal":    m.order.Subtotal.String(),
			"total":       m.order.Total.String(),
		}).Warn("line subtotals disagree with order total; subtotal reconciled from total")
	}
	return m, nil
}

func (im *Importer) apply(ctx context.Context, companyId string, ro *RemoteOrder, m *mappedOrder, opts ImportOptions, lk orderLookup) (*ImportResult, error) {
	existing, err := lk.findOrder(ctx, m.order.ExternalIdValue(), m.order.OrderNumber)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return im.reconcile(ctx, companyId, ro, existing, m, opts, lk)
	}

	res, err := im.create(ctx, companyId, ro, m, opts, lk)
	if err != nil && utils.IsDuplicateKeyErr(err) {
		// Another writer linked the same order first; retry against the database.
		fresh := &dbLookup{db: im.db, companyId: companyId}
		existing, ferr := fresh.findOrder(ctx, m.order.ExternalIdValue(), m.order.OrderNumber)
		if ferr == nil && existing != nil {
			lk.rememberOrder(existing)
			return im.reconcile(ctx, companyId, ro, existing, m, opts, lk)
		}
	}
	return res, err
}

func (im *Importer) reconcile(ctx context.Context, companyId string, ro *RemoteOrder, existing *models.Order, m *mappedOrder, opts ImportOptions, lk orderLookup) (*ImportResult, error) {
	if opts.DuplicateAction != DuplicateUpdate {
		return &ImportResult{Outcome: OutcomeSkipped, Order: existing}, nil
	}
	if im.echo.Matches(ctx, companyId, m.order.ExternalIdValue(), ro.Status) {
		im.logger.WithFields(logrus.Fields{
			"company_id":  companyId,
			"external_id": m.order.ExternalIdValue(),
			"status":      ro.Status,
		}).Debug("skipping echo of our own export")
		return &ImportResult{Outcome: OutcomeSkipped, Order: existing}, nil
	}

	var newCustomer *models.Customer
	customerId := existing.CustomerId
	if customerId == nil {
		c, isNew, err := im.resolveCustomer(ctx, companyId, ro, m, lk)
		if err != nil {
			return nil, err
		}
		if c != nil {
			customerId = &c.ID
			if isNew {
				newCustomer = c
			}
		}
	}
	items, err := im.resolveItems(ctx, m, lk)
	if err != nil {
		return nil, err
	}

	merged := m.order
	merged.ID = existing.ID
	merged.OrderNumber = existing.OrderNumber
	merged.CreatedAt = existing.CreatedAt
	merged.CustomerId = customerId

	err = im.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if newCustomer != nil {
			if err := tx.Create(newCustomer).Error; err != nil {
				return err
			}
			merged.CustomerId = &newCustomer.ID
		}
		cols := m.updateColumns()
		cols["customer_id"] = merged.CustomerId
		if err := tx.Model(&models.Order{}).
			Where("id = ? AND company_id = ?", existing.ID, companyId).
			Updates(cols).Error; err != nil {
			return err
		}
		if len(items) > 0 {
			if err := tx.Where("order_id = ? AND company_id = ?", existing.ID, companyId).
				Delete(&models.OrderItem{}).Error; err != nil {
				return err
			}
			for i := range items {
				items[i].OrderId = existing.ID
			}
			if err := tx.Create(&items).Error; err != nil {
				return err
			}
		}
		if existing.Status != merged.Status {
			return tx.Create(&models.OrderStatusHistory{
				OrderId:    existing.ID,
				CompanyId:  companyId,
				FromStatus: existing.Status,
				ToStatus:   merged.Status,
				Source:     historySource(opts.TriggeredBy),
				Note:       "remote status " + ro.Status,
			}).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if newCustomer != nil {
		lk.rememberCustomer(newCustomer)
	}
	if len(items) > 0 {
		merged.Items = items
	}
	// keep the prefetched pointer current for later orders in the page
	*existing = merged
	lk.rememberOrder(existing)
	return &ImportResult{Outcome: OutcomeUpdated, Order: existing}, nil
}

func (im *Importer) create(ctx context.Context, companyId string, ro *RemoteOrder, m *mappedOrder, opts ImportOptions, lk orderLookup) (*ImportResult, error) {
	customer, isNew, err := im.resolveCustomer(ctx, companyId, ro, m, lk)
	if err != nil {
		return nil, err
	}
	items, err := im.resolveItems(ctx, m, lk)
	if err != nil {
		return nil, err
	}

	order := m.order
	err = im.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if customer != nil {
			if isNew {
				if err := tx.Create(customer).Error; err != nil {
					return err
				}
			}
			order.CustomerId = &customer.ID
		}
		if err := tx.Create(&order).Error; err != nil {
			return err
		}
		if len(items) > 0 {
			for i := range items {
				items[i].OrderId = order.ID
			}
			if err := tx.Create(&items).Error; err != nil {
				return err
			}
		}
		return tx.Create(&models.OrderStatusHistory{
			OrderId:   order.ID,
			CompanyId: companyId,
			ToStatus:  order.Status,
			Source:    models.HistorySourceImported,
			Note:      "imported via " + utils.FirstNonEmpty(opts.TriggeredBy, models.TriggeredByManual),
		}).Error
	})
	if err != nil {
		if isNew && customer != nil {
			customer.ID = 0
		}
		return nil, err
	}

	if isNew && customer != nil {
		lk.rememberCustomer(customer)
	}
	order.Items = items
	lk.rememberOrder(&order)
	return &ImportResult{Outcome: OutcomeImported, Order: &order}, nil
}

// resolveCustomer finds the customer by email then phone, or prepares a new
// one (not yet saved) when neither matches. Orders with neither key get none.
func (im *Importer) resolveCustomer(ctx context.Context, companyId string, ro *RemoteOrder, m *mappedOrder, lk orderLookup) (*models.Customer, bool, error) {
	if m.email == "" && m.phone == "" {
		return nil, false, nil
	}
	c, err := lk.findCustomer(ctx, m.email, m.phone)
	if err != nil {
		return nil, false, err
	}
	if c != nil {
		return c, false, nil
	}
	nc := newCustomerFor(companyId, ro, m)
	if ro.Billing.Address1 == "" {
		nc.Address = m.order.ShippingAddress
		nc.City = m.order.ShippingCity
		nc.Country = m.order.ShippingCountry
	}
	return nc, true, nil
}

func (im *Importer) resolveItems(ctx context.Context, m *mappedOrder, lk orderLookup) ([]models.OrderItem, error) {
	items := make([]models.OrderItem, 0, len(m.items))
	for i := range m.items {
		it := m.items[i].item
		productId, variantId, err := lk.resolveProduct(ctx, &m.items[i])
		if err != nil {
			return nil, err
		}
		it.ProductId, it.VariantId = productId, variantId
		items = append(items, it)
	}
	return items, nil
}

func (im *Importer) logFailure(companyId string, ro *RemoteOrder, opts ImportOptions, err error) BatchError {
	kind := utils.ClassifyError(err)
	field := ""
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr):
		field = vErr.Field
	case kind == utils.ErrorKindConstraint:
		field = utils.ConstraintField(err)
	}
	im.logger.WithFields(logrus.Fields{
		"company_id":   companyId,
		"external_id":  ro.ID.String(),
		"triggered_by": opts.TriggeredBy,
		"error_kind":   kind,
		"field":        field,
	}).Warn("order import failed: " + err.Error())
	return BatchError{ExternalId: ro.ID.String(), Kind: kind, Field: field, Message: err.Error()}
}

func historySource(triggeredBy string) string {
	switch triggeredBy {
	case models.TriggeredByWebhook:
		return models.HistorySourceWebhook
	case models.TriggeredByPolling:
		return models.HistorySourcePolling
	case models.TriggeredByBatchJob:
		return models.HistorySourceBatchJob
	default:
		return models.HistorySourceImported
	}
}
