package ordersync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/metrics"
	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type ExportStatus string

const (
	ExportCreated ExportStatus = "created"
	ExportUpdated ExportStatus = "updated"
)

type ExportResult struct {
	OrderId     uint         `json:"orderId"`
	OrderNumber string       `json:"orderNumber,omitempty"`
	Success     bool         `json:"success"`
	Status      ExportStatus `json:"status,omitempty"`
	ExternalId  string       `json:"externalId,omitempty"`
	Message     string       `json:"message,omitempty"`
	Remote      *RemoteOrder `json:"-"`
}

type ExportSummary struct {
	Status    string         `json:"status"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Results   []ExportResult `json:"results"`
}

// Exporter pushes local orders to the store.
type Exporter struct {
	db       *gorm.DB
	logger   *logrus.Logger
	settings *SettingsService
	clients  ClientFactory
	echo     EchoGuard
	ledger   *Ledger
	now      func() time.Time
	tracer   trace.Tracer
}

func NewExporter(db *gorm.DB, logger *logrus.Logger, settings *SettingsService, clients ClientFactory, echo EchoGuard, ledger *Ledger) *Exporter {
	if echo == nil {
		echo = NewMemoryEchoGuard(0)
	}
	return &Exporter{
		db:       db,
		logger:   logger,
		settings: settings,
		clients:  clients,
		echo:     echo,
		ledger:   ledger,
		now:      time.Now,
		tracer:   otel.Tracer("ordersync/exporter"),
	}
}

func (ex *Exporter) clientFor(ctx context.Context, companyId string) (*models.SyncSettings, RemoteClient, error) {
	st, err := ex.settings.Get(ctx, companyId)
	if err != nil {
		return nil, nil, err
	}
	if !st.SyncDirection.AllowsExport() {
		return nil, nil, fmt.Errorf("%w: direction is %s", ErrDirectionDisabled, st.SyncDirection)
	}
	client, err := ex.clients(st)
	if err != nil {
		return nil, nil, err
	}
	return st, client, nil
}

// ExportOne creates or updates the remote copy of one local order.
func (ex *Exporter) ExportOne(ctx context.Context, companyId string, orderId uint) (*ExportResult, error) {
	ctx = utils.TenantContext(ctx, companyId)
	st, client, err := ex.clientFor(ctx, companyId)
	if err != nil {
		return nil, err
	}
	res, err := ex.export(ctx, st, client, orderId)
	if err != nil {
		metrics.OrdersExported.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.OrdersExported.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

// ExportMany exports each order independently and records one ledger entry.
func (ex *Exporter) ExportMany(ctx context.Context, companyId string, orderIds []uint) (*ExportSummary, error) {
	ctx = utils.TenantContext(ctx, companyId)
	st, client, err := ex.clientFor(ctx, companyId)
	if err != nil {
		return nil, err
	}

	entry, err := ex.ledger.Begin(ctx, LedgerEntry{
		CompanyId:   companyId,
		Type:        models.SyncLogTypeOrderExport,
		Direction:   models.SyncLogDirectionExport,
		TriggeredBy: models.TriggeredByManual,
	})
	if err != nil {
		return nil, err
	}

	summary := &ExportSummary{Results: make([]ExportResult, 0, len(orderIds))}
	var lastErr string
	for _, id := range orderIds {
		res, err := ex.export(ctx, st, client, id)
		if err != nil {
			summary.Failed++
			lastErr = err.Error()
			summary.Results = append(summary.Results, ExportResult{OrderId: id, Success: false, Message: err.Error()})
			metrics.OrdersExported.WithLabelValues("failed").Inc()
			ex.logger.WithFields(logrus.Fields{
				"company_id": companyId,
				"order_id":   id,
				"error_kind": utils.ClassifyError(err),
			}).Warn("order export failed: " + err.Error())
			continue
		}
		summary.Succeeded++
		summary.Results = append(summary.Results, *res)
		metrics.OrdersExported.WithLabelValues(string(res.Status)).Inc()
	}
	out := LedgerOutcome{Total: len(orderIds), Success: summary.Succeeded, Failed: summary.Failed}
	if summary.Failed > 0 {
		out.ErrorMessage = lastErr
	}
	summary.Status = out.status()
	ex.ledger.completeQuietly(ctx, entry, out)
	return summary, nil
}

func (ex *Exporter) export(ctx context.Context, st *models.SyncSettings, client RemoteClient, orderId uint) (*ExportResult, error) {
	ctx, span := ex.tracer.Start(ctx, "ordersync.ExportOne", trace.WithAttributes(
		attribute.String("company_id", st.CompanyId),
		attribute.Int64("order_id", int64(orderId)),
	))
	defer span.End()

	var order models.Order
	err := ex.db.WithContext(ctx).
		Preload("Items").
		Preload("Customer").
		Where("id = ? AND company_id = ?", orderId, st.CompanyId).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	input := buildRemoteInput(&order, statusOverrides(st))
	status := ExportCreated
	extId := order.ExternalIdValue()
	if extId != "" {
		_, err := getOrder(ctx, client, extId)
		switch code := remoteStatus(err); {
		case err == nil:
			status = ExportUpdated
		case code == http.StatusNotFound || code == http.StatusBadRequest:
			// gone remotely; recreate
			ex.logger.WithFields(logrus.Fields{
				"company_id":  st.CompanyId,
				"external_id": extId,
				"order_id":    order.ID,
			}).Info("linked remote order no longer exists, recreating")
		default:
			span.RecordError(err)
			return nil, err
		}
	}

	var remote RemoteOrder
	if status == ExportCreated {
		input.LineItems = lineItemsFor(&order)
		err = client.Create(ctx, resourceOrders, input, &remote)
	} else {
		// the store appends line_items on update, so they are only sent on create
		err = client.Update(ctx, resourceOrders, extId, input, &remote)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if remote.ID.IsZero() {
		return nil, fmt.Errorf("store returned no order id for %s", order.OrderNumber)
	}

	now := ex.now()
	newExt := remote.ID.String()
	err = ex.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND company_id = ?", order.ID, st.CompanyId).
		Updates(map[string]interface{}{
			"external_id":          newExt,
			"external_order_key":   utils.NilIfEmpty(remote.OrderKey),
			"external_status":      utils.NilIfEmpty(normalizeRemoteStatus(remote.Status)),
			"synced_to_external":   true,
			"synced_from_external": false,
			"last_sync_at":         now,
		}).Error
	if err != nil {
		return nil, err
	}
	ex.echo.Mark(ctx, st.CompanyId, newExt, remote.Status)

	return &ExportResult{
		OrderId:     order.ID,
		OrderNumber: order.OrderNumber,
		Success:     true,
		Status:      status,
		ExternalId:  newExt,
		Remote:      &remote,
	}, nil
}

// buildRemoteInput maps the order header. Line items are added by the caller
// for creates only.
func buildRemoteInput(o *models.Order, overrides map[string]string) remoteOrderInput {
	billing := billingFor(o)
	shipping := RemoteAddress{
		FirstName: billing.FirstName,
		LastName:  billing.LastName,
		Address1:  billing.Address1,
		City:      billing.City,
		State:     billing.State,
		Postcode:  billing.Postcode,
		Country:   billing.Country,
	}
	in := remoteOrderInput{
		Status:       StatusToExternal(o.Status, overrides),
		Currency:     o.Currency,
		CustomerNote: o.Notes,
		Billing:      &billing,
		Shipping:     &shipping,
		MetaData:     []RemoteMeta{{Key: metaLocalOrderNumber, Value: o.OrderNumber}},
	}
	if o.ShippingFee.IsPositive() {
		in.ShippingLines = []remoteShippingLine{{
			MethodID:    "flat_rate",
			MethodTitle: "Shipping",
			Total:       o.ShippingFee.StringFixed(2),
		}}
	}
	return in
}

// billingFor prefers the linked customer record, then the order snapshot.
func billingFor(o *models.Order) RemoteAddress {
	name := o.CustomerName
	email := o.CustomerEmail
	phone := o.CustomerPhone
	if c := o.Customer; c != nil {
		if c.Name != "" && c.Name != models.PlaceholderCustomerName {
			name = c.Name
		}
		email = utils.FirstNonEmpty(c.Email, email)
		phone = utils.FirstNonEmpty(phone, c.Phone)
	}
	first, last := utils.SplitName(name)
	email = strings.TrimSpace(email)
	if !utils.IsValidEmail(email) {
		email = ""
	}
	return RemoteAddress{
		FirstName: first,
		LastName:  last,
		Address1:  o.ShippingAddress,
		City:      o.ShippingCity,
		State:     o.ShippingState,
		Postcode:  o.ShippingPostcode,
		Country:   o.ShippingCountry,
		Email:     email,
		Phone:     phone,
	}
}

func lineItemsFor(o *models.Order) []remoteLineItemInput {
	items := make([]remoteLineItemInput, 0, len(o.Items))
	for _, it := range o.Items {
		total := it.LineTotal
		if total.IsZero() {
			total = it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
		}
		li := remoteLineItemInput{
			Name:     joinNonEmpty(" - ", it.Name, it.Color, it.Size, it.Detail),
			SKU:      it.Sku,
			Quantity: it.Quantity,
			Subtotal: total.StringFixed(2),
			Total:    total.StringFixed(2),
		}
		if id, err := strconv.ParseInt(it.ExternalProductId, 10, 64); err == nil && id > 0 {
			li.ProductID = id
		}
		items = append(items, li)
	}
	return items
}
