package ordersync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/metrics"
	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	HeaderWebhookSignature   = "X-Webhook-Signature"
	HeaderWebhookTopic       = "X-Webhook-Topic"
	HeaderWCWebhookSignature = "X-WC-Webhook-Signature"
	HeaderWCWebhookTopic     = "X-WC-Webhook-Topic"
)

const (
	TopicOrderCreated = "order.created"
	TopicOrderUpdated = "order.updated"
	TopicOrderDeleted = "order.deleted"
)

// remote status recorded for orders deleted on the store
const remoteStatusDeleted = "deleted"

// WebhookResponse is what the store sees. HTTPStatus is 200 for everything
// except signature failures.
type WebhookResponse struct {
	HTTPStatus int    `json:"-"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
}

func webhookOK(success bool, msg string) *WebhookResponse {
	return &WebhookResponse{HTTPStatus: http.StatusOK, Success: success, Message: msg}
}

// SignWebhookBody returns the base64 HMAC-SHA256 of body under secret.
func SignWebhookBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func verifyWebhookSignature(secret string, body []byte, signature string) bool {
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func headerFirst(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(h.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

// WebhookIngestor applies signed order pushes from the store.
type WebhookIngestor struct {
	db       *gorm.DB
	logger   *logrus.Logger
	settings *SettingsService
	importer *Importer
	ledger   *Ledger
	now      func() time.Time
}

func NewWebhookIngestor(db *gorm.DB, logger *logrus.Logger, settings *SettingsService, importer *Importer, ledger *Ledger) *WebhookIngestor {
	return &WebhookIngestor{db: db, logger: logger, settings: settings, importer: importer, ledger: ledger, now: time.Now}
}

// Handle runs received -> signature-checked -> topic-dispatched -> applied.
// Failures after the signature gate are reported in the ledger and logs, never
// in the HTTP status.
func (w *WebhookIngestor) Handle(ctx context.Context, companyId string, headers http.Header, body []byte) *WebhookResponse {
	ctx = utils.TenantContext(ctx, companyId)
	topic := strings.ToLower(headerFirst(headers, HeaderWebhookTopic, HeaderWCWebhookTopic))
	log := w.logger.WithFields(logrus.Fields{"company_id": companyId, "topic": topic})

	st, err := w.settings.Get(ctx, companyId)
	if err != nil {
		if !errors.Is(err, ErrSettingsNotFound) {
			log.Error("webhook settings lookup failed: " + err.Error())
		}
		metrics.Webhooks.WithLabelValues(topic, "ignored").Inc()
		return webhookOK(false, "webhook not configured for this company")
	}
	if !st.WebhookEnabled {
		metrics.Webhooks.WithLabelValues(topic, "ignored").Inc()
		return webhookOK(true, "webhooks are disabled; ignored")
	}
	if !st.SyncDirection.AllowsImport() {
		metrics.Webhooks.WithLabelValues(topic, "ignored").Inc()
		return webhookOK(true, "sync direction is export only; ignored")
	}

	if st.WebhookSecret != "" {
		sig := headerFirst(headers, HeaderWebhookSignature, HeaderWCWebhookSignature)
		reason := ""
		switch {
		case sig == "":
			reason = "missing webhook signature"
		case !verifyWebhookSignature(st.WebhookSecret, body, sig):
			reason = "invalid webhook signature"
		}
		if reason != "" {
			log.Warn(reason)
			metrics.Webhooks.WithLabelValues(topic, "rejected").Inc()
			w.ledger.recordQuietly(ctx, w.entry(companyId, topic, ""), LedgerOutcome{Total: 1, Failed: 1, ErrorMessage: reason})
			return &WebhookResponse{HTTPStatus: http.StatusUnauthorized, Success: false, Message: reason}
		}
	}

	if topic == "" {
		metrics.Webhooks.WithLabelValues("ping", "ok").Inc()
		return webhookOK(true, "ping acknowledged")
	}

	var ro RemoteOrder
	if err := json.Unmarshal(body, &ro); err != nil {
		return w.fail(ctx, log, companyId, topic, "", utils.NewValidationError("body", "invalid order payload: %s", err.Error()))
	}
	if ro.ID.IsZero() {
		// the store's webhook creation ping posts {"webhook_id": n}
		if topic != TopicOrderDeleted {
			metrics.Webhooks.WithLabelValues(topic, "ignored").Inc()
			return webhookOK(true, "no order id in payload; ignored")
		}
		return w.fail(ctx, log, companyId, topic, "", utils.NewValidationError("id", "external order id is required"))
	}

	opts := ImportOptions{
		StatusOverrides: statusOverrides(st),
		TriggeredBy:     models.TriggeredByWebhook,
	}
	var (
		msg     string
		outcome LedgerOutcome
	)
	switch topic {
	case TopicOrderCreated, TopicOrderUpdated:
		opts.DuplicateAction = DuplicateSkip
		if topic == TopicOrderUpdated {
			// falls back to creation when the created event was missed
			opts.DuplicateAction = DuplicateUpdate
		}
		res, err := w.importer.ImportOne(ctx, companyId, &ro, opts)
		if err != nil {
			return w.fail(ctx, log, companyId, topic, ro.ID.String(), err)
		}
		msg = "order " + string(res.Outcome)
		outcome = LedgerOutcome{Total: 1}
		if res.Outcome == OutcomeSkipped {
			outcome.Skipped = 1
		} else {
			outcome.Success = 1
		}
	case TopicOrderDeleted:
		found, err := w.cancelDeleted(ctx, companyId, ro.ID.String())
		if err != nil {
			return w.fail(ctx, log, companyId, topic, ro.ID.String(), err)
		}
		outcome = LedgerOutcome{Total: 1}
		if found {
			msg = "order cancelled"
			outcome.Success = 1
		} else {
			msg = "order not found locally; nothing to cancel"
			outcome.Skipped = 1
		}
	default:
		metrics.Webhooks.WithLabelValues(topic, "ignored").Inc()
		return webhookOK(true, "unsupported topic "+topic+"; ignored")
	}

	metrics.Webhooks.WithLabelValues(topic, "ok").Inc()
	w.ledger.recordQuietly(ctx, w.entry(companyId, topic, ro.ID.String()), outcome)
	log.WithField("external_id", ro.ID.String()).Info("webhook applied: " + msg)
	return webhookOK(true, msg)
}

func (w *WebhookIngestor) entry(companyId, topic, externalId string) LedgerEntry {
	ref := topic
	if externalId != "" {
		ref = topic + ":" + externalId
	}
	return LedgerEntry{
		CompanyId:   companyId,
		Type:        models.SyncLogTypeWebhook,
		Direction:   models.SyncLogDirectionImport,
		TriggeredBy: models.TriggeredByWebhook,
		Reference:   truncate(ref, 100),
	}
}

func (w *WebhookIngestor) fail(ctx context.Context, log *logrus.Entry, companyId, topic, externalId string, err error) *WebhookResponse {
	log.WithFields(logrus.Fields{
		"external_id": externalId,
		"error_kind":  utils.ClassifyError(err),
	}).Error("webhook processing failed: " + err.Error())
	metrics.Webhooks.WithLabelValues(topic, "failed").Inc()
	w.ledger.recordQuietly(ctx, w.entry(companyId, topic, externalId), LedgerOutcome{Total: 1, Failed: 1, ErrorMessage: err.Error()})
	return webhookOK(false, "webhook processing failed: "+err.Error())
}

// cancelDeleted moves a remotely deleted order to CANCELLED. Rows are never removed.
func (w *WebhookIngestor) cancelDeleted(ctx context.Context, companyId, externalId string) (bool, error) {
	var order models.Order
	err := w.db.WithContext(ctx).Where("company_id = ? AND external_id = ?", companyId, externalId).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := w.now()
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Order{}).
			Where("id = ? AND company_id = ?", order.ID, companyId).
			Updates(map[string]interface{}{
				"status":               models.OrderStatusCancelled,
				"external_status":      remoteStatusDeleted,
				"synced_from_external": true,
				"synced_to_external":   false,
				"last_sync_at":         now,
			}).Error; err != nil {
			return err
		}
		if order.Status == models.OrderStatusCancelled {
			return nil
		}
		return tx.Create(&models.OrderStatusHistory{
			OrderId:    order.ID,
			CompanyId:  companyId,
			FromStatus: order.Status,
			ToStatus:   models.OrderStatusCancelled,
			Source:     models.HistorySourceWebhook,
			Note:       "deleted on remote store",
		}).Error
	})
	return err == nil, err
}
