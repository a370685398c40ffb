package ordersync

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

func withSecret(s *models.SyncSettings) { s.WebhookSecret = testWebhookSecret }

func signedDelivery(t *testing.T, topic string, payload interface{}) (http.Header, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	h := http.Header{}
	h.Set(HeaderWCWebhookTopic, topic)
	h.Set(HeaderWCWebhookSignature, SignWebhookBody(testWebhookSecret, body))
	return h, body
}

func TestWebhookCreatedImportsOrderOnce(t *testing.T) {
	db := setupTestDB(t)
	e := newTestEngine(t, db, newFakeStore())
	seedSettings(t, db, testCompany, withSecret)

	h, body := signedDelivery(t, TopicOrderCreated, remoteOrder(42, "processing", "aung@example.com"))
	resp := e.Webhooks.Handle(context.Background(), testCompany, h, body)
	assert.Equal(t, http.StatusOK, resp.HTTPStatus)
	assert.True(t, resp.Success)
	assert.EqualValues(t, 1, countRows(t, db, &models.Order{}, "external_id = ?", "42"))

	// redelivery of the same event changes nothing
	resp = e.Webhooks.Handle(context.Background(), testCompany, h, body)
	assert.True(t, resp.Success)
	assert.Equal(t, "order skipped", resp.Message)
	assert.EqualValues(t, 1, countRows(t, db, &models.Order{}, ""))

	var entries []models.SyncLog
	require.NoError(t, db.Order("id").Find(&entries).Error)
	require.Len(t, entries, 2)
	assert.Equal(t, models.SyncLogTypeWebhook, entries[0].Type)
	assert.Equal(t, "order.created:42", entries[0].Reference)
	assert.Equal(t, 1, entries[0].SuccessCount)
	assert.Equal(t, 1, entries[1].SkippedCount)
}

func TestWebhookUpdatedChangesStatus(t *testing.T) {
	db := setupTestDB(t)
	e := newTestEngine(t, db, newFakeStore())
	seedSettings(t, db, testCompany, withSecret)

	h, body := signedDelivery(t, TopicOrderCreated, remoteOrder(42, "processing", ""))
	require.True(t, e.Webhooks.Handle(context.Background(), testCompany, h, body).Success)
	h, body = signedDelivery(t, TopicOrderUpdated, remoteOrder(42, "completed", ""))
	resp := e.Webhooks.Handle(context.Background(), testCompany, h, body)
	require.True(t, resp.Success, resp.Message)

	var order models.Order
	require.NoError(t, db.First(&order).Error)
	assert.Equal(t, models.OrderStatusDelivered, order.Status)
	assert.EqualValues(t, 1, countRows(t, db, &models.OrderStatusHistory{}, "source = ?", models.HistorySourceWebhook))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	db := setupTestDB(t)
	e := newTestEngine(t, db, newFakeStore())
	seedSettings(t, db, testCompany, withSecret)

	h, body := signedDelivery(t, TopicOrderCreated, remoteOrder(42, "processing", ""))
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = ' '
	resp := e.Webhooks.Handle(context.Background(), testCompany, h, tampered)
	assert.Equal(t, http.StatusUnauthorized, resp.HTTPStatus)
	assert.False(t, resp.Success)

	h.Del(HeaderWCWebhookSignature)
	resp = e.Webhooks.Handle(context.Background(), testCompany, h, body)
	assert.Equal(t, http.StatusUnauthorized, resp.HTTPStatus)

	assert.EqualValues(t, 0, countRows(t, db, &models.Order{}, ""))
	assert.EqualValues(t, 2, countRows(t, db, &models.SyncLog{}, "status = ?", models.SyncLogStatusFailed))
}

func TestWebhookDeletedCancelsOrder(t *testing.T) {
	db := setupTestDB(t)
	e := newTestEngine(t, db, newFakeStore())
	seedSettings(t, db, testCompany, withSecret)
	order := seedOrder(t, db, testCompany, "SO-0001", models.OrderStatusProcessing, linkedTo("42"))

	h, body := signedDelivery(t, TopicOrderDeleted, map[string]interface{}{"id": 42})
	resp := e.Webhooks.Handle(context.Background(), testCompany, h, body)
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, "order cancelled", resp.Message)

	var got models.Order
	require.NoError(t, db.First(&got, order.ID).Error)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	require.NotNil(t, got.ExternalStatus)
	assert.Equal(t, "deleted", *got.ExternalStatus)

	var history models.OrderStatusHistory
	require.NoError(t, db.Where("order_id = ?", order.ID).First(&history).Error)
	assert.Equal(t, models.OrderStatusProcessing, history.FromStatus)
	assert.Equal(t, models.OrderStatusCancelled, history.ToStatus)

	// unknown order is a no-op
	h, body = signedDelivery(t, TopicOrderDeleted, map[string]interface{}{"id": 999})
	resp = e.Webhooks.Handle(context.Background(), testCompany, h, body)
	assert.True(t, resp.Success)
	assert.EqualValues(t, 1, countRows(t, db, &models.Order{}, ""))
}

func TestWebhookGates(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(s *models.SyncSettings)
		company string
		success bool
	}{
		{name: "not configured", company: "company-x", success: false},
		{name: "disabled", company: testCompany, mutate: func(s *models.SyncSettings) { s.WebhookEnabled = false }, success: true},
		{name: "export only", company: testCompany, mutate: func(s *models.SyncSettings) { s.SyncDirection = models.SyncDirectionExportOnly }, success: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := setupTestDB(t)
			e := newTestEngine(t, db, newFakeStore())
			seedSettings(t, db, testCompany, tc.mutate)

			body, err := json.Marshal(remoteOrder(42, "processing", ""))
			require.NoError(t, err)
			h := http.Header{}
			h.Set(HeaderWebhookTopic, TopicOrderCreated)
			resp := e.Webhooks.Handle(context.Background(), tc.company, h, body)
			assert.Equal(t, http.StatusOK, resp.HTTPStatus)
			assert.Equal(t, tc.success, resp.Success)
			assert.EqualValues(t, 0, countRows(t, db, &models.Order{}, ""))
		})
	}
}

func TestWebhookPingAndUnsupportedTopics(t *testing.T) {
	db := setupTestDB(t)
	e := newTestEngine(t, db, newFakeStore())
	seedSettings(t, db, testCompany, withSecret)

	h, body := signedDelivery(t, "", map[string]interface{}{"webhook_id": 7})
	resp := e.Webhooks.Handle(context.Background(), testCompany, h, body)
	assert.True(t, resp.Success)
	assert.Equal(t, "ping acknowledged", resp.Message)

	h, body = signedDelivery(t, TopicOrderCreated, map[string]interface{}{"webhook_id": 7})
	resp = e.Webhooks.Handle(context.Background(), testCompany, h, body)
	assert.True(t, resp.Success)

	h, body = signedDelivery(t, "product.updated", remoteOrder(42, "processing", ""))
	resp = e.Webhooks.Handle(context.Background(), testCompany, h, body)
	assert.True(t, resp.Success)
	assert.EqualValues(t, 0, countRows(t, db, &models.Order{}, ""))
	assert.EqualValues(t, 0, countRows(t, db, &models.SyncLog{}, ""))
}

func TestWebhookInvalidPayloadIsLoggedNotRejected(t *testing.T) {
	db := setupTestDB(t)
	e := newTestEngine(t, db, newFakeStore())
	seedSettings(t, db, testCompany, nil)

	bad := remoteOrder(42, "processing", "")
	bad.LineItems[0].Quantity = 0
	body, err := json.Marshal(bad)
	require.NoError(t, err)
	h := http.Header{}
	h.Set(HeaderWebhookTopic, TopicOrderCreated)

	resp := e.Webhooks.Handle(context.Background(), testCompany, h, body)
	assert.Equal(t, http.StatusOK, resp.HTTPStatus)
	assert.False(t, resp.Success)
	assert.EqualValues(t, 1, countRows(t, db, &models.SyncLog{}, "status = ?", models.SyncLogStatusFailed))
}
