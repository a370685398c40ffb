package ordersync

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestImporter(db *gorm.DB) *Importer {
	return NewImporter(db, testLogger(), NewMemoryEchoGuard(time.Minute), "MM")
}

func TestImportOneCreatesOrderWithCustomerItemsAndHistory(t *testing.T) {
	db := setupTestDB(t)
	im := newTestImporter(db)
	ro := remoteOrder(42, "processing", "aung@example.com")

	res, err := im.ImportOne(context.Background(), testCompany, &ro, ImportOptions{TriggeredBy: models.TriggeredByManual})
	require.NoError(t, err)
	assert.Equal(t, OutcomeImported, res.Outcome)

	var order models.Order
	require.NoError(t, db.Preload("Items").Where("external_id = ?", "42").First(&order).Error)
	assert.Equal(t, testCompany, order.CompanyId)
	assert.Equal(t, "EXT-42", order.OrderNumber)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	assert.True(t, order.SyncedFromExternal)
	require.NotNil(t, order.CustomerId)
	require.Len(t, order.Items, 1)
	assert.Equal(t, testCompany, order.Items[0].CompanyId)

	var customer models.Customer
	require.NoError(t, db.First(&customer, *order.CustomerId).Error)
	assert.Equal(t, "aung@example.com", customer.Email)
	assert.Equal(t, "Aung Min", customer.Name)
	assert.Equal(t, "Yangon", customer.City)

	var history []models.OrderStatusHistory
	require.NoError(t, db.Where("order_id = ?", order.ID).Find(&history).Error)
	require.Len(t, history, 1)
	assert.Equal(t, models.HistorySourceImported, history[0].Source)
	assert.Equal(t, models.OrderStatusProcessing, history[0].ToStatus)
}

func TestImportOneSkipsKnownOrder(t *testing.T) {
	db := setupTestDB(t)
	im := newTestImporter(db)
	ro := remoteOrder(42, "processing", "aung@example.com")
	_, err := im.ImportOne(context.Background(), testCompany, &ro, ImportOptions{})
	require.NoError(t, err)

	ro.Status = "completed"
	res, err := im.ImportOne(context.Background(), testCompany, &ro, ImportOptions{DuplicateAction: DuplicateSkip})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	assert.EqualValues(t, 1, countRows(t, db, &models.Order{}, ""))
	assert.EqualValues(t, 1, countRows(t, db, &models.OrderStatusHistory{}, ""))
	var order models.Order
	require.NoError(t, db.First(&order).Error)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
}

func TestImportOneUpdateRecordsStatusChange(t *testing.T) {
	db := setupTestDB(t)
	im := newTestImporter(db)
	ro := remoteOrder(42, "processing", "aung@example.com")
	_, err := im.ImportOne(context.Background(), testCompany, &ro, ImportOptions{})
	require.NoError(t, err)

	ro.Status = "completed"
	ro.Total = NewAmount("35.00")
	ro.ShippingTotal = NewAmount("15.00")
	opts := ImportOptions{DuplicateAction: DuplicateUpdate, TriggeredBy: models.TriggeredByPolling}
	res, err := im.ImportOne(context.Background(), testCompany, &ro, opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	var order models.Order
	require.NoError(t, db.First(&order).Error)
	assert.Equal(t, models.OrderStatusDelivered, order.Status)
	assert.True(t, order.Total.Equal(NewAmount("35").Decimal), order.Total.String())
	assert.Equal(t, "EXT-42", order.OrderNumber)

	var history []models.OrderStatusHistory
	require.NoError(t, db.Order("id").Find(&history).Error)
	require.Len(t, history, 2)
	assert.Equal(t, models.OrderStatusProcessing, history[1].FromStatus)
	assert.Equal(t, models.OrderStatusDelivered, history[1].ToStatus)
	assert.Equal(t, models.HistorySourcePolling, history[1].Source)

	// same status again: fields refresh, history does not grow
	res, err = im.ImportOne(context.Background(), testCompany, &ro, opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.EqualValues(t, 2, countRows(t, db, &models.OrderStatusHistory{}, ""))
	assert.EqualValues(t, 1, countRows(t, db, &models.OrderItem{}, ""))
	assert.EqualValues(t, 1, countRows(t, db, &models.Customer{}, ""))
}

func TestImportOneLinksLocalOrderByNumber(t *testing.T) {
	db := setupTestDB(t)
	local := seedOrder(t, db, testCompany, "SO-0001", models.OrderStatusPending, nil)
	im := newTestImporter(db)

	ro := remoteOrder(7, "processing", "aung@example.com")
	ro.MetaData = []RemoteMeta{{Key: metaLocalOrderNumber, Value: "SO-0001"}}
	res, err := im.ImportOne(context.Background(), testCompany, &ro, ImportOptions{DuplicateAction: DuplicateUpdate})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	assert.EqualValues(t, 1, countRows(t, db, &models.Order{}, ""))
	var order models.Order
	require.NoError(t, db.First(&order, local.ID).Error)
	assert.Equal(t, "7", order.ExternalIdValue())
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
}

func TestImportOneKeepsTenantsApart(t *testing.T) {
	db := setupTestDB(t)
	im := newTestImporter(db)
	ro := remoteOrder(42, "processing", "aung@example.com")

	_, err := im.ImportOne(context.Background(), testCompany, &ro, ImportOptions{})
	require.NoError(t, err)
	res, err := im.ImportOne(context.Background(), "company-b", &ro, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeImported, res.Outcome)

	assert.EqualValues(t, 1, countRows(t, db, &models.Order{}, "company_id = ?", testCompany))
	assert.EqualValues(t, 1, countRows(t, db, &models.Order{}, "company_id = ?", "company-b"))
	assert.EqualValues(t, 2, countRows(t, db, &models.Customer{}, ""))
}

func TestImportOneResolvesProductsBySku(t *testing.T) {
	db := setupTestDB(t)
	product := &models.Product{CompanyId: testCompany, Name: "T-Shirt", Sku: "TS-01"}
	require.NoError(t, db.Create(product).Error)
	im := newTestImporter(db)

	ro := remoteOrder(42, "processing", "")
	_, err := im.ImportOne(context.Background(), testCompany, &ro, ImportOptions{})
	require.NoError(t, err)

	var item models.OrderItem
	require.NoError(t, db.First(&item).Error)
	require.NotNil(t, item.ProductId)
	assert.Equal(t, product.ID, *item.ProductId)
	assert.Nil(t, item.VariantId)
}

func TestImportOneWithoutContactCreatesNoCustomer(t *testing.T) {
	db := setupTestDB(t)
	im := newTestImporter(db)
	ro := remoteOrder(42, "processing", "")

	_, err := im.ImportOne(context.Background(), testCompany, &ro, ImportOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, countRows(t, db, &models.Customer{}, ""))
	var order models.Order
	require.NoError(t, db.First(&order).Error)
	assert.Nil(t, order.CustomerId)
}

func TestImportBatchSharesCustomerWithinPage(t *testing.T) {
	db := setupTestDB(t)
	im := newTestImporter(db)
	orders := []RemoteOrder{
		remoteOrder(1, "processing", "same@example.com"),
		remoteOrder(2, "pending", "SAME@example.com"),
	}
	orders[1].Billing.FirstName = "Other"

	res, err := im.ImportBatch(context.Background(), testCompany, orders, ImportOptions{TriggeredBy: models.TriggeredByPolling})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, models.SyncLogStatusSuccess, res.Status())

	assert.EqualValues(t, 1, countRows(t, db, &models.Customer{}, ""))
	var got []models.Order
	require.NoError(t, db.Order("id").Find(&got).Error)
	require.Len(t, got, 2)
	assert.Equal(t, *got[0].CustomerId, *got[1].CustomerId)
}

func TestImportBatchDedupesRepeatedOrderInPage(t *testing.T) {
	db := setupTestDB(t)
	im := newTestImporter(db)
	first := remoteOrder(1, "processing", "a@example.com")
	again := first
	again.Status = "completed"

	res, err := im.ImportBatch(context.Background(), testCompany, []RemoteOrder{first, again}, ImportOptions{DuplicateAction: DuplicateUpdate})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Updated)
	assert.EqualValues(t, 1, countRows(t, db, &models.Order{}, ""))
	var order models.Order
	require.NoError(t, db.First(&order).Error)
	assert.Equal(t, models.OrderStatusDelivered, order.Status)
}

func TestImportBatchCountsFailuresAndContinues(t *testing.T) {
	db := setupTestDB(t)
	im := newTestImporter(db)
	bad := remoteOrder(2, "processing", "")
	bad.LineItems[0].Quantity = 0
	orders := []RemoteOrder{remoteOrder(1, "processing", ""), bad, remoteOrder(3, "processing", "")}

	res, err := im.ImportBatch(context.Background(), testCompany, orders, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.Total())
	assert.Equal(t, models.SyncLogStatusPartial, res.Status())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "2", res.Errors[0].ExternalId)
	assert.Equal(t, utils.ErrorKindValidation, res.Errors[0].Kind)
	assert.Equal(t, "line_items[0].quantity", res.Errors[0].Field)
	assert.EqualValues(t, 2, countRows(t, db, &models.Order{}, ""))
}

func TestImportSkipsEchoOfOwnExport(t *testing.T) {
	db := setupTestDB(t)
	echo := NewMemoryEchoGuard(time.Minute)
	im := NewImporter(db, testLogger(), echo, "MM")
	ro := remoteOrder(42, "processing", "")
	_, err := im.ImportOne(context.Background(), testCompany, &ro, ImportOptions{})
	require.NoError(t, err)

	echo.Mark(context.Background(), testCompany, "42", "Completed")
	ro.Status = "completed"
	res, err := im.ImportOne(context.Background(), testCompany, &ro, ImportOptions{DuplicateAction: DuplicateUpdate})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	// a different status is a real remote change
	ro.Status = "cancelled"
	res, err = im.ImportOne(context.Background(), testCompany, &ro, ImportOptions{DuplicateAction: DuplicateUpdate})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
}

func TestImportRecoversWhenAnotherWriterLinksTheOrderFirst(t *testing.T) {
	tests := []struct {
		action  DuplicateAction
		want    ImportOutcome
		status  models.OrderStatus
		history int64
	}{
		{DuplicateSkip, OutcomeSkipped, models.OrderStatusProcessing, 1},
		{DuplicateUpdate, OutcomeUpdated, models.OrderStatusDelivered, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			db := setupTestDB(t)
			poller := newTestImporter(db)
			batchJob := newTestImporter(db)
			ctx := utils.TenantContext(context.Background(), testCompany)

			ro := remoteOrder(42, "completed", "race@example.com")
			opts := ImportOptions{DuplicateAction: tt.action, TriggeredBy: models.TriggeredByPolling}
			m, err := poller.prepare(testCompany, &ro, opts)
			require.NoError(t, err)
			lk, err := prefetchBatch(ctx, db, testCompany, collectBatchKeys([]*mappedOrder{m}))
			require.NoError(t, err)

			// the batch job links the same order after the page was prefetched
			earlier := remoteOrder(42, "processing", "race@example.com")
			_, err = batchJob.ImportOne(context.Background(), testCompany, &earlier,
				ImportOptions{DuplicateAction: DuplicateSkip, TriggeredBy: models.TriggeredByBatchJob})
			require.NoError(t, err)

			res, err := poller.apply(ctx, testCompany, &ro, m, opts, lk)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)

			assert.EqualValues(t, 1, countRows(t, db, &models.Order{}, ""))
			assert.EqualValues(t, 1, countRows(t, db, &models.Customer{}, ""))
			assert.EqualValues(t, tt.history, countRows(t, db, &models.OrderStatusHistory{}, ""))
			var order models.Order
			require.NoError(t, db.Where("external_id = ?", "42").First(&order).Error)
			assert.Equal(t, tt.status, order.Status)

			// the stale lookup now resolves the order, so the rest of the page reconciles
			found, err := lk.findOrder(ctx, "42", "EXT-42")
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, order.ID, found.ID)
		})
	}
}
