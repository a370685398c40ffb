package ordersync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/config"
	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testCompany = "company-a"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one connection keeps every query on the same in-memory database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	config.InstallPlugins(db)
	require.NoError(t, models.MigrateTable(db))
	return db
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testSyncConfig() config.SyncConfig {
	cfg := config.DefaultSyncConfig()
	cfg.JobPageDelayMs = 0
	cfg.PollPageSize = 2
	cfg.PollMaxPages = 5
	return cfg
}

func newTestEngine(t *testing.T, db *gorm.DB, store *fakeStore) *Engine {
	t.Helper()
	e := NewEngine(Options{
		DB:     db,
		Logger: testLogger(),
		Config: testSyncConfig(),
		Clients: func(s *models.SyncSettings) (RemoteClient, error) {
			if s == nil {
				return nil, ErrSettingsNotFound
			}
			return store, nil
		},
	})
	e.Jobs.SetDispatcher(DispatcherFunc(func(context.Context, *models.ImportJob) error { return nil }))
	return e
}

func seedSettings(t *testing.T, db *gorm.DB, companyId string, mutate func(s *models.SyncSettings)) *models.SyncSettings {
	t.Helper()
	s := &models.SyncSettings{
		CompanyId:           companyId,
		StoreUrl:            "https://shop.example.com",
		ConsumerKey:         "ck_test_123456",
		ConsumerSecret:      "cs_test_secret",
		SyncEnabled:         true,
		SyncDirection:       models.SyncDirectionBoth,
		SyncIntervalMinutes: 15,
		WebhookEnabled:      true,
		StatusMappingJSON:   []byte(`{}`),
		LastSyncStatus:      models.SyncStatusIdle,
	}
	if mutate != nil {
		mutate(s)
	}
	require.NoError(t, db.Create(s).Error)
	return s
}

func seedOrder(t *testing.T, db *gorm.DB, companyId, number string, status models.OrderStatus, mutate func(o *models.Order)) *models.Order {
	t.Helper()
	o := &models.Order{
		CompanyId:     companyId,
		OrderNumber:   number,
		Status:        status,
		Currency:      "MMK",
		Subtotal:      NewAmount("20").Decimal,
		ShippingFee:   NewAmount("5").Decimal,
		Total:         NewAmount("25").Decimal,
		CustomerName:  "Aung Min",
		CustomerEmail: "aung@example.com",
		CustomerPhone: "+95912345678",
		OrderedAt:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Items: []models.OrderItem{{
			CompanyId: companyId,
			Name:      "T-Shirt",
			Color:     "Red",
			Size:      "M",
			Sku:       "TS-01",
			Quantity:  2,
			UnitPrice: NewAmount("10").Decimal,
			LineTotal: NewAmount("20").Decimal,
		}},
	}
	if mutate != nil {
		mutate(o)
	}
	require.NoError(t, db.Create(o).Error)
	return o
}

func remoteOrder(id int, status, email string) RemoteOrder {
	return RemoteOrder{
		ID:            FlexString(strconv.Itoa(id)),
		OrderKey:      "wc_order_" + strconv.Itoa(id),
		Status:        status,
		Currency:      "MMK",
		DateCreated:   "2024-03-01T10:00:00",
		DateModified:  "2024-03-01T10:00:00",
		ShippingTotal: NewAmount("5.00"),
		Total:         NewAmount("25.00"),
		Billing: RemoteAddress{
			FirstName: "Aung",
			LastName:  "Min",
			Address1:  "No. 5, Pyay Road",
			City:      "Yangon",
			Country:   "MM",
			Email:     email,
		},
		LineItems: []RemoteLineItem{{
			ID:        FlexString(strconv.Itoa(id*10 + 1)),
			Name:      "T-Shirt",
			ProductID: "501",
			SKU:       "TS-01",
			Quantity:  2,
			Price:     NewAmount("10.00"),
			Subtotal:  NewAmount("20.00"),
			Total:     NewAmount("20.00"),
		}},
	}
}

// fakeStore is an in-memory RemoteClient with the store's list semantics.
type fakeStore struct {
	mu      sync.Mutex
	orders  []RemoteOrder
	nextId  int
	listErr error
	// failPage makes List fail for that page number once
	failPage int
	lists    []url.Values
	onList   func(ctx context.Context, page int) error
	creates  []remoteOrderInput
	updates  map[string]remoteOrderInput
}

func newFakeStore(orders ...RemoteOrder) *fakeStore {
	return &fakeStore{orders: orders, nextId: 9000, updates: map[string]remoteOrderInput{}}
}

func (f *fakeStore) add(orders ...RemoteOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, orders...)
}

func roundTrip(in, out interface{}) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (f *fakeStore) List(ctx context.Context, _ string, params url.Values, out interface{}) (PageInfo, error) {
	if f.onList != nil {
		page, _ := strconv.Atoi(params.Get("page"))
		if err := f.onList(ctx, page); err != nil {
			return PageInfo{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists = append(f.lists, params)
	if f.listErr != nil {
		return PageInfo{}, f.listErr
	}
	page, _ := strconv.Atoi(params.Get("page"))
	if page < 1 {
		page = 1
	}
	if f.failPage > 0 && page == f.failPage {
		f.failPage = 0
		return PageInfo{}, &RemoteError{Method: http.MethodGet, Path: "/orders", StatusCode: http.StatusBadGateway, Message: "upstream down"}
	}
	perPage, _ := strconv.Atoi(params.Get("per_page"))
	if perPage < 1 {
		perPage = 10
	}

	var matched []RemoteOrder
	after, hasAfter := utils.ParseRemoteTime(params.Get("modified_after"))
	for _, o := range f.orders {
		if s := params.Get("status"); s != "" && o.Status != s {
			continue
		}
		if hasAfter {
			if t, ok := utils.ParseRemoteTime(o.DateModified); ok && !t.After(after) {
				continue
			}
		}
		matched = append(matched, o)
	}
	if params.Get("orderby") == "modified" {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].DateModified < matched[j].DateModified })
	}

	total := len(matched)
	start := min((page-1)*perPage, total)
	end := min(start+perPage, total)
	info := PageInfo{Total: total, TotalPages: (total + perPage - 1) / perPage}
	return info, roundTrip(matched[start:end], out)
}

func (f *fakeStore) find(id string) int {
	for i, o := range f.orders {
		if o.ID.String() == id {
			return i
		}
	}
	return -1
}

func (f *fakeStore) Get(_ context.Context, _ string, id string, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(id)
	if i < 0 {
		return &RemoteError{Method: http.MethodGet, Path: "/orders/" + id, StatusCode: http.StatusNotFound, Code: "woocommerce_rest_shop_order_invalid_id"}
	}
	return roundTrip(f.orders[i], out)
}

func (f *fakeStore) Create(_ context.Context, _ string, body, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := body.(remoteOrderInput)
	f.creates = append(f.creates, in)
	f.nextId++
	var ro RemoteOrder
	if err := roundTrip(in, &ro); err != nil {
		return err
	}
	ro.ID = FlexString(strconv.Itoa(f.nextId))
	ro.OrderKey = "wc_order_" + ro.ID.String()
	f.orders = append(f.orders, ro)
	return roundTrip(ro, out)
}

func (f *fakeStore) Update(_ context.Context, _ string, id string, body, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := body.(remoteOrderInput)
	i := f.find(id)
	if i < 0 {
		return &RemoteError{Method: http.MethodPut, Path: "/orders/" + id, StatusCode: http.StatusNotFound}
	}
	f.updates[id] = in
	if in.Status != "" {
		f.orders[i].Status = in.Status
	}
	return roundTrip(f.orders[i], out)
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}
