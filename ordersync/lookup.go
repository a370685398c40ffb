package ordersync

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// orderLookup answers the importer's "is this already known?" questions.
// dbLookup asks the database per order; batchLookup answers from maps
// prefetched for a whole page.
type orderLookup interface {
	findOrder(ctx context.Context, externalId, orderNumber string) (*models.Order, error)
	findCustomer(ctx context.Context, email, phone string) (*models.Customer, error)
	resolveProduct(ctx context.Context, it *mappedItem) (productId, variantId *uint, err error)
	rememberOrder(o *models.Order)
	rememberCustomer(c *models.Customer)
}

type dbLookup struct {
	db        *gorm.DB
	companyId string
}

func firstOrNil[T any](q *gorm.DB) (*T, error) {
	var out T
	err := q.First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *dbLookup) findOrder(ctx context.Context, externalId, orderNumber string) (*models.Order, error) {
	db := l.db.WithContext(ctx)
	if externalId != "" {
		o, err := firstOrNil[models.Order](db.Where("company_id = ? AND external_id = ?", l.companyId, externalId))
		if err != nil || o != nil {
			return o, err
		}
	}
	if orderNumber == "" {
		return nil, nil
	}
	return firstOrNil[models.Order](db.Where("company_id = ? AND order_number = ?", l.companyId, orderNumber))
}

func (l *dbLookup) findCustomer(ctx context.Context, email, phone string) (*models.Customer, error) {
	db := l.db.WithContext(ctx)
	if email != "" {
		c, err := firstOrNil[models.Customer](db.Where("company_id = ? AND email = ?", l.companyId, email).Order("id"))
		if err != nil || c != nil {
			return c, err
		}
	}
	if phone == "" {
		return nil, nil
	}
	return firstOrNil[models.Customer](db.Where("company_id = ? AND phone = ?", l.companyId, phone).Order("id"))
}

func (l *dbLookup) resolveProduct(ctx context.Context, it *mappedItem) (*uint, *uint, error) {
	db := l.db.WithContext(ctx)
	if it.sku != "" {
		v, err := firstOrNil[models.ProductVariant](db.Where("company_id = ? AND sku = ?", l.companyId, it.sku).Order("id"))
		if err != nil {
			return nil, nil, err
		}
		if v != nil {
			return &v.ProductId, &v.ID, nil
		}
		p, err := firstOrNil[models.Product](db.Where("company_id = ? AND sku = ?", l.companyId, it.sku).Order("id"))
		if err != nil {
			return nil, nil, err
		}
		if p != nil {
			return &p.ID, nil, nil
		}
	}
	if it.variantExt != "" {
		v, err := firstOrNil[models.ProductVariant](db.Where("company_id = ? AND external_id = ?", l.companyId, it.variantExt).Order("id"))
		if err != nil {
			return nil, nil, err
		}
		if v != nil {
			return &v.ProductId, &v.ID, nil
		}
	}
	if it.productExt != "" {
		p, err := firstOrNil[models.Product](db.Where("company_id = ? AND external_id = ?", l.companyId, it.productExt).Order("id"))
		if err != nil {
			return nil, nil, err
		}
		if p != nil {
			return &p.ID, nil, nil
		}
	}
	return nil, nil, nil
}

func (l *dbLookup) rememberOrder(*models.Order)       {}
func (l *dbLookup) rememberCustomer(*models.Customer) {}

type batchLookup struct {
	ordersByExt      map[string]*models.Order
	ordersByNumber   map[string]*models.Order
	customersByEmail map[string]*models.Customer
	customersByPhone map[string]*models.Customer
	productsBySku    map[string]*models.Product
	productsByExt    map[string]*models.Product
	variantsBySku    map[string]*models.ProductVariant
	variantsByExt    map[string]*models.ProductVariant
}

type batchKeys struct {
	externalIds  []string
	orderNumbers []string
	emails       []string
	phones       []string
	skus         []string
	productExts  []string
	variantExts  []string
}

func collectBatchKeys(mapped []*mappedOrder) batchKeys {
	var k batchKeys
	for _, m := range mapped {
		if m == nil {
			continue
		}
		k.externalIds = append(k.externalIds, m.order.ExternalIdValue())
		k.orderNumbers = append(k.orderNumbers, m.order.OrderNumber)
		if m.email != "" {
			k.emails = append(k.emails, m.email)
		}
		if m.phone != "" {
			k.phones = append(k.phones, m.phone)
		}
		for _, it := range m.items {
			if it.sku != "" {
				k.skus = append(k.skus, it.sku)
			}
			if it.productExt != "" {
				k.productExts = append(k.productExts, it.productExt)
			}
			if it.variantExt != "" {
				k.variantExts = append(k.variantExts, it.variantExt)
			}
		}
	}
	return k
}

// prefetchBatch loads every row a page can reference, in four parallel queries.
func prefetchBatch(ctx context.Context, db *gorm.DB, companyId string, keys batchKeys) (*batchLookup, error) {
	var (
		orders    []models.Order
		customers []models.Customer
		products  []models.Product
		variants  []models.ProductVariant
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(keys.externalIds) == 0 && len(keys.orderNumbers) == 0 {
			return nil
		}
		return db.WithContext(gctx).
			Where("company_id = ?", companyId).
			Where(db.Where("external_id IN ?", nonEmptyList(keys.externalIds)).Or("order_number IN ?", nonEmptyList(keys.orderNumbers))).
			Find(&orders).Error
	})
	g.Go(func() error {
		if len(keys.emails) == 0 && len(keys.phones) == 0 {
			return nil
		}
		return db.WithContext(gctx).
			Where("company_id = ?", companyId).
			Where(db.Where("email IN ?", nonEmptyList(keys.emails)).Or("phone IN ?", nonEmptyList(keys.phones))).
			Order("id").
			Find(&customers).Error
	})
	g.Go(func() error {
		if len(keys.skus) == 0 && len(keys.productExts) == 0 {
			return nil
		}
		return db.WithContext(gctx).
			Where("company_id = ?", companyId).
			Where(db.Where("sku IN ?", nonEmptyList(keys.skus)).Or("external_id IN ?", nonEmptyList(keys.productExts))).
			Order("id").
			Find(&products).Error
	})
	g.Go(func() error {
		if len(keys.skus) == 0 && len(keys.variantExts) == 0 {
			return nil
		}
		return db.WithContext(gctx).
			Where("company_id = ?", companyId).
			Where(db.Where("sku IN ?", nonEmptyList(keys.skus)).Or("external_id IN ?", nonEmptyList(keys.variantExts))).
			Order("id").
			Find(&variants).Error
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	l := &batchLookup{
		ordersByExt:      map[string]*models.Order{},
		ordersByNumber:   map[string]*models.Order{},
		customersByEmail: map[string]*models.Customer{},
		customersByPhone: map[string]*models.Customer{},
		productsBySku:    map[string]*models.Product{},
		productsByExt:    map[string]*models.Product{},
		variantsBySku:    map[string]*models.ProductVariant{},
		variantsByExt:    map[string]*models.ProductVariant{},
	}
	for i := range orders {
		l.rememberOrder(&orders[i])
	}
	for i := range customers {
		l.rememberCustomer(&customers[i])
	}
	for i := range products {
		p := &products[i]
		putIfAbsent(l.productsBySku, p.Sku, p)
		putIfAbsent(l.productsByExt, p.ExternalId, p)
	}
	for i := range variants {
		v := &variants[i]
		putIfAbsent(l.variantsBySku, v.Sku, v)
		putIfAbsent(l.variantsByExt, v.ExternalId, v)
	}
	return l, nil
}

// nonEmptyList keeps "IN ?" valid SQL when one side of an OR has no keys.
func nonEmptyList(keys []string) []string {
	if len(keys) == 0 {
		return []string{""}
	}
	return keys
}

func putIfAbsent[T any](m map[string]*T, key string, v *T) {
	if key == "" {
		return
	}
	if _, ok := m[key]; !ok {
		m[key] = v
	}
}

func (l *batchLookup) findOrder(_ context.Context, externalId, orderNumber string) (*models.Order, error) {
	if o, ok := l.ordersByExt[externalId]; ok && externalId != "" {
		return o, nil
	}
	if o, ok := l.ordersByNumber[orderNumber]; ok && orderNumber != "" {
		return o, nil
	}
	return nil, nil
}

func (l *batchLookup) findCustomer(_ context.Context, email, phone string) (*models.Customer, error) {
	if c, ok := l.customersByEmail[email]; ok && email != "" {
		return c, nil
	}
	if c, ok := l.customersByPhone[phone]; ok && phone != "" {
		return c, nil
	}
	return nil, nil
}

func (l *batchLookup) resolveProduct(_ context.Context, it *mappedItem) (*uint, *uint, error) {
	if it.sku != "" {
		if v, ok := l.variantsBySku[it.sku]; ok {
			return &v.ProductId, &v.ID, nil
		}
		if p, ok := l.productsBySku[it.sku]; ok {
			return &p.ID, nil, nil
		}
	}
	if v, ok := l.variantsByExt[it.variantExt]; ok && it.variantExt != "" {
		return &v.ProductId, &v.ID, nil
	}
	if p, ok := l.productsByExt[it.productExt]; ok && it.productExt != "" {
		return &p.ID, nil, nil
	}
	return nil, nil, nil
}

func (l *batchLookup) rememberOrder(o *models.Order) {
	if o == nil {
		return
	}
	l.ordersByExt[o.ExternalIdValue()] = o
	l.ordersByNumber[o.OrderNumber] = o
	delete(l.ordersByExt, "")
}

func (l *batchLookup) rememberCustomer(c *models.Customer) {
	if c == nil {
		return
	}
	putIfAbsent(l.customersByEmail, c.Email, c)
	putIfAbsent(l.customersByPhone, c.Phone, c)
}
