package config

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/order_sync_backend/appctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type guardedRow struct {
	ID        uint `gorm:"primary_key"`
	CompanyId string
	Name      string
}

type globalRow struct {
	ID   uint `gorm:"primary_key"`
	Name string
}

func guardedDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	InstallPlugins(db)
	require.NoError(t, db.AutoMigrate(&guardedRow{}, &globalRow{}))
	return db
}

func tenant(id string) context.Context {
	return appctx.Set(context.Background(), appctx.ContextKeyCompanyId, id)
}

func TestTenantGuardScopesReads(t *testing.T) {
	db := guardedDB(t)
	require.NoError(t, db.Create(&[]guardedRow{
		{CompanyId: "a", Name: "a1"},
		{CompanyId: "a", Name: "a2"},
		{CompanyId: "b", Name: "b1"},
	}).Error)

	var rows []guardedRow
	require.NoError(t, db.WithContext(tenant("a")).Find(&rows).Error)
	assert.Len(t, rows, 2)

	var row guardedRow
	err := db.WithContext(tenant("a")).Where("name = ?", "b1").First(&row).Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	var n int64
	require.NoError(t, db.WithContext(tenant("b")).Model(&guardedRow{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)

	// no tenant in context, or an explicit opt-out, sees everything
	require.NoError(t, db.Find(&rows).Error)
	assert.Len(t, rows, 3)
	skip := appctx.Set(tenant("a"), appctx.ContextKeySkipTenantScope, true)
	require.NoError(t, db.WithContext(skip).Find(&rows).Error)
	assert.Len(t, rows, 3)
}

func TestTenantGuardScopesWrites(t *testing.T) {
	db := guardedDB(t)
	require.NoError(t, db.Create(&[]guardedRow{
		{CompanyId: "a", Name: "a1"},
		{CompanyId: "b", Name: "b1"},
	}).Error)

	res := db.WithContext(tenant("a")).Model(&guardedRow{}).Where("name = ?", "b1").Update("name", "hijacked")
	require.NoError(t, res.Error)
	assert.EqualValues(t, 0, res.RowsAffected)

	res = db.WithContext(tenant("a")).Where("name LIKE ?", "%1").Delete(&guardedRow{})
	require.NoError(t, res.Error)
	assert.EqualValues(t, 1, res.RowsAffected)

	var left []guardedRow
	require.NoError(t, db.Find(&left).Error)
	require.Len(t, left, 1)
	assert.Equal(t, "b1", left[0].Name)
}

func TestTenantGuardStampsCreates(t *testing.T) {
	db := guardedDB(t)

	row := guardedRow{Name: "stamped"}
	require.NoError(t, db.WithContext(tenant("a")).Create(&row).Error)
	assert.Equal(t, "a", row.CompanyId)

	err := db.WithContext(tenant("a")).Create(&guardedRow{CompanyId: "b", Name: "foreign"}).Error
	assert.ErrorIs(t, err, ErrCrossTenantWrite)

	// tables without company_id are untouched
	require.NoError(t, db.WithContext(tenant("a")).Create(&globalRow{Name: "shared"}).Error)
	var globals []globalRow
	require.NoError(t, db.WithContext(tenant("b")).Find(&globals).Error)
	assert.Len(t, globals, 1)
}
