package reconciler_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/geo"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/reconciler"
	"bitbucket.org/mmdatafocus/directory_backend/source"
	"bitbucket.org/mmdatafocus/directory_backend/utils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:reconciler_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := config.OpenDatabase(config.DriverSQLite, dsn)
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newEngine(t *testing.T, db *gorm.DB, dir *source.StaticDirectory, mutate ...func(*reconciler.Config)) *reconciler.Engine {
	t.Helper()
	base, err := url.Parse("https://directory.example.org")
	require.NoError(t, err)
	cfg := reconciler.Config{
		DB:           db,
		Logger:       quietLogger(),
		Directory:    dir,
		Enricher:     dir,
		Timezones:    source.PhilippinesTimezoneResolver{},
		Reference:    geo.Point{Latitude: 14.0, Longitude: 121.0},
		ImageBaseURL: base,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	engine, err := reconciler.New(cfg)
	require.NoError(t, err)
	return engine
}

func unitBySlug(t *testing.T, db *gorm.DB, slug string) *models.LocalUnit {
	t.Helper()
	var unit models.LocalUnit
	require.NoError(t, db.Where("slug = ?", slug).First(&unit).Error)
	return &unit
}

func unitByName(t *testing.T, db *gorm.DB, name string) *models.LocalUnit {
	t.Helper()
	var unit models.LocalUnit
	require.NoError(t, db.Where("name = ?", name).First(&unit).Error)
	return &unit
}

func districtByName(t *testing.T, db *gorm.DB, name string) *models.District {
	t.Helper()
	var d models.District
	require.NoError(t, db.Where("name = ?", name).First(&d).Error)
	return &d
}

func createDistrict(t *testing.T, db *gorm.DB, name string, active bool) *models.District {
	t.Helper()
	d := &models.District{Name: name, Region: models.RegionForDistrict(name), IsActive: &active}
	require.NoError(t, db.Create(d).Error)
	return d
}

func createUnit(t *testing.T, db *gorm.DB, districtId int, name string, slug *string, active bool) *models.LocalUnit {
	t.Helper()
	u := &models.LocalUnit{DistrictId: districtId, Name: name, Slug: slug, IsActive: &active}
	require.NoError(t, db.Create(u).Error)
	return u
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func unitIds(t *testing.T, db *gorm.DB) []int {
	t.Helper()
	var ids []int
	require.NoError(t, db.Model(&models.LocalUnit{}).Order("id").Pluck("id", &ids).Error)
	return ids
}

func activeFlags(t *testing.T, db *gorm.DB) map[int]bool {
	t.Helper()
	var units []*models.LocalUnit
	require.NoError(t, db.Find(&units).Error)
	out := map[int]bool{}
	for _, u := range units {
		out[u.ID] = u.Active()
	}
	return out
}

func TestRunCreatesDistrictAndUnit(t *testing.T) {
	db := openTestDB(t)
	dir := source.NewStaticDirectory().
		SetDistrict("Alpha", source.UnitRef{Name: "Church One", Slug: source.Slug("c1")})
	engine := newEngine(t, db, dir)

	result, err := engine.Run(context.Background(), models.TriggerCLI)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, models.RunStatusCompleted, result.Status)
	assert.Equal(t, 1, result.DistrictsProcessed)
	assert.Equal(t, 1, result.DistrictsCreated)
	assert.Equal(t, 1, result.UnitsCreated)

	alpha := districtByName(t, db, "Alpha")
	assert.True(t, *alpha.IsActive)
	assert.Equal(t, models.RegionLuzon, alpha.Region)

	unit := unitBySlug(t, db, "c1")
	assert.Equal(t, "Church One", unit.Name)
	assert.True(t, unit.Active())
	assert.Equal(t, alpha.ID, unit.DistrictId)

	run, err := models.GetRunHistory(context.Background(), db, result.RunId)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.NewUnits)
	assert.Equal(t, 1, run.TotalDistricts)
	assert.NotNil(t, run.EndTime)
	assert.Nil(t, run.RunningSlot)
	assert.Contains(t, run.StatsJSON, `"unitsCreated":1`)
}

func TestUnitMissingFromListingIsDeactivatedNotDeleted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	dir := source.NewStaticDirectory().
		SetDistrict("Alpha", source.UnitRef{Name: "Church One", Slug: source.Slug("c1")})
	engine := newEngine(t, db, dir)

	_, err := engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	before := unitIds(t, db)

	dir.SetDistrict("Alpha")
	result, err := engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, 1, result.UnitsDeactivated)

	unit := unitBySlug(t, db, "c1")
	assert.False(t, unit.Active())
	assert.True(t, *districtByName(t, db, "Alpha").IsActive)
	assert.Equal(t, before, unitIds(t, db))

	dir.SetDistrict("Alpha", source.UnitRef{Name: "Church One", Slug: source.Slug("c1")})
	result, err = engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, 1, result.UnitsReactivated)
	assert.Equal(t, 0, result.UnitsCreated)
	assert.True(t, unitBySlug(t, db, "c1").Active())
	assert.Equal(t, before, unitIds(t, db))
}

func TestRepeatedRunIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	alpha := createDistrict(t, db, "Alpha", true)
	createUnit(t, db, alpha.ID, "Church One", source.Slug("c1"), false)
	createUnit(t, db, alpha.ID, "Old Chapel", source.Slug("old"), true)
	createUnit(t, db, alpha.ID, "Church One Ext.", nil, true)

	address := "12 Mabini St."
	lat, lng := 14.1, 121.1
	dir := source.NewStaticDirectory().
		SetDistrict("Alpha",
			source.UnitRef{Name: "Church One", Slug: source.Slug("c1")},
			source.UnitRef{Name: "Church Two", Slug: source.Slug("c2")},
		).
		SetDistrict("Beta", source.UnitRef{Name: "Beta Chapel", Slug: source.Slug("b1")}).
		SetEnrichment("c1", &source.Enrichment{Address: &address, Latitude: &lat, Longitude: &lng})
	engine := newEngine(t, db, dir)

	first, err := engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, 1, first.UnitsReactivated)
	assert.Equal(t, 1, first.UnitsDeactivated)
	logged := countRows(t, db, &models.ChangeLogEntry{})
	assert.Positive(t, logged)
	flags := activeFlags(t, db)

	second, err := engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, logged, countRows(t, db, &models.ChangeLogEntry{}))
	assert.Equal(t, flags, activeFlags(t, db))
	assert.Zero(t, second.UnitsCreated)
	assert.Zero(t, second.UnitsReactivated)
	assert.Zero(t, second.UnitsDeactivated)
	assert.Zero(t, second.UpdatesFound)
}

func TestRunSkippedWhileAnotherRunIsRecorded(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Create(&models.RunHistory{
		Status:      models.RunStatusRunning,
		RunningSlot: models.RunningSlotValue(),
		StartTime:   time.Now(),
	}).Error)

	dir := source.NewStaticDirectory().SetDistrict("Alpha")
	engine := newEngine(t, db, dir)

	result, err := engine.Run(ctx, models.TriggerSchedule)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Zero(t, countRows(t, db, &models.District{}))
	assert.EqualValues(t, 1, countRows(t, db, &models.RunHistory{}))
	assert.False(t, engine.IsRunning())

	_, err = engine.Start(ctx, models.TriggerAPI)
	assert.ErrorIs(t, err, reconciler.ErrAlreadyRunning)
}

// gatedDirectory blocks the district listing until open is closed.
type gatedDirectory struct {
	*source.StaticDirectory
	open chan struct{}
}

func (g *gatedDirectory) ListDistricts(ctx context.Context) source.Result[[]source.DistrictRef] {
	select {
	case <-g.open:
	case <-ctx.Done():
		return source.Failed[[]source.DistrictRef]("%v", ctx.Err())
	}
	return g.StaticDirectory.ListDistricts(ctx)
}

func TestStartRejectsConcurrentRuns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	static := source.NewStaticDirectory().
		SetDistrict("Alpha", source.UnitRef{Name: "Church One", Slug: source.Slug("c1")})
	gated := &gatedDirectory{StaticDirectory: static, open: make(chan struct{})}
	engine := newEngine(t, db, static, func(c *reconciler.Config) { c.Directory = gated })

	run, err := engine.Start(ctx, models.TriggerAPI)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.True(t, engine.IsRunning())

	_, err = engine.Start(ctx, models.TriggerAPI)
	assert.ErrorIs(t, err, reconciler.ErrAlreadyRunning)

	skipped, err := engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	assert.True(t, skipped.Skipped)

	close(gated.open)
	require.Eventually(t, func() bool { return !engine.IsRunning() }, 5*time.Second, 10*time.Millisecond)

	stored, err := models.GetRunHistory(ctx, db, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
	assert.EqualValues(t, 1, countRows(t, db, &models.RunHistory{}))
	assert.EqualValues(t, 1, countRows(t, db, &models.LocalUnit{}))
}

func TestStalePassNeverTouchesSlugLessUnits(t *testing.T) {
	db := openTestDB(t)
	alpha := createDistrict(t, db, "Alpha", true)
	empty := ""
	ext := createUnit(t, db, alpha.ID, "Church One Ext.", nil, true)
	blank := createUnit(t, db, alpha.ID, "Chapel GWS", &empty, true)
	dormant := createUnit(t, db, alpha.ID, "Sitio Ext.", nil, false)

	dir := source.NewStaticDirectory().
		SetDistrict("Alpha", source.UnitRef{Name: "Church One", Slug: source.Slug("c1")})
	engine := newEngine(t, db, dir)

	for i := 0; i < 2; i++ {
		result, err := engine.Run(context.Background(), models.TriggerCLI)
		require.NoError(t, err)
		assert.Zero(t, result.UnitsDeactivated)
	}

	flags := activeFlags(t, db)
	assert.True(t, flags[ext.ID])
	assert.True(t, flags[blank.ID])
	assert.False(t, flags[dormant.ID])
}

func TestSlugMatchAttachesToExistingUnit(t *testing.T) {
	db := openTestDB(t)
	alpha := createDistrict(t, db, "Alpha", true)
	legacy := createUnit(t, db, alpha.ID, "Church One", nil, false)

	dir := source.NewStaticDirectory().
		SetDistrict("Alpha", source.UnitRef{Name: "Church One", Slug: source.Slug("c1")})
	engine := newEngine(t, db, dir)

	result, err := engine.Run(context.Background(), models.TriggerCLI)
	require.NoError(t, err)
	assert.Zero(t, result.UnitsCreated)
	assert.Equal(t, 1, result.UnitsReactivated)

	unit := unitBySlug(t, db, "c1")
	assert.Equal(t, legacy.ID, unit.ID)
	assert.True(t, unit.Active())
	assert.EqualValues(t, 1, countRows(t, db, &models.LocalUnit{}))
}

func TestSlugChangeKeepsUnitIdentity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	alpha := createDistrict(t, db, "Alpha", true)
	original := createUnit(t, db, alpha.ID, "Church One", source.Slug("c1"), true)

	dir := source.NewStaticDirectory().
		SetDistrict("Alpha", source.UnitRef{Name: "Church One", Slug: source.Slug("c1-new")})
	engine := newEngine(t, db, dir)

	result, err := engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	assert.Zero(t, result.UnitsCreated)
	assert.Zero(t, result.UnitsDeactivated)
	assert.Equal(t, 1, result.UpdatesFound)

	unit := unitBySlug(t, db, "c1-new")
	assert.Equal(t, original.ID, unit.ID)
	assert.True(t, unit.Active())
	assert.EqualValues(t, 1, countRows(t, db, &models.LocalUnit{}))

	page, err := engine.ChangeLog(ctx, models.ChangeLogQuery{RunId: &result.RunId})
	require.NoError(t, err)
	var slugChange *models.ChangeLogEntry
	for _, entry := range page.Entries {
		if entry.FieldName == models.ChangeFieldSlug {
			slugChange = entry
		}
	}
	require.NotNil(t, slugChange)
	assert.Equal(t, original.ID, slugChange.UnitId)
	assert.Equal(t, "c1", utils.DereferencePtr(slugChange.OldValue))
	assert.Equal(t, "c1-new", utils.DereferencePtr(slugChange.NewValue))
}

func TestSameNamedUnitsKeepTheirOwnSlugs(t *testing.T) {
	db := openTestDB(t)
	alpha := createDistrict(t, db, "Alpha", true)
	first := createUnit(t, db, alpha.ID, "Church One", source.Slug("c1"), true)
	second := createUnit(t, db, alpha.ID, "Church One", source.Slug("c2"), true)

	dir := source.NewStaticDirectory().
		SetDistrict("Alpha",
			source.UnitRef{Name: "Church One", Slug: source.Slug("c2")},
			source.UnitRef{Name: "Church One", Slug: source.Slug("c1")},
		)
	engine := newEngine(t, db, dir)

	result, err := engine.Run(context.Background(), models.TriggerCLI)
	require.NoError(t, err)
	assert.Zero(t, result.UnitsCreated)
	assert.Zero(t, result.UpdatesFound)
	assert.EqualValues(t, 2, countRows(t, db, &models.LocalUnit{}))
	assert.Equal(t, first.ID, unitBySlug(t, db, "c1").ID)
	assert.Equal(t, second.ID, unitBySlug(t, db, "c2").ID)
}

func TestRenamedSlugPrefersSluglessNamesake(t *testing.T) {
	db := openTestDB(t)
	alpha := createDistrict(t, db, "Alpha", true)
	slugged := createUnit(t, db, alpha.ID, "Church One", source.Slug("c1"), true)
	legacy := createUnit(t, db, alpha.ID, "Church One", nil, false)

	dir := source.NewStaticDirectory().
		SetDistrict("Alpha", source.UnitRef{Name: "Church One", Slug: source.Slug("c9")})
	engine := newEngine(t, db, dir)

	result, err := engine.Run(context.Background(), models.TriggerCLI)
	require.NoError(t, err)
	assert.Zero(t, result.UnitsCreated)
	assert.Equal(t, 1, result.UnitsReactivated)
	assert.Equal(t, 1, result.UnitsDeactivated)

	assert.Equal(t, legacy.ID, unitBySlug(t, db, "c9").ID)
	assert.False(t, activeFlags(t, db)[slugged.ID])
}

func TestUnitMovedBetweenDistrictsKeepsIdentity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	dir := source.NewStaticDirectory().
		SetDistrict("Alpha", source.UnitRef{Name: "Church One", Slug: source.Slug("c1")}).
		SetDistrict("Beta")
	engine := newEngine(t, db, dir)

	_, err := engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	original := unitBySlug(t, db, "c1")

	dir.SetDistrict("Alpha").
		SetDistrict("Beta", source.UnitRef{Name: "Church One (Poblacion)", Slug: source.Slug("c1")})
	result, err := engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, 2, result.UpdatesFound)

	moved := unitBySlug(t, db, "c1")
	assert.Equal(t, original.ID, moved.ID)
	assert.Equal(t, districtByName(t, db, "Beta").ID, moved.DistrictId)
	assert.Equal(t, "Church One (Poblacion)", moved.Name)
	assert.True(t, moved.Active())

	page, err := engine.ChangeLog(ctx, models.ChangeLogQuery{RunId: &result.RunId})
	require.NoError(t, err)
	fields := map[string]bool{}
	for _, entry := range page.Entries {
		fields[entry.FieldName] = true
	}
	assert.True(t, fields[models.ChangeFieldName])
	assert.True(t, fields[models.ChangeFieldDistrictId])
}

func TestSubUnitFollowsParentDistrict(t *testing.T) {
	db := openTestDB(t)
	alpha := createDistrict(t, db, "Alpha", true)
	sub := createUnit(t, db, alpha.ID, "Faith Ext. (Sitio Uno)", nil, false)
	fuzzySub := createUnit(t, db, alpha.ID, "Hope GWS", nil, false)
	lost := createUnit(t, db, alpha.ID, "Nowhere Extension", nil, false)

	dir := source.NewStaticDirectory().
		SetDistrict("Alpha").
		SetDistrict("Beta",
			source.UnitRef{Name: "Faith", Slug: source.Slug("faith")},
			source.UnitRef{Name: "Hope Christian Church", Slug: source.Slug("hope")},
		)
	engine := newEngine(t, db, dir)

	result, err := engine.Run(context.Background(), models.TriggerCLI)
	require.NoError(t, err)
	assert.Empty(t, result.PassErrors)
	assert.Equal(t, 2, result.SubUnitsReparented)
	assert.Equal(t, 1, result.SubUnitsUnresolved)

	beta := districtByName(t, db, "Beta")
	assert.Equal(t, beta.ID, unitByName(t, db, sub.Name).DistrictId)
	assert.Equal(t, beta.ID, unitByName(t, db, fuzzySub.Name).DistrictId)
	assert.Equal(t, alpha.ID, unitByName(t, db, lost.Name).DistrictId)
	assert.False(t, unitByName(t, db, sub.Name).Active())
}

func TestUnitsOfRetiredDistrictAreDeactivated(t *testing.T) {
	db := openTestDB(t)
	gone := createDistrict(t, db, "Gone", true)
	lonely := createUnit(t, db, gone.ID, "Lonely Chapel Ext.", nil, true)
	slugged := createUnit(t, db, gone.ID, "Lonely Chapel", source.Slug("lonely"), true)

	dir := source.NewStaticDirectory().SetDistrict("Alpha")
	engine := newEngine(t, db, dir)

	result, err := engine.Run(context.Background(), models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, 2, result.OrphansDeactivated)
	assert.False(t, *districtByName(t, db, "Gone").IsActive)

	flags := activeFlags(t, db)
	assert.False(t, flags[lonely.ID])
	assert.False(t, flags[slugged.ID])
	assert.EqualValues(t, 2, countRows(t, db, &models.LocalUnit{}))
}

func TestDistrictDroppedFromSourceRetiresItsUnits(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	dir := source.NewStaticDirectory().
		SetDistrict("Alpha", source.UnitRef{Name: "Church One", Slug: source.Slug("c1")}).
		SetDistrict("Beta", source.UnitRef{Name: "Beta Chapel", Slug: source.Slug("b1")})
	engine := newEngine(t, db, dir)

	_, err := engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, 1, dir.UnitCalls("Beta"))

	dir.RemoveDistrict("Beta")
	result, err := engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, 1, dir.UnitCalls("Beta"))
	assert.Equal(t, 1, result.DistrictsProcessed)
	assert.Equal(t, 1, result.OrphansDeactivated)
	assert.False(t, *districtByName(t, db, "Beta").IsActive)
	assert.False(t, unitBySlug(t, db, "b1").Active())
	assert.True(t, unitBySlug(t, db, "c1").Active())
	assert.EqualValues(t, 2, countRows(t, db, &models.District{}))
}

func TestDistrictListFailureFailsRunWithoutWrites(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	alpha := createDistrict(t, db, "Alpha", true)

	dir := source.NewStaticDirectory().FailDistricts("connection refused")
	engine := newEngine(t, db, dir)

	result, err := engine.Run(ctx, models.TriggerCLI)
	require.Error(t, err)
	assert.ErrorIs(t, err, reconciler.ErrDistrictListFailed)
	assert.Equal(t, models.RunStatusFailed, result.Status)
	assert.True(t, *districtByName(t, db, alpha.Name).IsActive)
	assert.Zero(t, dir.UnitCalls(alpha.Name))

	run, err := models.GetRunHistory(ctx, db, result.RunId)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "connection refused")
	assert.Equal(t, reconciler.ProgressFailed, engine.Progress().Snapshot().Status)
	assert.False(t, engine.IsRunning())

	dir.FailDistricts("")
	_, err = engine.Run(ctx, models.TriggerCLI)
	assert.ErrorIs(t, err, reconciler.ErrEmptyDirectory)
}

func TestUnitListingFailureSkipsDistrict(t *testing.T) {
	db := openTestDB(t)
	alpha := createDistrict(t, db, "Alpha", true)
	kept := createUnit(t, db, alpha.ID, "Church One", source.Slug("c1"), true)

	dir := source.NewStaticDirectory().
		SetDistrict("Alpha").
		SetDistrict("Beta", source.UnitRef{Name: "Beta Chapel", Slug: source.Slug("b1")}).
		FailUnits("Alpha", "timeout")
	engine := newEngine(t, db, dir)

	result, err := engine.Run(context.Background(), models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, result.Status)
	assert.Equal(t, 1, result.DistrictsFailed)
	assert.Equal(t, 2, result.DistrictsProcessed)
	assert.Zero(t, result.UnitsDeactivated)
	assert.True(t, unitBySlug(t, db, "c1").Active())
	assert.Equal(t, kept.ID, unitBySlug(t, db, "c1").ID)
	assert.True(t, unitBySlug(t, db, "b1").Active())
}

func TestEnrichmentNeverRegresses(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	address, schedule, contact := "12 Mabini St.", "Sun 9:00", "0917 123 4567"
	image, mapLink := "/img/c1.jpg", "https://maps.example.org/?q=14.1,121.1"
	lat, lng := 14.1, 121.1
	dir := source.NewStaticDirectory().
		SetDistrict("Alpha", source.UnitRef{Name: "Church One", Slug: source.Slug("c1")}).
		SetEnrichment("c1", &source.Enrichment{
			Address: &address, Schedule: &schedule, Contact: &contact,
			ImageUrl: &image, MapLink: &mapLink, Latitude: &lat, Longitude: &lng,
		})
	engine := newEngine(t, db, dir)

	first, err := engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, 1, first.UnitsEnriched)
	assert.Zero(t, first.UpdatesFound)

	unit := unitBySlug(t, db, "c1")
	assert.Equal(t, address, utils.DereferencePtr(unit.Address))
	assert.Equal(t, "+639171234567", utils.DereferencePtr(unit.Contact))
	assert.Equal(t, "https://directory.example.org/img/c1.jpg", utils.DereferencePtr(unit.ImageUrl))
	require.NotNil(t, unit.AirDistance)
	assert.Equal(t, "15.49", unit.AirDistance.StringFixed(2))
	assert.Equal(t, "21.22", unit.RoadDistance.StringFixed(2))
	assert.Equal(t, "55 min", utils.DereferencePtr(unit.TravelTime))
	assert.Equal(t, "Asia/Manila", utils.DereferencePtr(unit.Timezone))
	assert.Equal(t, "Same as PH (UTC+8)", utils.DereferencePtr(unit.TimezoneDiff))
	assert.NotNil(t, unit.LastEnrichedAt)

	newSchedule := "Sat 18:00"
	dir.SetEnrichment("c1", &source.Enrichment{Schedule: &newSchedule})
	second, err := engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, 1, second.UpdatesFound)

	unit = unitBySlug(t, db, "c1")
	assert.Equal(t, address, utils.DereferencePtr(unit.Address))
	assert.Equal(t, newSchedule, utils.DereferencePtr(unit.Schedule))
	assert.Equal(t, "55 min", utils.DereferencePtr(unit.TravelTime))

	page, err := engine.ChangeLog(ctx, models.ChangeLogQuery{RunId: &second.RunId})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, models.ChangeFieldSchedule, page.Entries[0].FieldName)
	assert.Equal(t, schedule, utils.DereferencePtr(page.Entries[0].OldValue))
	assert.Equal(t, newSchedule, utils.DereferencePtr(page.Entries[0].NewValue))

	dir.FailEnrichment("c1", "HTTP 503")
	third, err := engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, third.Status)
	assert.Equal(t, 1, third.EnrichmentFailed)
	assert.Zero(t, third.UnitsEnriched)
	unit = unitBySlug(t, db, "c1")
	assert.Equal(t, address, utils.DereferencePtr(unit.Address))
	assert.Equal(t, newSchedule, utils.DereferencePtr(unit.Schedule))
}

// fakeLock stands in for the Redis lock; external marks a holder in another process.
type fakeLock struct {
	mu       sync.Mutex
	held     bool
	external bool
	resets   int
}

func (l *fakeLock) Acquire(context.Context) (func(context.Context), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held || l.external {
		return nil, reconciler.ErrAlreadyRunning
	}
	l.held = true
	return func(context.Context) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held = false
	}, nil
}

func (l *fakeLock) Held(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held || l.external, nil
}

func (l *fakeLock) Reset(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held, l.external = false, false
	l.resets++
	return nil
}

func TestRunLockHeldElsewhereSkipsRun(t *testing.T) {
	db := openTestDB(t)
	lock := &fakeLock{external: true}
	dir := source.NewStaticDirectory().SetDistrict("Alpha")
	engine := newEngine(t, db, dir, func(c *reconciler.Config) { c.Lock = lock })

	result, err := engine.Run(context.Background(), models.TriggerSchedule)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Zero(t, countRows(t, db, &models.RunHistory{}))

	lock.external = false
	result, err = engine.Run(context.Background(), models.TriggerSchedule)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	held, err := lock.Held(context.Background())
	require.NoError(t, err)
	assert.False(t, held)
}

func TestForceResetClearsStuckRun(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	stuck := &models.RunHistory{Status: models.RunStatusRunning, RunningSlot: models.RunningSlotValue(), StartTime: time.Now()}
	require.NoError(t, db.Create(stuck).Error)

	lock := &fakeLock{external: true}
	dir := source.NewStaticDirectory().SetDistrict("Alpha")
	engine := newEngine(t, db, dir, func(c *reconciler.Config) { c.Lock = lock })

	n, err := engine.ForceReset(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1, lock.resets)

	stored, err := models.GetRunHistory(ctx, db, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, reconciler.ProgressIdle, engine.Progress().Snapshot().Status)

	result, err := engine.Run(ctx, models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, result.Status)
}

func TestForceResetDuringRunKeepsFailedStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	static := source.NewStaticDirectory().SetDistrict("Alpha")
	gated := &gatedDirectory{StaticDirectory: static, open: make(chan struct{})}
	engine := newEngine(t, db, static, func(c *reconciler.Config) { c.Directory = gated })

	run, err := engine.Start(ctx, models.TriggerAPI)
	require.NoError(t, err)

	n, err := engine.ForceReset(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.False(t, engine.IsRunning())

	close(gated.open)
	require.Eventually(t, func() bool {
		return engine.Progress().Snapshot().Status == reconciler.ProgressFailed
	}, 5*time.Second, 10*time.Millisecond)

	stored, err := models.GetRunHistory(ctx, db, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
}

func TestRecoverInterruptedRuns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	torn := &models.RunHistory{Status: models.RunStatusRunning, RunningSlot: models.RunningSlotValue(), StartTime: time.Now().Add(-time.Hour)}
	require.NoError(t, db.Create(torn).Error)

	lock := &fakeLock{external: true}
	engine := newEngine(t, db, source.NewStaticDirectory(), func(c *reconciler.Config) { c.Lock = lock })

	n, err := engine.RecoverInterruptedRuns(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	lock.external = false
	n, err = engine.RecoverInterruptedRuns(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stored, err := models.GetRunHistory(ctx, db, torn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "interrupted")
	assert.NotNil(t, stored.EndTime)
}

func TestProgressAdvancesMonotonically(t *testing.T) {
	db := openTestDB(t)
	dir := source.NewStaticDirectory()
	for d := 0; d < 3; d++ {
		var units []source.UnitRef
		for u := 0; u < 4; u++ {
			units = append(units, source.UnitRef{
				Name: fmt.Sprintf("Unit %d-%d", d, u),
				Slug: source.Slug(fmt.Sprintf("u-%d-%d", d, u)),
			})
		}
		dir.SetDistrict(fmt.Sprintf("District %d", d), units...)
	}

	progress := reconciler.NewProgress()
	var mu sync.Mutex
	var seen []reconciler.ProgressSnapshot
	progress.OnChange(func(s reconciler.ProgressSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})
	engine := newEngine(t, db, dir, func(c *reconciler.Config) { c.Progress = progress })

	_, err := engine.Run(context.Background(), models.TriggerCLI)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	last := -1
	sawUnit := false
	for _, s := range seen {
		assert.GreaterOrEqual(t, s.Percentage, last)
		last = s.Percentage
		if s.CurrentUnitName != "" {
			sawUnit = true
		}
	}
	assert.True(t, sawUnit)

	final := progress.Snapshot()
	assert.Equal(t, reconciler.ProgressCompleted, final.Status)
	assert.Equal(t, 100, final.Percentage)
	assert.Equal(t, 3, final.Processed)
	assert.Equal(t, 3, final.Total)
}

// failUnitUpdates makes every single-column update of column on a unit fail.
func failUnitUpdates(t *testing.T, db *gorm.DB, column string) {
	t.Helper()
	err := db.Callback().Update().Before("gorm:update").Register("test:fail_unit_"+column, func(tx *gorm.DB) {
		if _, ok := tx.Statement.Model.(*models.LocalUnit); !ok {
			return
		}
		if values, ok := tx.Statement.Dest.(map[string]interface{}); ok {
			if _, hit := values[column]; hit {
				tx.AddError(errors.New("boom"))
			}
		}
	})
	require.NoError(t, err)
}

func TestReparentFailureDoesNotFailRun(t *testing.T) {
	db := openTestDB(t)
	alpha := createDistrict(t, db, "Alpha", true)
	sub := createUnit(t, db, alpha.ID, "Faith Ext. (Sitio Uno)", nil, false)
	failUnitUpdates(t, db, "district_id")

	dir := source.NewStaticDirectory().
		SetDistrict("Alpha").
		SetDistrict("Beta", source.UnitRef{Name: "Faith", Slug: source.Slug("faith")})
	engine := newEngine(t, db, dir)

	result, err := engine.Run(context.Background(), models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, result.Status)
	assert.Contains(t, result.PassErrors, "reparentSubUnits: boom")
	assert.Zero(t, result.SubUnitsReparented)
	assert.Equal(t, alpha.ID, unitByName(t, db, sub.Name).DistrictId)
}

func TestOrphanCleanupFailureDoesNotFailRun(t *testing.T) {
	db := openTestDB(t)
	gone := createDistrict(t, db, "Gone", true)
	stray := createUnit(t, db, gone.ID, "Stray Church", source.Slug("stray"), true)
	failUnitUpdates(t, db, "is_active")

	dir := source.NewStaticDirectory().
		SetDistrict("Alpha", source.UnitRef{Name: "Church One", Slug: source.Slug("c1")})
	engine := newEngine(t, db, dir)

	result, err := engine.Run(context.Background(), models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, result.Status)
	assert.Contains(t, result.PassErrors, "deactivateOrphans: boom")
	assert.Zero(t, result.OrphansDeactivated)
	assert.True(t, activeFlags(t, db)[stray.ID])
	assert.True(t, unitBySlug(t, db, "c1").Active())
}
