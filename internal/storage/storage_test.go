package storage

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/airel/go-tic/internal/models"
)

// setupTestDB 创建内存测试数据库
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func testRecord(serialNumber string, beginTime time.Time) *models.Record {
	return &models.Record{
		SerialNumber:         serialNumber,
		BeginTime:            beginTime,
		EndTime:              beginTime.Add(10 * time.Second),
		OpMode:               "run",
		PosConcentrationMean: 120.5,
		NegConcentrationMean: 98.25,
		ACurrentMean:         1.5,
		BCurrentMean:         -2.25,
		Fields:               models.JSONData{"pos_concentration_mean": 120.5},
	}
}

func TestRecordRepositoryCreateAndQuery(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecordRepository(db)

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(testRecord("TIC0042", base.Add(time.Duration(i)*10*time.Second))))
	}
	require.NoError(t, repo.Create(testRecord("TIC0099", base)))

	records, err := repo.GetBySerialNumber("TIC0042", base, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, records, 5)
	assert.Equal(t, "TIC0042", records[0].SerialNumber)
	assert.Equal(t, 120.5, records[0].PosConcentrationMean)

	// 时间区间过滤
	records, err = repo.GetBySerialNumber("TIC0042", base.Add(25*time.Second), base.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, records, 2)

	count, err := repo.CountBySerialNumber("TIC0042")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestRecordRepositoryLatest(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecordRepository(db)

	// 无记录时返回nil
	record, err := repo.Latest("TIC0042")
	require.NoError(t, err)
	assert.Nil(t, record)

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(testRecord("TIC0042", base)))
	require.NoError(t, repo.Create(testRecord("TIC0042", base.Add(time.Minute))))

	record, err = repo.Latest("TIC0042")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, base.Add(time.Minute).Unix(), record.BeginTime.Unix())
}

func TestRecordRepositoryDeleteBefore(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecordRepository(db)

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, repo.Create(testRecord("TIC0042", base.Add(time.Duration(i)*time.Hour))))
	}

	deleted, err := repo.DeleteBefore(base.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	count, err := repo.CountBySerialNumber("TIC0042")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestCommLogRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCommLogRepository(db)

	require.NoError(t, repo.Create(&models.CommLog{
		SerialNumber: "TIC0042",
		Direction:    models.CommLogDirectionSend,
		Method:       "set_mode",
		Payload:      models.JSONData{"params": "run"},
		Bytes:        34,
	}))

	logs := []*models.CommLog{
		{SerialNumber: "TIC0042", Direction: models.CommLogDirectionReceive, Method: "record"},
		{SerialNumber: "TIC0042", Direction: models.CommLogDirectionReceive, Method: "record"},
	}
	require.NoError(t, repo.CreateBatch(logs))
	require.NoError(t, repo.CreateBatch(nil))

	got, err := repo.GetBySerialNumber("TIC0042", 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestCommLogger(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCommLogRepository(db)
	cl := NewCommLogger(repo, "TIC0042")

	cl.LogComm("SEND", "ping", []byte(`{"method":"ping","params":"42"}`), nil)
	cl.LogComm("RECEIVE", "record", []byte(`not json`), assert.AnError)

	logs, err := repo.GetBySerialNumber("TIC0042", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	for _, log := range logs {
		switch log.Method {
		case "ping":
			assert.Equal(t, models.CommLogDirectionSend, log.Direction)
			assert.Equal(t, "ping", log.Payload["method"])
			assert.Empty(t, log.ErrorMsg)
		case "record":
			assert.Equal(t, models.CommLogDirectionReceive, log.Direction)
			assert.NotEmpty(t, log.ErrorMsg)
		default:
			t.Fatalf("unexpected method %q", log.Method)
		}
	}
}

func TestRecordFromParams(t *testing.T) {
	begin := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	end := begin.Add(10 * time.Second)

	params := map[string]interface{}{
		"opmode":                      "zero",
		"is_settling":                 1,
		"pos_concentration_mean":      120.5,
		"neg_concentration_mean":      math.NaN(),
		"a_electrometer_current_mean": 1.5,
	}

	record := RecordFromParams("TIC0042", begin, end, params)

	assert.Equal(t, "TIC0042", record.SerialNumber)
	assert.Equal(t, "zero", record.OpMode)
	assert.True(t, record.IsSettling)
	assert.Equal(t, 120.5, record.PosConcentrationMean)
	assert.Equal(t, 1.5, record.ACurrentMean)

	// NaN转为零值和空JSON字段
	assert.Equal(t, 0.0, record.NegConcentrationMean)
	assert.Nil(t, record.Fields["neg_concentration_mean"])
	assert.Equal(t, 120.5, record.Fields["pos_concentration_mean"])
}

func TestRecordRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecordRepository(db)

	begin := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	record := RecordFromParams("TIC0042", begin, begin.Add(10*time.Second), map[string]interface{}{
		"opmode":                 "run",
		"pos_concentration_mean": 120.5,
		"flags":                  []interface{}{"cpc_fault"},
	})
	require.NoError(t, repo.Create(record))

	got, err := repo.Latest("TIC0042")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run", got.OpMode)
	assert.Equal(t, 120.5, got.Fields["pos_concentration_mean"])
	assert.Equal(t, []interface{}{"cpc_fault"}, got.Fields["flags"])
}
