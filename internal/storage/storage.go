package storage

import (
	"encoding/json"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/airel/go-tic/internal/config"
	apperrors "github.com/airel/go-tic/internal/errors"
	"github.com/airel/go-tic/internal/logger"
	"github.com/airel/go-tic/internal/models"
)

// Database 测量数据库
type Database struct {
	db *gorm.DB
}

// Open 打开SQLite数据库并执行迁移
func Open(cfg *config.StorageConfig) (*Database, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true, // 跳过默认事务
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseConnect, cfg.DSN)
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "migrate")
	}

	logger.Info("数据库已打开", zap.String("dsn", cfg.DSN))
	return &Database{db: db}, nil
}

// Close 关闭数据库连接
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Records 返回测量记录仓库
func (d *Database) Records() *RecordRepository {
	return NewRecordRepository(d.db)
}

// CommLogs 返回通信日志仓库
func (d *Database) CommLogs() *CommLogRepository {
	return NewCommLogRepository(d.db)
}

// RecordRepository 测量记录仓库
type RecordRepository struct {
	db *gorm.DB
}

// NewRecordRepository 创建测量记录仓库
func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{
		db: db,
	}
}

// Create 创建记录
func (r *RecordRepository) Create(record *models.Record) error {
	if err := r.db.Create(record).Error; err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseInsert)
	}
	return nil
}

// GetBySerialNumber 查询某台设备在时间区间内的记录
func (r *RecordRepository) GetBySerialNumber(serialNumber string, from, to time.Time) ([]*models.Record, error) {
	var records []*models.Record
	err := r.db.Where("serial_number = ? AND begin_time >= ? AND begin_time < ?", serialNumber, from, to).
		Order("begin_time ASC").
		Find(&records).Error
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return records, nil
}

// Latest 查询某台设备最新的一条记录
func (r *RecordRepository) Latest(serialNumber string) (*models.Record, error) {
	var record models.Record
	err := r.db.Where("serial_number = ?", serialNumber).
		Order("begin_time DESC").
		First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return &record, nil
}

// CountBySerialNumber 统计某台设备的记录数
func (r *RecordRepository) CountBySerialNumber(serialNumber string) (int64, error) {
	var count int64
	err := r.db.Model(&models.Record{}).
		Where("serial_number = ?", serialNumber).
		Count(&count).Error
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return count, nil
}

// DeleteBefore 删除某时刻之前的记录，返回删除数量
func (r *RecordRepository) DeleteBefore(t time.Time) (int64, error) {
	result := r.db.Where("begin_time < ?", t).Delete(&models.Record{})
	if result.Error != nil {
		return 0, apperrors.Wrap(result.Error, apperrors.ErrDatabaseQuery)
	}
	return result.RowsAffected, nil
}

// CommLogRepository 通信日志仓库
type CommLogRepository struct {
	db *gorm.DB
}

// NewCommLogRepository 创建通信日志仓库
func NewCommLogRepository(db *gorm.DB) *CommLogRepository {
	return &CommLogRepository{
		db: db,
	}
}

// Create 创建日志记录
func (r *CommLogRepository) Create(log *models.CommLog) error {
	if err := r.db.Create(log).Error; err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseInsert)
	}
	return nil
}

// CreateBatch 批量创建日志记录
func (r *CommLogRepository) CreateBatch(logs []*models.CommLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := r.db.CreateInBatches(logs, 100).Error; err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseInsert)
	}
	return nil
}

// GetBySerialNumber 查询某台设备最近的通信日志
func (r *CommLogRepository) GetBySerialNumber(serialNumber string, limit int) ([]*models.CommLog, error) {
	var logs []*models.CommLog
	err := r.db.Where("serial_number = ?", serialNumber).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return logs, nil
}

// CommLogger 把设备通信写入数据库
//
// 实现device.CommLogger。写入失败只记日志，不中断采集。
type CommLogger struct {
	repo         *CommLogRepository
	serialNumber string
}

// NewCommLogger 创建某台设备的通信日志写入器
func NewCommLogger(repo *CommLogRepository, serialNumber string) *CommLogger {
	return &CommLogger{repo: repo, serialNumber: serialNumber}
}

// LogComm 记录一条通信日志
func (c *CommLogger) LogComm(direction string, method string, payload []byte, commErr error) {
	entry := &models.CommLog{
		SerialNumber: c.serialNumber,
		Direction:    models.CommLogDirection(direction),
		Method:       method,
		Bytes:        len(payload),
	}

	var parsed models.JSONData
	if jsonErr := json.Unmarshal(payload, &parsed); jsonErr == nil {
		entry.Payload = parsed
	}
	if commErr != nil {
		entry.ErrorMsg = commErr.Error()
	}

	if err := c.repo.Create(entry); err != nil {
		logger.Warn("通信日志入库失败", zap.Error(err))
	}
}

// RecordFromParams 由记录事件参数构造数据库记录
//
// NaN无法存入JSON列，转为nil。
func RecordFromParams(serialNumber string, beginTime, endTime time.Time, params map[string]interface{}) *models.Record {
	fields := make(models.JSONData, len(params))
	for key, value := range params {
		if f, ok := value.(float64); ok && math.IsNaN(f) {
			fields[key] = nil
			continue
		}
		fields[key] = value
	}

	opmode, _ := params["opmode"].(string)
	isSettling := false
	if settling, ok := params["is_settling"].(int); ok {
		isSettling = settling != 0
	}

	return &models.Record{
		SerialNumber:         serialNumber,
		BeginTime:            beginTime,
		EndTime:              endTime,
		OpMode:               opmode,
		IsSettling:           isSettling,
		PosConcentrationMean: floatOrZero(params, "pos_concentration_mean"),
		NegConcentrationMean: floatOrZero(params, "neg_concentration_mean"),
		ACurrentMean:         floatOrZero(params, "a_electrometer_current_mean"),
		BCurrentMean:         floatOrZero(params, "b_electrometer_current_mean"),
		TemperatureMean:      floatOrZero(params, "temperature_mean"),
		HumidityMean:         floatOrZero(params, "humidity_mean"),
		PressureMean:         floatOrZero(params, "pressure_mean"),
		Fields:               fields,
	}
}

// floatOrZero 取数值字段，缺失或NaN时返回0
func floatOrZero(params map[string]interface{}, name string) float64 {
	v, ok := params[name].(float64)
	if !ok || math.IsNaN(v) {
		return 0
	}
	return v
}
