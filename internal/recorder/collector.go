package recorder

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/airel/go-tic/internal/config"
	"github.com/airel/go-tic/internal/device"
	"github.com/airel/go-tic/internal/logger"
	"github.com/airel/go-tic/internal/storage"
)

// receivePollMax 等待记录消息的单次超时上限
const receivePollMax = 1 * time.Second

// Collector 单台设备的记录采集器
//
// 配置设备、驱动测量循环并把记录事件写入记录文件。
// store非nil时记录同时入库。
type Collector struct {
	cfg     *config.RecorderConfig
	loc     *time.Location
	store   *storage.RecordRepository
	commLog *storage.CommLogRepository
}

// NewCollector 创建采集器
func NewCollector(cfg *config.RecorderConfig, loc *time.Location, store *storage.RecordRepository, commLog *storage.CommLogRepository) *Collector {
	if loc == nil {
		loc = time.UTC
	}
	return &Collector{cfg: cfg, loc: loc, store: store, commLog: commLog}
}

// Run 在已连接的设备上采集记录，直到ctx取消或设备出错
func (c *Collector) Run(ctx context.Context, dev *device.Device) error {
	systemInfo, err := dev.GetSystemInfo()
	if err != nil {
		return err
	}

	serialNumber, _ := systemInfo["serial_number"].(string)
	log := logger.WithDevice(serialNumber)
	log.Info("设备已连接", zap.Any("system_info", systemInfo))

	if c.commLog != nil {
		dev.SetCommLogger(storage.NewCommLogger(c.commLog, serialNumber))
		defer dev.SetCommLogger(nil)
	}

	if debugInfo, err := dev.GetDebugInfo(); err == nil {
		log.Debug("设备调试信息", zap.Any("debug_info", debugInfo))
	}

	if err := dev.ResetSettings(c.deviceSettings()); err != nil {
		return err
	}

	if settings, err := dev.GetSettings(); err == nil {
		log.Info("设备设置已应用", zap.Any("settings", settings))
	}

	// 标志描述当前仅用于确认命令可用
	if _, err := dev.GetFlagDescriptions(); err != nil {
		return err
	}

	recordsFile := NewTimedFile(filepath.Join(c.cfg.OutputDir, serialNumber), "20060102-block.records")
	defer recordsFile.Close()
	rawEMFile := NewTimedFile(filepath.Join(c.cfg.OutputDir, serialNumber), "20060102.rawem")
	defer rawEMFile.Close()

	cycle := NewMeasurementCycle(c.cfg.Cycle, c.cfg.CycleShift)

	counterValues := make(map[string]float64, len(monitoredCounters))
	for _, name := range monitoredCounters {
		counterValues[name] = 0
	}

	for ctx.Err() == nil {
		now := time.Now().In(c.loc)
		ts := float64(now.UnixNano()) / 1e9

		if mode := cycle.Mode(ts); mode != "" {
			nextChange := time.Unix(0, int64(cycle.NextChange()*1e9)).In(c.loc)
			log.Info("切换工作模式",
				zap.String("mode", mode),
				zap.Time("until", nextChange))
			if err := dev.SetMode(mode); err != nil {
				return err
			}
		}

		timeout := time.Duration((cycle.NextChange() - ts) * float64(time.Second))
		if timeout > receivePollMax || timeout <= 0 {
			timeout = receivePollMax
		}

		msg, err := dev.ReceiveMessage(timeout)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}

		switch msg.EventType() {
		case "record":
			if err := c.handleRecord(log, serialNumber, msg.Params(), recordsFile, counterValues); err != nil {
				return err
			}
		case "raw_em_record":
			if err := c.handleRawEM(msg.Params(), rawEMFile); err != nil {
				return err
			}
		default:
			log.Debug("其他设备消息", zap.Any("message", msg))
		}
	}

	return ctx.Err()
}

// deviceSettings 由采集配置派生设备设置
func (c *Collector) deviceSettings() map[string]interface{} {
	settings := map[string]interface{}{
		"auto_zero_enabled":              false,
		"averaging_period":               c.cfg.AveragingPeriod,
		"run_at_start":                   true,
		"extended_record_fields_enabled": true,
		"non_run_records_hidden":         false,
		"allow_power_from_usb_data":      c.cfg.AllowPowerFromUSBData,
		"blowers_enabled_during_zero":    c.cfg.BlowersEnabledDuringZero,
		"zero_settling_duration":         c.cfg.SettlingTime,
		"run_settling_duration":          c.cfg.SettlingTime,
	}

	for key, value := range c.cfg.CustomSettings {
		settings[key] = value
	}

	return settings
}

// handleRecord 处理一条测量记录事件
func (c *Collector) handleRecord(log *zap.Logger, serialNumber string, r map[string]interface{}, out *TimedFile, counterValues map[string]float64) error {
	if r == nil {
		return nil
	}

	// 扩展字段设置尚未生效时丢弃记录
	if _, ok := r["a_electrometer_current_mean"]; !ok {
		return nil
	}

	for _, f := range recordFields {
		if r[f] == nil {
			r[f] = math.NaN()
		}
	}

	if settling, ok := r["is_settling"].(bool); ok {
		if settling {
			r["is_settling"] = 1
		} else {
			r["is_settling"] = 0
		}
	}

	now := time.Now().In(c.loc)

	file, isNew, err := out.Get(now)
	if err != nil {
		return err
	}
	if isNew {
		if err := writeRecordsHeader(file); err != nil {
			return err
		}
	}

	duration := floatField(r, "end_time_ms") - floatField(r, "begin_time_ms")
	beginTime := now.Add(-time.Duration(duration * float64(time.Millisecond)))

	columns := make([]string, 0, 11+len(recordFields)+1)
	columns = append(columns,
		formatTimestamp(beginTime),
		formatTimestamp(now),
		formatField(r["opmode"]),
		formatField(r["a_electrometer_current_mean"]),
		formatField(r["b_electrometer_current_mean"]),
		formatField(r["a_electrometer_current_stddev"]),
		formatField(r["b_electrometer_current_stddev"]),
		formatField(r["a_electrometer_current_raw_mean"]),
		formatField(r["b_electrometer_current_raw_mean"]),
		formatField(r["a_electrometer_voltage"]),
		formatField(r["b_electrometer_voltage"]),
	)
	for _, f := range recordFields {
		columns = append(columns, formatField(r[f]))
	}
	columns = append(columns, "")

	if _, err := file.WriteString(strings.Join(columns, "\t") + "\n"); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}

	opmode, _ := r["opmode"].(string)
	settlingMark := " "
	if settling, ok := r["is_settling"].(int); ok && settling != 0 {
		settlingMark = "*"
	}
	log.Info(fmt.Sprintf("%-12s pos_conc: %10.3f neg_conc: %10.3f  a: %+9.2f %+6.2f b: %+9.2f %+6.2f",
		opmode+settlingMark,
		floatField(r, "pos_concentration_mean"),
		floatField(r, "neg_concentration_mean"),
		floatField(r, "a_electrometer_current_mean"),
		floatField(r, "a_electrometer_current_raw_mean")-floatField(r, "a_electrometer_current_mean"),
		floatField(r, "b_electrometer_current_mean"),
		floatField(r, "b_electrometer_current_raw_mean")-floatField(r, "b_electrometer_current_mean")))

	for _, name := range monitoredCounters {
		value := floatField(r, name)
		if value != counterValues[name] && !math.IsNaN(value) {
			log.Info("设备计数器变化",
				zap.String("counter", name),
				zap.Float64("from", counterValues[name]),
				zap.Float64("to", value))
			counterValues[name] = value
		}
	}

	if c.store != nil {
		record := storage.RecordFromParams(serialNumber, beginTime, now, r)
		if err := c.store.Create(record); err != nil {
			log.Warn("记录入库失败", zap.Error(err))
		}
	}

	return nil
}

// handleRawEM 处理一条电计原始采样事件
func (c *Collector) handleRawEM(params map[string]interface{}, out *TimedFile) error {
	if params == nil {
		return nil
	}

	channel := params["channel"]
	mcuTime := params["time"]
	var value interface{}
	if data, ok := params["data"].(map[string]interface{}); ok {
		value = data["value"]
	}
	if channel == nil || value == nil {
		return nil
	}

	now := time.Now().UTC()
	file, isNew, err := out.Get(now)
	if err != nil {
		return err
	}
	if isNew {
		if _, err := file.WriteString("timestamp,mcutime,channel,value\n"); err != nil {
			return err
		}
	}

	line := fmt.Sprintf("%.6f,%s,%s,%s\n",
		float64(now.UnixNano())/1e9,
		formatField(mcuTime),
		formatField(channel),
		formatField(value))
	if _, err := file.WriteString(line); err != nil {
		return err
	}

	return nil
}

// floatField 取记录中的数值字段，缺失或非数值返回NaN
func floatField(r map[string]interface{}, name string) float64 {
	if v, ok := r[name].(float64); ok {
		return v
	}
	return math.NaN()
}

// formatTimestamp 格式化记录文件中的时间戳列
func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05.000000-07:00")
}
