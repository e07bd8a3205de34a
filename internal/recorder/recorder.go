package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/airel/go-tic/internal/config"
	"github.com/airel/go-tic/internal/device"
	"github.com/airel/go-tic/internal/logger"
	"github.com/airel/go-tic/internal/storage"
	"github.com/airel/go-tic/internal/transport"
)

// reconnectDelay 设备出错后重连前的等待时间
const reconnectDelay = 1 * time.Second

// Run 单设备采集循环
//
// 连接设备并采集记录，设备出错时断开重连，直到ctx取消。
func Run(ctx context.Context, usbCtx *gousb.Context, connection string, cfg *config.Config, loc *time.Location, db *storage.Database) error {
	log := logger.WithModule("recorder")
	log.Info("开始测量", zap.String("connection", connection))

	store, commLog := repositories(cfg, db)
	collector := NewCollector(&cfg.Recorder, loc, store, commLog)

	for ctx.Err() == nil {
		err := runOnce(ctx, usbCtx, connection, collector)
		if err != nil && ctx.Err() == nil {
			log.Error("设备通信出错", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(reconnectDelay):
			}
		}
	}

	log.Info("测量已停止")
	return ctx.Err()
}

// repositories 由存储配置决定启用哪些仓库
func repositories(cfg *config.Config, db *storage.Database) (*storage.RecordRepository, *storage.CommLogRepository) {
	if db == nil {
		return nil, nil
	}
	store := db.Records()
	var commLog *storage.CommLogRepository
	if cfg.Storage.LogComm {
		commLog = db.CommLogs()
	}
	return store, commLog
}

func runOnce(ctx context.Context, usbCtx *gousb.Context, connection string, collector *Collector) error {
	dev, err := device.Open(usbCtx, connection)
	if err != nil {
		return err
	}
	defer dev.Close()

	return collector.Run(ctx, dev)
}

// managedDevice 管理器中一台正在采集的设备
type managedDevice struct {
	addr transport.DeviceAddress
	done chan struct{}
}

// Manager 多设备采集管理器
//
// 周期性扫描USB总线，为每台新发现的设备启动一个采集goroutine。
// 设备的goroutine退出后将其从排除集中移除，下次扫描重新接入。
type Manager struct {
	cfg    *config.Config
	usbCtx *gousb.Context
	loc    *time.Location
	db     *storage.Database
	log    *zap.Logger

	mu      sync.Mutex
	exclude map[[2]int]bool
	devices map[[2]int]*managedDevice
}

// NewManager 创建多设备管理器
func NewManager(cfg *config.Config, usbCtx *gousb.Context, loc *time.Location, db *storage.Database) *Manager {
	return &Manager{
		cfg:     cfg,
		usbCtx:  usbCtx,
		loc:     loc,
		db:      db,
		log:     logger.WithModule("recorder"),
		exclude: make(map[[2]int]bool),
		devices: make(map[[2]int]*managedDevice),
	}
}

// Run 运行发现和采集循环，直到ctx取消
//
// 取消后等待所有设备goroutine退出。
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("多设备管理器已启动")

	ticker := time.NewTicker(m.cfg.Recorder.RescanInterval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		m.scan(ctx)

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	m.wait()
	m.log.Info("多设备管理器已停止")
	return ctx.Err()
}

// scan 扫描总线并为新设备启动采集
func (m *Manager) scan(ctx context.Context) {
	m.mu.Lock()
	exclude := make(map[[2]int]bool, len(m.exclude))
	for key := range m.exclude {
		exclude[key] = true
	}
	m.mu.Unlock()

	addrs, err := transport.FindAll(m.usbCtx, exclude)
	if err != nil {
		m.log.Warn("设备扫描失败", zap.Error(err))
		return
	}

	for _, addr := range addrs {
		m.log.Info("发现新设备",
			zap.String("serial_number", addr.SerialNumber),
			zap.Int("bus", addr.Bus),
			zap.Int("address", addr.Address))
		m.start(ctx, addr)
	}
}

// start 为一台设备启动采集goroutine
func (m *Manager) start(ctx context.Context, addr transport.DeviceAddress) {
	key := [2]int{addr.Bus, addr.Address}
	md := &managedDevice{addr: addr, done: make(chan struct{})}

	m.mu.Lock()
	m.exclude[key] = true
	m.devices[key] = md
	m.mu.Unlock()

	go func() {
		defer close(md.done)
		defer func() {
			m.mu.Lock()
			delete(m.exclude, key)
			delete(m.devices, key)
			m.mu.Unlock()
		}()

		m.collect(ctx, addr)
	}()
}

// collect 一台设备的采集循环
func (m *Manager) collect(ctx context.Context, addr transport.DeviceAddress) {
	log := logger.WithDevice(addr.SerialNumber)
	store, commLog := repositories(m.cfg, m.db)
	collector := NewCollector(&m.cfg.Recorder, m.loc, store, commLog)

	tr, err := transport.OpenUSBAt(m.usbCtx, addr)
	if err != nil {
		log.Error("打开设备失败", zap.Error(err))
		return
	}

	dev, err := device.OpenTransport(tr)
	if err != nil {
		log.Error("设备握手失败", zap.Error(err))
		return
	}
	defer dev.Close()

	if err := collector.Run(ctx, dev); err != nil && ctx.Err() == nil {
		log.Error("设备采集中止", zap.Error(err))
	}
}

// wait 等待所有设备goroutine退出
func (m *Manager) wait() {
	m.mu.Lock()
	waiting := make([]*managedDevice, 0, len(m.devices))
	for _, md := range m.devices {
		waiting = append(waiting, md)
	}
	m.mu.Unlock()

	for _, md := range waiting {
		m.log.Info("等待设备停止", zap.String("serial_number", md.addr.SerialNumber))
		<-md.done
	}
}
