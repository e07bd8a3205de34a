package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/airel/go-tic/internal/codec"
	apperrors "github.com/airel/go-tic/internal/errors"
	"github.com/airel/go-tic/internal/logger"
)

// TIC设备的USB标识
const (
	VendorID  gousb.ID = 0x16C0
	ProductID gousb.ID = 0x27DD

	usbManufacturer = "Airel"
	usbProduct      = "TIC"

	usbInterfaceNum = 0
	inEndpointNum   = 2 // 0x82
	outEndpointNum  = 1 // 0x01

	usbPollTimeout  = 100 * time.Millisecond
	usbWriteTimeout = 100 * time.Millisecond
	usbReadBufSize  = 10 * 1024
)

// DeviceAddress USB总线上的TIC设备地址
type DeviceAddress struct {
	Bus          int    `json:"bus"`
	Address      int    `json:"address"`
	SerialNumber string `json:"serial_number"`
}

// String 实现Stringer接口
func (a DeviceAddress) String() string {
	return fmt.Sprintf("%s (bus %d, addr %d)", a.SerialNumber, a.Bus, a.Address)
}

// USBTransport USB帧传输
//
// 直接通过libusb批量端点通信，绕过CDC-ACM串口驱动。
type USBTransport struct {
	dev     *gousb.Device
	intf    *gousb.Interface
	release func()
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	frames  frameBuffer
	mu      sync.Mutex
	logger  *zap.Logger
}

// FindAll 枚举连接到主机的全部TIC设备
//
// exclude中的总线/地址会被跳过，用于排除已被占用的设备。
func FindAll(ctx *gousb.Context, exclude map[[2]int]bool) ([]DeviceAddress, error) {
	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if exclude != nil && exclude[[2]int{desc.Bus, desc.Address}] {
			return false
		}
		return desc.Vendor == VendorID && desc.Product == ProductID
	})
	defer closeAll(devices)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPortOpen, "USB设备枚举失败")
	}

	var found []DeviceAddress
	for _, dev := range devices {
		if !matchDeviceStrings(dev) {
			continue
		}
		serialNumber, err := dev.SerialNumber()
		if err != nil {
			continue
		}
		found = append(found, DeviceAddress{
			Bus:          dev.Desc.Bus,
			Address:      dev.Desc.Address,
			SerialNumber: serialNumber,
		})
	}

	return found, nil
}

// OpenUSB 通过libusb打开TIC设备
//
// serialNumber为空或"*"时自动选择，找到多台设备时返回错误。
func OpenUSB(ctx *gousb.Context, serialNumber string) (*USBTransport, error) {
	return openUSB(ctx, serialNumber, nil)
}

// OpenUSBAt 打开指定总线地址上的TIC设备
//
// 多设备管理时使用，避免两个采集协程抢占同一台设备。
func OpenUSBAt(ctx *gousb.Context, addr DeviceAddress) (*USBTransport, error) {
	busAddr := [2]int{addr.Bus, addr.Address}
	return openUSB(ctx, addr.SerialNumber, &busAddr)
}

func openUSB(ctx *gousb.Context, serialNumber string, busAddr *[2]int) (*USBTransport, error) {
	if serialNumber == "*" {
		serialNumber = ""
	}

	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if busAddr != nil && (desc.Bus != busAddr[0] || desc.Address != busAddr[1]) {
			return false
		}
		return desc.Vendor == VendorID && desc.Product == ProductID
	})
	if err != nil {
		closeAll(devices)
		return nil, apperrors.Wrap(err, apperrors.ErrPortOpen, "USB设备枚举失败")
	}

	// 按字符串描述符过滤
	var matched []*gousb.Device
	for _, dev := range devices {
		if !matchDeviceStrings(dev) {
			dev.Close()
			continue
		}
		if serialNumber != "" {
			sn, err := dev.SerialNumber()
			if err != nil || sn != serialNumber {
				dev.Close()
				continue
			}
		}
		matched = append(matched, dev)
	}

	if len(matched) == 0 {
		return nil, apperrors.New(apperrors.ErrDeviceNotFound)
	}
	if len(matched) > 1 {
		serials := make([]string, 0, len(matched))
		for _, dev := range matched {
			sn, _ := dev.SerialNumber()
			serials = append(serials, sn)
		}
		closeAll(matched)
		return nil, apperrors.Newf(apperrors.ErrMultipleDevices,
			"序列号: %s", strings.Join(serials, ", "))
	}

	dev := matched[0]

	// 接管内核的CDC-ACM驱动
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrPortOpen, "接管内核驱动失败")
	}

	intf, release, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		return nil, apperrors.Wrapf(err, apperrors.ErrPortOpen,
			"声明接口 %d 失败", usbInterfaceNum)
	}

	in, err := intf.InEndpoint(inEndpointNum)
	if err != nil {
		release()
		dev.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrPortOpen, "打开IN端点失败")
	}

	out, err := intf.OutEndpoint(outEndpointNum)
	if err != nil {
		release()
		dev.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrPortOpen, "打开OUT端点失败")
	}

	t := &USBTransport{
		dev:     dev,
		intf:    intf,
		release: release,
		in:      in,
		out:     out,
		logger:  logger.WithModule("transport"),
	}

	sn, _ := dev.SerialNumber()
	t.logger.Info("USB设备已打开",
		zap.String("serial_number", sn),
		zap.Int("bus", dev.Desc.Bus),
		zap.Int("address", dev.Desc.Address))

	return t, nil
}

// matchDeviceStrings 校验厂商和产品字符串描述符
func matchDeviceStrings(dev *gousb.Device) bool {
	manufacturer, err := dev.Manufacturer()
	if err != nil || manufacturer != usbManufacturer {
		return false
	}
	product, err := dev.Product()
	if err != nil || product != usbProduct {
		return false
	}
	return true
}

// closeAll 关闭一组设备句柄
func closeAll(devices []*gousb.Device) {
	for _, dev := range devices {
		if dev != nil {
			dev.Close()
		}
	}
}

// WriteMessage 编码载荷并写入OUT端点
func (t *USBTransport) WriteMessage(payload []byte) error {
	frame, err := codec.Encode(payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev == nil {
		return apperrors.New(apperrors.ErrPortClosed)
	}

	out := append(frame, codec.FrameDelimiter)

	ctx, cancel := context.WithTimeout(context.Background(), usbWriteTimeout)
	defer cancel()

	n, err := t.out.WriteContext(ctx, out)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperrors.Wrap(err, apperrors.ErrTimeout, "USB写入超时")
		}
		return apperrors.Wrap(err, apperrors.ErrPortWrite)
	}
	if n != len(out) {
		return apperrors.Newf(apperrors.ErrPortWrite, "incomplete write: %d/%d", n, len(out))
	}

	return nil
}

// ReadMessage 从IN端点读取并解码下一个完整帧
func (t *USBTransport) ReadMessage(timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(timeout)
	buf := make([]byte, usbReadBufSize)

	for {
		if packet, ok := t.frames.next(); ok {
			return codec.Decode(packet)
		}

		if t.dev == nil {
			return nil, apperrors.New(apperrors.ErrPortClosed)
		}

		if !time.Now().Before(deadline) {
			return nil, apperrors.Newf(apperrors.ErrReceiveTimeout,
				"%v 内未收到完整帧", timeout)
		}

		n, err := t.readChunk(buf, usbPollTimeout)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			t.frames.append(buf[:n])
		}
	}
}

// readChunk 执行一次带超时的批量读取，超时不视为错误
func (t *USBTransport) readChunk(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := t.in.ReadContext(ctx, buf)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return n, apperrors.Wrap(err, apperrors.ErrPortRead)
	}
	return n, nil
}

// FlushRead 丢弃接收缓冲区中的残留数据
func (t *USBTransport) FlushRead() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev == nil {
		return apperrors.New(apperrors.ErrPortClosed)
	}

	buf := make([]byte, usbReadBufSize)
	for i := 0; i < maxFlushReads; i++ {
		n, err := t.readChunk(buf, time.Millisecond)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		t.frames.append(buf[:n])
	}

	t.frames.discardThroughLastDelimiter()
	return nil
}

// Close 释放USB资源，可重复调用
func (t *USBTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev == nil {
		return nil
	}

	t.release()
	err := t.dev.Close()
	t.dev = nil
	t.intf = nil
	t.in = nil
	t.out = nil

	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrPortClosed, "USB设备关闭失败")
	}

	t.logger.Info("USB设备已关闭")
	return nil
}
