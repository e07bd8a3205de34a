package transport

import (
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/airel/go-tic/internal/codec"
	apperrors "github.com/airel/go-tic/internal/errors"
	"github.com/airel/go-tic/internal/logger"
)

// 串口默认参数
const (
	DefaultBaudRate    = 115200
	defaultPollTimeout = 100 * time.Millisecond
	readChunkSize      = 4096
	maxFlushReads      = 100
)

// SerialConfig 串口配置
type SerialConfig struct {
	Port        string        `yaml:"port"`         // 串口端口
	BaudRate    int           `yaml:"baud_rate"`    // 波特率（CDC-ACM设备通常忽略）
	PollTimeout time.Duration `yaml:"poll_timeout"` // 单次读取超时
}

// SerialTransport 串口帧传输
type SerialTransport struct {
	config *SerialConfig
	port   *serial.Port
	frames frameBuffer
	mu     sync.Mutex
	logger *zap.Logger
}

// OpenSerial 打开串口传输
func OpenSerial(config *SerialConfig) (*SerialTransport, error) {
	if config.BaudRate == 0 {
		config.BaudRate = DefaultBaudRate
	}
	if config.PollTimeout == 0 {
		config.PollTimeout = defaultPollTimeout
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        config.Port,
		Baud:        config.BaudRate,
		ReadTimeout: config.PollTimeout,
	})
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrPortOpen,
			"串口 %s 打开失败", config.Port)
	}

	t := &SerialTransport{
		config: config,
		port:   port,
		logger: logger.WithModule("transport"),
	}

	t.logger.Info("串口已打开",
		zap.String("port", config.Port),
		zap.Int("baud_rate", config.BaudRate))

	return t, nil
}

// WriteMessage 编码载荷并写入串口
func (t *SerialTransport) WriteMessage(payload []byte) error {
	frame, err := codec.Encode(payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return apperrors.New(apperrors.ErrPortClosed)
	}

	out := append(frame, codec.FrameDelimiter)
	n, err := t.port.Write(out)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrPortWrite)
	}
	if n != len(out) {
		return apperrors.Newf(apperrors.ErrPortWrite, "incomplete write: %d/%d", n, len(out))
	}

	t.logger.Debug("帧已发送",
		zap.Int("payload_len", len(payload)),
		zap.Int("frame_len", len(out)))

	return nil
}

// ReadMessage 读取并解码下一个完整帧
//
// 阻塞直到收到完整帧或超时。
func (t *SerialTransport) ReadMessage(timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(timeout)
	buf := make([]byte, readChunkSize)

	for {
		if packet, ok := t.frames.next(); ok {
			return codec.Decode(packet)
		}

		if t.port == nil {
			return nil, apperrors.New(apperrors.ErrPortClosed)
		}

		if !time.Now().Before(deadline) {
			return nil, apperrors.Newf(apperrors.ErrReceiveTimeout,
				"%v 内未收到完整帧", timeout)
		}

		n, err := t.port.Read(buf)
		if err != nil && err != io.EOF {
			return nil, apperrors.Wrap(err, apperrors.ErrPortRead)
		}
		if n > 0 {
			t.frames.append(buf[:n])
		}
	}
}

// FlushRead 丢弃接收缓冲区中的残留数据
//
// 连续读取直到串口安静，然后丢弃最后一个分隔符之前的全部数据，
// 保证后续读取从完整帧边界开始。
func (t *SerialTransport) FlushRead() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return apperrors.New(apperrors.ErrPortClosed)
	}

	buf := make([]byte, readChunkSize)
	for i := 0; i < maxFlushReads; i++ {
		n, err := t.port.Read(buf)
		if err != nil && err != io.EOF {
			return apperrors.Wrap(err, apperrors.ErrPortRead)
		}
		if n > 0 {
			t.frames.append(buf[:n])
		}
		if n < readChunkSize && !containsZero(buf[:n]) {
			break
		}
	}

	t.frames.discardThroughLastDelimiter()
	return nil
}

// Close 关闭串口，可重复调用
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil
	}

	err := t.port.Close()
	t.port = nil

	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrPortClosed, "串口关闭失败")
	}

	t.logger.Info("串口已关闭", zap.String("port", t.config.Port))
	return nil
}

// containsZero 判断数据中是否含有分隔符
func containsZero(data []byte) bool {
	for _, b := range data {
		if b == 0 {
			return true
		}
	}
	return false
}
