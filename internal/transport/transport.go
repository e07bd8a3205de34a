package transport

import (
	"bytes"
	"strings"
	"time"

	"github.com/google/gousb"

	apperrors "github.com/airel/go-tic/internal/errors"
)

// Transport 帧传输接口
//
// 一个Transport由单个调用者独占，打开后显式关闭。
// ReadMessage是唯一的阻塞点，超时后返回ErrReceiveTimeout。
type Transport interface {
	// WriteMessage 编码载荷并写入一个完整帧
	WriteMessage(payload []byte) error

	// ReadMessage 读取并解码下一个完整帧，超时返回ErrReceiveTimeout
	ReadMessage(timeout time.Duration) ([]byte, error)

	// FlushRead 丢弃接收缓冲区中的残留数据
	FlushRead() error

	// Close 关闭连接并释放资源，可重复调用
	Close() error
}

// 连接字符串前缀
const (
	prefixUSB    = "usb:"
	prefixSerial = "serial:"
)

// Open 根据连接字符串打开传输
//
// 连接字符串格式：
//   - "" 或 "*"：通过USB自动查找唯一的TIC设备
//   - 设备序列号：通过USB连接指定序列号的设备，如 "0107E60A0101"
//   - "usb:序列号"：同上，显式指定USB连接
//   - "serial:端口名"：作为串口设备连接，如 "serial:/dev/ttyACM0"
//
// USB连接需要调用方提供gousb上下文；仅使用串口时ctx可为nil。
func Open(ctx *gousb.Context, connection string) (Transport, error) {
	if strings.HasPrefix(connection, prefixSerial) {
		return OpenSerial(&SerialConfig{Port: connection[len(prefixSerial):]})
	}

	serialNumber := connection
	if strings.HasPrefix(connection, prefixUSB) {
		serialNumber = connection[len(prefixUSB):]
	}

	if ctx == nil {
		return nil, apperrors.New(apperrors.ErrInvalidParam,
			"USB连接需要提供gousb.Context")
	}

	return OpenUSB(ctx, serialNumber)
}

// frameBuffer 帧接收缓冲区
//
// 累积字节流并按0x00分隔符切分数据包。
type frameBuffer struct {
	buf []byte
}

// append 追加接收到的字节
func (b *frameBuffer) append(data []byte) {
	b.buf = append(b.buf, data...)
}

// next 弹出下一个完整数据包（不含分隔符）
func (b *frameBuffer) next() ([]byte, bool) {
	pos := bytes.IndexByte(b.buf, 0)
	if pos < 0 {
		return nil, false
	}

	packet := make([]byte, pos)
	copy(packet, b.buf[:pos])
	b.buf = b.buf[pos+1:]
	return packet, true
}

// discardThroughLastDelimiter 丢弃最后一个分隔符之前的全部数据
//
// 没有分隔符时清空缓冲区。
func (b *frameBuffer) discardThroughLastDelimiter() {
	pos := bytes.LastIndexByte(b.buf, 0)
	if pos < 0 {
		b.buf = b.buf[:0]
		return
	}
	b.buf = b.buf[pos+1:]
}

// containsDelimiter 缓冲区中是否有分隔符
func (b *frameBuffer) containsDelimiter() bool {
	return bytes.IndexByte(b.buf, 0) >= 0
}
