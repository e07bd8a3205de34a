package device

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	apperrors "github.com/airel/go-tic/internal/errors"
	"github.com/airel/go-tic/internal/logger"
	"github.com/airel/go-tic/internal/transport"
)

// 工作模式
const (
	ModeRun        = "run"
	ModeRunSwapped = "run_swapped"
	ModeZero       = "zero"
	ModeStop       = "stop"
)

// 超时定义
const (
	// connectionInitTimeout 握手超时
	connectionInitTimeout = 1 * time.Second

	// DefaultTimeout 命令响应默认超时
	DefaultTimeout = 1 * time.Second

	// pollInterval 内部轮询间隔
	pollInterval = 100 * time.Millisecond
)

// Message 设备主动上报的消息
//
// 解码后的JSON对象。记录事件形如 {"event":"record","params":{...}}。
type Message map[string]interface{}

// EventType 返回消息的事件类型，非事件消息返回空串
func (m Message) EventType() string {
	if s, ok := m["event"].(string); ok {
		return s
	}
	return ""
}

// Params 返回事件参数对象，没有参数时返回nil
func (m Message) Params() map[string]interface{} {
	if p, ok := m["params"].(map[string]interface{}); ok {
		return p
	}
	return nil
}

// request 发往设备的命令
type request struct {
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// response 设备对命令的应答
type response struct {
	Result *json.RawMessage `json:"result,omitempty"`
	Error  *deviceError     `json:"error,omitempty"`
}

// deviceError 设备返回的错误对象
type deviceError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// CommLogger 通信日志钩子
//
// direction为"SEND"或"RECEIVE"，method为命令名或事件类型。
type CommLogger interface {
	LogComm(direction string, method string, payload []byte, err error)
}

// Device TIC设备连接
//
// 独占一个Transport。设备在响应命令的同时会主动上报事件消息，
// 等待命令响应期间收到的事件进入内部FIFO队列，由ReceiveMessage优先返回。
type Device struct {
	transport transport.Transport
	queue     []Message
	logger    *zap.Logger
	commLog   CommLogger

	closeMu sync.Mutex
	closed  bool
}

// Open 打开到TIC设备的连接
//
// 连接字符串格式见transport.Open。打开后执行唤醒和ping握手，
// 确认设备在线且帧边界同步。
func Open(ctx *gousb.Context, connection string) (*Device, error) {
	tr, err := transport.Open(ctx, connection)
	if err != nil {
		return nil, err
	}

	return OpenTransport(tr)
}

// OpenTransport 基于已打开的传输建立设备连接
func OpenTransport(tr transport.Transport) (*Device, error) {
	d := &Device{
		transport: tr,
		logger:    logger.WithModule("device"),
	}

	if err := d.initConnection(); err != nil {
		tr.Close()
		return nil, err
	}

	return d, nil
}

// SetCommLogger 设置通信日志钩子，nil关闭
func (d *Device) SetCommLogger(cl CommLogger) {
	d.commLog = cl
}

// Close 关闭设备连接并释放硬件资源，可重复调用
func (d *Device) Close() error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	return d.transport.Close()
}

// initConnection 连接初始化握手
//
// 先写入空帧唤醒设备并清空接收缓冲区，再发送随机载荷的ping，
// 等待设备回显该载荷，确认双方帧边界已同步。
func (d *Device) initConnection() error {
	if err := d.transport.WriteMessage(nil); err != nil {
		return err
	}
	if err := d.transport.FlushRead(); err != nil {
		return err
	}

	pingPayload := fmt.Sprintf("%d", rand.Intn(1000000000))
	if err := d.sendRequest("ping", pingPayload); err != nil {
		return err
	}

	deadline := time.Now().Add(connectionInitTimeout)
	for time.Now().Before(deadline) {
		msg, err := d.readMessage(pollInterval)
		if err != nil {
			// 残留的半截帧在握手阶段是正常的
			if apperrors.Is(err, apperrors.ErrDecoding) || apperrors.Is(err, apperrors.ErrChecksum) {
				continue
			}
			if apperrors.Is(err, apperrors.ErrReceiveTimeout) {
				continue
			}
			return err
		}
		if msg == nil {
			continue
		}

		if result, ok := msg["result"].(string); ok && result == pingPayload {
			d.logger.Debug("设备握手成功")
			return nil
		}
	}

	return apperrors.New(apperrors.ErrHandshake, "设备未响应ping握手")
}

// sendRequest 编码并发送一条命令
func (d *Device) sendRequest(method string, params interface{}) error {
	req := request{Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrEncoding)
	}

	err = d.transport.WriteMessage(payload)
	logger.LogDeviceMessage("send", method, len(payload), err)
	if d.commLog != nil {
		d.commLog.LogComm("SEND", method, payload, err)
	}
	return err
}

// readMessage 读取并解析一条JSON消息
//
// 超时返回ErrReceiveTimeout，空帧返回nil消息。
func (d *Device) readMessage(timeout time.Duration) (Message, error) {
	payload, err := d.transport.ReadMessage(timeout)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInvalidMessage, "invalid json message")
	}

	if d.commLog != nil {
		d.commLog.LogComm("RECEIVE", messageKind(msg), payload, nil)
	}

	return msg, nil
}

// messageKind 消息类别，用于通信日志
func messageKind(msg Message) string {
	if event := msg.EventType(); event != "" {
		return event
	}
	if _, ok := msg["result"]; ok {
		return "result"
	}
	if _, ok := msg["error"]; ok {
		return "error"
	}
	return "unknown"
}

// receiveResponse 等待命令响应
//
// 响应到达前收到的事件消息进入FIFO队列。
func (d *Device) receiveResponse(timeout time.Duration) (interface{}, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg, err := d.readMessage(pollInterval)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrReceiveTimeout) {
				continue
			}
			return nil, err
		}
		if msg == nil {
			continue
		}

		if result, ok := msg["result"]; ok {
			return result, nil
		}
		if errObj, ok := msg["error"]; ok {
			return nil, deviceErrorFrom(errObj)
		}

		// 不是响应，入队等待ReceiveMessage取走
		d.queue = append(d.queue, msg)
	}

	return nil, apperrors.Newf(apperrors.ErrReceiveTimeout, "%v 内未收到命令响应", timeout)
}

// deviceErrorFrom 将设备错误对象转换为应用错误
func deviceErrorFrom(errObj interface{}) *apperrors.AppError {
	m, ok := errObj.(map[string]interface{})
	if !ok {
		return apperrors.New(apperrors.ErrDeviceResponse)
	}

	code, _ := m["code"].(string)
	msg, _ := m["msg"].(string)
	if msg != "" {
		return apperrors.Newf(apperrors.ErrDeviceResponse, "%s: %s", code, msg)
	}
	return apperrors.New(apperrors.ErrDeviceResponse, code)
}

// waitOKResponse 等待"ok"响应
func (d *Device) waitOKResponse(timeout time.Duration) error {
	resp, err := d.receiveResponse(timeout)
	if err != nil {
		return err
	}

	if s, ok := resp.(string); ok && s == "ok" {
		return nil
	}
	return apperrors.Newf(apperrors.ErrUnexpectedResponse, "%v", resp)
}

// ReceiveMessage 返回设备上报的下一条消息
//
// 优先从内部FIFO队列返回等待命令响应期间收到的事件。
// timeout为0时只取队列中的消息，不阻塞。超时返回nil消息且无错误。
// 设备错误响应以ErrDeviceResponse错误返回。
func (d *Device) ReceiveMessage(timeout time.Duration) (Message, error) {
	if len(d.queue) > 0 {
		msg := d.queue[0]
		d.queue = d.queue[1:]
		return msg, nil
	}

	if timeout == 0 {
		return nil, nil
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg, err := d.readMessage(pollInterval)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrReceiveTimeout) {
				continue
			}
			return nil, err
		}
		if msg == nil {
			continue
		}

		if errObj, ok := msg["error"]; ok {
			return nil, deviceErrorFrom(errObj)
		}

		return msg, nil
	}

	return nil, nil
}

// Ping 向设备发送ping命令，设备回显相同载荷
func (d *Device) Ping(payload string) (string, error) {
	if err := d.sendRequest("ping", payload); err != nil {
		return "", err
	}

	resp, err := d.receiveResponse(DefaultTimeout)
	if err != nil {
		return "", err
	}

	s, ok := resp.(string)
	if !ok {
		return "", apperrors.Newf(apperrors.ErrUnexpectedResponse, "%v", resp)
	}
	return s, nil
}

// GetSystemInfo 查询设备系统信息
func (d *Device) GetSystemInfo() (map[string]interface{}, error) {
	return d.queryObject("get_system_info")
}

// GetDebugInfo 查询设备调试信息
func (d *Device) GetDebugInfo() (map[string]interface{}, error) {
	return d.queryObject("get_debug_info")
}

// GetSettings 查询设备当前的用户设置
func (d *Device) GetSettings() (map[string]interface{}, error) {
	return d.queryObject("get_settings")
}

// queryObject 发送无参数命令并返回对象响应
func (d *Device) queryObject(method string) (map[string]interface{}, error) {
	if err := d.sendRequest(method, nil); err != nil {
		return nil, err
	}

	resp, err := d.receiveResponse(DefaultTimeout)
	if err != nil {
		return nil, err
	}

	obj, ok := resp.(map[string]interface{})
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnexpectedResponse, "%v", resp)
	}
	return obj, nil
}

// SetSettings 更新设备的用户设置
func (d *Device) SetSettings(settings map[string]interface{}) error {
	if err := d.sendRequest("set_settings", settings); err != nil {
		return err
	}
	return d.waitOKResponse(DefaultTimeout)
}

// ResetSettings 重置设备设置，settings非nil时在重置后应用
func (d *Device) ResetSettings(settings map[string]interface{}) error {
	var err error
	if settings != nil {
		err = d.sendRequest("reset_settings", settings)
	} else {
		err = d.sendRequest("reset_settings", nil)
	}
	if err != nil {
		return err
	}
	return d.waitOKResponse(DefaultTimeout)
}

// StoreSettings 将当前设置写入设备的非易失存储
func (d *Device) StoreSettings() error {
	if err := d.sendRequest("store_settings", nil); err != nil {
		return err
	}
	return d.waitOKResponse(DefaultTimeout)
}

// HardReset 请求设备MCU复位
//
// 设备将重启，连接随之失效。调用后应Close并丢弃本对象。
func (d *Device) HardReset() error {
	return d.sendRequest("hard_reset", nil)
}

// EnterDFU 请求设备复位并进入固件升级模式
//
// 设备将重启，连接随之失效。调用后应Close并丢弃本对象。
func (d *Device) EnterDFU() error {
	return d.sendRequest("enter_dfu", nil)
}

// SetMode 设置设备工作模式
//
// 有效模式：run、run_swapped、zero、stop。
func (d *Device) SetMode(mode string) error {
	switch mode {
	case ModeRun, ModeRunSwapped, ModeZero, ModeStop:
	default:
		return apperrors.New(apperrors.ErrInvalidMode, mode)
	}

	if err := d.sendRequest("set_mode", mode); err != nil {
		return err
	}
	return d.waitOKResponse(DefaultTimeout)
}

// SetCustomMode 设置自定义工作模式
func (d *Device) SetCustomMode(params map[string]interface{}) error {
	if err := d.sendRequest("set_custom_mode", params); err != nil {
		return err
	}
	return d.waitOKResponse(DefaultTimeout)
}

// GetFlagDescriptions 查询设备记录标志位的文本描述
//
// 设备以[标志, 描述]对的列表返回，转换为映射。
func (d *Device) GetFlagDescriptions() (map[string]string, error) {
	if err := d.sendRequest("get_flag_descriptions", nil); err != nil {
		return nil, err
	}

	resp, err := d.receiveResponse(DefaultTimeout)
	if err != nil {
		return nil, err
	}

	pairs, ok := resp.([]interface{})
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnexpectedResponse, "%v", resp)
	}

	flags := make(map[string]string, len(pairs))
	for _, item := range pairs {
		pair, ok := item.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, apperrors.Newf(apperrors.ErrUnexpectedResponse, "invalid flag pair: %v", item)
		}
		key, keyOK := pair[0].(string)
		value, valueOK := pair[1].(string)
		if !keyOK || !valueOK {
			return nil, apperrors.Newf(apperrors.ErrUnexpectedResponse, "invalid flag pair: %v", item)
		}
		flags[key] = value
	}

	return flags, nil
}
