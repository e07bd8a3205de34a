package device

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/airel/go-tic/internal/errors"
)

// mockTransport 脚本化的传输实现
type mockTransport struct {
	sent     [][]byte
	incoming [][]byte
	flushed  bool
	closed   bool
	autoPing bool
}

func (m *mockTransport) WriteMessage(payload []byte) error {
	m.sent = append(m.sent, payload)

	if m.autoPing && len(payload) > 0 {
		var req struct {
			Method string      `json:"method"`
			Params interface{} `json:"params"`
		}
		if err := json.Unmarshal(payload, &req); err == nil && req.Method == "ping" {
			resp, _ := json.Marshal(map[string]interface{}{"result": req.Params})
			m.incoming = append(m.incoming, resp)
		}
	}
	return nil
}

func (m *mockTransport) ReadMessage(timeout time.Duration) ([]byte, error) {
	if len(m.incoming) == 0 {
		return nil, apperrors.New(apperrors.ErrReceiveTimeout)
	}
	payload := m.incoming[0]
	m.incoming = m.incoming[1:]
	return payload, nil
}

func (m *mockTransport) FlushRead() error {
	m.flushed = true
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

// enqueueJSON 向接收队列追加一条JSON消息
func (m *mockTransport) enqueueJSON(t *testing.T, v interface{}) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	m.incoming = append(m.incoming, payload)
}

// lastSent 解析最后发送的命令
func (m *mockTransport) lastSent(t *testing.T) map[string]interface{} {
	t.Helper()
	require.NotEmpty(t, m.sent)
	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(m.sent[len(m.sent)-1], &req))
	return req
}

func newTestDevice(t *testing.T) (*Device, *mockTransport) {
	t.Helper()
	tr := &mockTransport{autoPing: true}
	d, err := OpenTransport(tr)
	require.NoError(t, err)
	tr.sent = nil
	return d, tr
}

func TestOpenTransportHandshake(t *testing.T) {
	tr := &mockTransport{autoPing: true}
	d, err := OpenTransport(tr)
	require.NoError(t, err)
	defer d.Close()

	// 先写空帧唤醒并清空缓冲区，然后发送ping
	require.GreaterOrEqual(t, len(tr.sent), 2)
	assert.Empty(t, tr.sent[0])
	assert.True(t, tr.flushed)

	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(tr.sent[1], &req))
	assert.Equal(t, "ping", req["method"])
	assert.NotEmpty(t, req["params"])
}

func TestOpenTransportHandshakeFailure(t *testing.T) {
	tr := &mockTransport{}
	_, err := OpenTransport(tr)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrHandshake))
	assert.True(t, tr.closed)
}

func TestPing(t *testing.T) {
	d, tr := newTestDevice(t)
	defer d.Close()

	tr.enqueueJSON(t, map[string]interface{}{"result": "hello"})
	result, err := d.Ping("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", result)

	req := tr.lastSent(t)
	assert.Equal(t, "ping", req["method"])
	assert.Equal(t, "hello", req["params"])
}

func TestGetSystemInfo(t *testing.T) {
	d, tr := newTestDevice(t)
	defer d.Close()

	tr.enqueueJSON(t, map[string]interface{}{
		"result": map[string]interface{}{
			"serial_number": "TIC0042",
			"fw_version":    "1.2.3",
		},
	})

	info, err := d.GetSystemInfo()
	require.NoError(t, err)
	assert.Equal(t, "TIC0042", info["serial_number"])
	assert.Equal(t, "get_system_info", tr.lastSent(t)["method"])
}

func TestSetSettings(t *testing.T) {
	d, tr := newTestDevice(t)
	defer d.Close()

	tr.enqueueJSON(t, map[string]interface{}{"result": "ok"})
	err := d.SetSettings(map[string]interface{}{"counter_averaging_s": 10})
	require.NoError(t, err)

	req := tr.lastSent(t)
	assert.Equal(t, "set_settings", req["method"])
	params := req["params"].(map[string]interface{})
	assert.EqualValues(t, 10, params["counter_averaging_s"])
}

func TestSetSettingsDeviceError(t *testing.T) {
	d, tr := newTestDevice(t)
	defer d.Close()

	tr.enqueueJSON(t, map[string]interface{}{
		"error": map[string]interface{}{"code": "invalid_setting", "msg": "unknown key"},
	})

	err := d.SetSettings(map[string]interface{}{"bogus": 1})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDeviceResponse))
	assert.Contains(t, err.Error(), "invalid_setting")
}

func TestSetSettingsUnexpectedResponse(t *testing.T) {
	d, tr := newTestDevice(t)
	defer d.Close()

	tr.enqueueJSON(t, map[string]interface{}{"result": "nope"})
	err := d.SetSettings(map[string]interface{}{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnexpectedResponse))
}

func TestSetMode(t *testing.T) {
	d, tr := newTestDevice(t)
	defer d.Close()

	for _, mode := range []string{ModeRun, ModeRunSwapped, ModeZero, ModeStop} {
		tr.enqueueJSON(t, map[string]interface{}{"result": "ok"})
		require.NoError(t, d.SetMode(mode))

		req := tr.lastSent(t)
		assert.Equal(t, "set_mode", req["method"])
		assert.Equal(t, mode, req["params"])
	}
}

func TestSetModeInvalid(t *testing.T) {
	d, tr := newTestDevice(t)
	defer d.Close()

	err := d.SetMode("warp")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidMode))
	// 非法模式不应发往设备
	assert.Empty(t, tr.sent)
}

func TestHardResetSendOnly(t *testing.T) {
	d, tr := newTestDevice(t)
	defer d.Close()

	require.NoError(t, d.HardReset())
	assert.Equal(t, "hard_reset", tr.lastSent(t)["method"])
	assert.Empty(t, tr.incoming)
}

func TestEnterDFUSendOnly(t *testing.T) {
	d, tr := newTestDevice(t)
	defer d.Close()

	require.NoError(t, d.EnterDFU())
	assert.Equal(t, "enter_dfu", tr.lastSent(t)["method"])
}

func TestGetFlagDescriptions(t *testing.T) {
	d, tr := newTestDevice(t)
	defer d.Close()

	tr.enqueueJSON(t, map[string]interface{}{
		"result": [][]string{
			{"cpc_fault", "CPC hardware fault"},
			{"zero_mode", "Zero measurement active"},
		},
	})

	flags, err := d.GetFlagDescriptions()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"cpc_fault": "CPC hardware fault",
		"zero_mode": "Zero measurement active",
	}, flags)
}

func TestEventQueuedDuringResponse(t *testing.T) {
	d, tr := newTestDevice(t)
	defer d.Close()

	// 响应到达之前先上报一条记录事件
	tr.enqueueJSON(t, map[string]interface{}{
		"event":  "record",
		"params": map[string]interface{}{"concentration_p": 120.5},
	})
	tr.enqueueJSON(t, map[string]interface{}{"result": map[string]interface{}{}})

	_, err := d.GetSettings()
	require.NoError(t, err)

	msg, err := d.ReceiveMessage(0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "record", msg.EventType())
	assert.Equal(t, 120.5, msg.Params()["concentration_p"])

	// 队列已空
	msg, err = d.ReceiveMessage(0)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestReceiveMessageDirect(t *testing.T) {
	d, tr := newTestDevice(t)
	defer d.Close()

	tr.enqueueJSON(t, map[string]interface{}{"event": "housekeeping", "params": map[string]interface{}{}})

	msg, err := d.ReceiveMessage(200 * time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "housekeeping", msg.EventType())
}

func TestReceiveMessageErrorResponse(t *testing.T) {
	d, tr := newTestDevice(t)
	defer d.Close()

	tr.enqueueJSON(t, map[string]interface{}{
		"error": map[string]interface{}{"code": "busy", "msg": "device busy"},
	})

	_, err := d.ReceiveMessage(200 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDeviceResponse))
}

type commLogEntry struct {
	direction string
	method    string
	bytes     int
}

type recordingCommLogger struct {
	entries []commLogEntry
}

func (r *recordingCommLogger) LogComm(direction string, method string, payload []byte, err error) {
	r.entries = append(r.entries, commLogEntry{direction: direction, method: method, bytes: len(payload)})
}

func TestCommLoggerHook(t *testing.T) {
	d, tr := newTestDevice(t)
	defer d.Close()

	cl := &recordingCommLogger{}
	d.SetCommLogger(cl)

	tr.enqueueJSON(t, map[string]interface{}{"result": "hello"})
	_, err := d.Ping("hello")
	require.NoError(t, err)

	require.Len(t, cl.entries, 2)
	assert.Equal(t, "SEND", cl.entries[0].direction)
	assert.Equal(t, "ping", cl.entries[0].method)
	assert.Positive(t, cl.entries[0].bytes)
	assert.Equal(t, "RECEIVE", cl.entries[1].direction)
	assert.Equal(t, "result", cl.entries[1].method)

	// 关闭后不再记录
	d.SetCommLogger(nil)
	tr.enqueueJSON(t, map[string]interface{}{"result": "again"})
	_, err = d.Ping("again")
	require.NoError(t, err)
	assert.Len(t, cl.entries, 2)
}

func TestCloseIdempotent(t *testing.T) {
	d, tr := newTestDevice(t)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, tr.closed)
}
