package codec

import (
	apperrors "github.com/airel/go-tic/internal/errors"
)

// 帧定义
const (
	// FrameDelimiter 帧分隔符（COBS编码后的数据中不会出现）
	FrameDelimiter byte = 0x00

	// MaxPayloadSize 单帧最大载荷长度
	MaxPayloadSize = 10 * 1024

	// crcSize CRC16校验尾部长度
	crcSize = 2
)

// Encode 编码载荷为COBS帧
//
// 载荷末尾追加CRC16校验（小端序），整体做COBS字节填充。
// 编码结果中不包含帧分隔符0x00，分隔符由传输层在写入时追加。
// 空载荷编码为空帧（用于唤醒设备）。
func Encode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return []byte{}, nil
	}

	if len(payload) > MaxPayloadSize {
		return nil, apperrors.Newf(apperrors.ErrPayloadTooLarge,
			"payload %d bytes exceeds limit %d", len(payload), MaxPayloadSize)
	}

	// 载荷 + CRC尾部
	contents := make([]byte, 0, len(payload)+crcSize)
	contents = append(contents, payload...)
	crc := CRC16XMODEM(payload)
	contents = append(contents, byte(crc&0xFF), byte(crc>>8))

	return cobsEncode(contents), nil
}

// Decode 解码COBS帧为载荷
//
// 输入为不含帧分隔符的单个数据包。解除COBS填充后验证并剥离CRC16尾部。
// 空帧解码为空载荷。
func Decode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return []byte{}, nil
	}

	contents, err := cobsDecode(frame)
	if err != nil {
		return nil, err
	}

	if len(contents) < crcSize {
		return nil, apperrors.New(apperrors.ErrDecoding, "packet too short")
	}

	payload := contents[:len(contents)-crcSize]
	wantCRC := uint16(contents[len(contents)-2]) | uint16(contents[len(contents)-1])<<8
	if CRC16XMODEM(payload) != wantCRC {
		return nil, apperrors.Newf(apperrors.ErrChecksum,
			"crc mismatch: calc=0x%04X, recv=0x%04X", CRC16XMODEM(payload), wantCRC)
	}

	return payload, nil
}

// cobsEncode COBS字节填充
func cobsEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+1+len(data)/254)

	codeIdx := 0
	out = append(out, 0)
	code := byte(1)

	for _, b := range data {
		if b == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}

		out = append(out, b)
		code++
		if code == 0xFF {
			// 块已满，开新块
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}

	out[codeIdx] = code
	return out
}

// cobsDecode 解除COBS字节填充
func cobsDecode(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))

	for i := 0; i < len(data); {
		code := data[i]
		if code == 0 {
			return nil, apperrors.New(apperrors.ErrDecoding, "unexpected delimiter byte in frame")
		}

		blockEnd := i + int(code)
		if blockEnd > len(data) {
			return nil, apperrors.Newf(apperrors.ErrDecoding,
				"truncated block: need %d bytes, have %d", int(code)-1, len(data)-i-1)
		}

		for _, b := range data[i+1 : blockEnd] {
			if b == 0 {
				return nil, apperrors.New(apperrors.ErrDecoding, "unexpected delimiter byte in frame")
			}
			out = append(out, b)
		}

		i = blockEnd
		// 非满块后面隐含一个零字节，帧末尾除外
		if code < 0xFF && i < len(data) {
			out = append(out, 0)
		}
	}

	return out, nil
}

// CRC16XMODEM CRC16-XMODEM算法
func CRC16XMODEM(data []byte) uint16 {
	crc := uint16(0x0000)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
