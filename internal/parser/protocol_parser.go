package parser

import (
	"encoding/binary"

	"power-monitor/pkg/protocol"
)

// ValidateChecksum 校验候选帧: 负载异或值必须等于帧头校验字节
//
// candidate 至少包含完整帧头和 length 字节负载。
func ValidateChecksum(candidate []byte) bool {
	if len(candidate) < protocol.HeaderSize {
		return false
	}
	length := int(binary.LittleEndian.Uint16(candidate[1:3]))
	if len(candidate) < protocol.HeaderSize+length {
		return false
	}
	payload := candidate[protocol.HeaderSize : protocol.HeaderSize+length]
	return protocol.Checksum(payload) == candidate[7]
}

// Validate 校验帧对象本身的校验字节
func Validate(frame protocol.Frame) bool {
	return int(frame.Length) == len(frame.Payload) && protocol.Checksum(frame.Payload) == frame.Checksum
}

// Decode 解析测量帧
//
// 只有 model=0x04, cmd=0x05, len=8 的帧产生样本，其余帧（应答或其它遥测）
// 返回 false，不视为错误。elapsed 由调用方提供，帧内没有时间戳。
func Decode(frame protocol.Frame, elapsed float64) (protocol.Sample, bool) {
	if !frame.IsMeasurement() || len(frame.Payload) != protocol.MeasurementPayloadSize {
		return protocol.Sample{}, false
	}

	rawCurrent := binary.BigEndian.Uint32(frame.Payload[0:4])
	rawVoltage := binary.BigEndian.Uint32(frame.Payload[4:8])

	return protocol.Sample{
		Elapsed: elapsed,
		Current: float64(rawCurrent) / protocol.CurrentScale,
		Voltage: float64(rawVoltage) / protocol.VoltageScale,
	}, true
}
