package protocol

import (
	"encoding/binary"
	"fmt"
)

// 协议常量
const (
	// 帧头
	SyncMarker = 0xDA
	HeaderSize = 8

	// 型号 / 命令
	ModelMeter    = 0x04
	CommandStream = 0x05

	// 测量帧负载长度: [电流 u32 BE][电压 u32 BE]
	MeasurementPayloadSize = 8

	// 换算系数（固定协议常量）
	CurrentScale = 10000.0
	VoltageScale = 1000.0

	// 串口默认波特率
	DefaultBaudRate = 115200
)

// 数据流开关负载
const (
	StreamOn  = 0x00
	StreamOff = 0x01
)

// Frame 已校验的协议帧
type Frame struct {
	Length   uint16
	Model    uint8
	Command  uint8
	Reserved [2]byte
	Checksum uint8
	Payload  []byte
}

// Size 帧总长度
func (f Frame) Size() int {
	return HeaderSize + int(f.Length)
}

// IsMeasurement 是否为测量数据帧
func (f Frame) IsMeasurement() bool {
	return f.Model == ModelMeter && f.Command == CommandStream && f.Length == MeasurementPayloadSize
}

func (f Frame) String() string {
	return fmt.Sprintf("frame{model=0x%02X cmd=0x%02X len=%d cs=0x%02X}", f.Model, f.Command, f.Length, f.Checksum)
}

// Sample 解码后的测量样本
type Sample struct {
	Elapsed float64 `json:"t"`
	Voltage float64 `json:"v"`
	Current float64 `json:"i"`
}

// Power 功率总是由电压和电流计算
func (s Sample) Power() float64 {
	return s.Voltage * s.Current
}

// Checksum 负载字节异或校验
func Checksum(payload []byte) uint8 {
	var cs uint8
	for _, b := range payload {
		cs ^= b
	}
	return cs
}

// BuildFrame 构造带校验的协议帧
func BuildFrame(model, command uint8, reserved [2]byte, payload []byte) []byte {
	packet := make([]byte, HeaderSize+len(payload))

	packet[0] = SyncMarker
	binary.LittleEndian.PutUint16(packet[1:3], uint16(len(payload)))
	packet[3] = model
	packet[4] = command
	packet[5] = reserved[0]
	packet[6] = reserved[1]
	packet[7] = Checksum(payload)
	copy(packet[HeaderSize:], payload)

	return packet
}

// MeasurementPayload 按设备格式编码原始电流/电压
func MeasurementPayload(rawCurrent, rawVoltage uint32) []byte {
	payload := make([]byte, MeasurementPayloadSize)
	binary.BigEndian.PutUint32(payload[0:4], rawCurrent)
	binary.BigEndian.PutUint32(payload[4:8], rawVoltage)
	return payload
}

// EncodeMeasurement 把物理量编码成测量帧（模拟器和测试使用）
func EncodeMeasurement(voltage, current float64) []byte {
	if voltage < 0 {
		voltage = 0
	}
	if current < 0 {
		current = 0
	}
	rawCurrent := uint32(current*CurrentScale + 0.5)
	rawVoltage := uint32(voltage*VoltageScale + 0.5)
	return BuildFrame(ModelMeter, CommandStream, [2]byte{}, MeasurementPayload(rawCurrent, rawVoltage))
}

// EnableStreamCommand 开启数据流: DA 01 00 04 05 00 00 00 00
func EnableStreamCommand() []byte {
	return BuildFrame(ModelMeter, CommandStream, [2]byte{}, []byte{StreamOn})
}

// DisableStreamCommand 关闭数据流: DA 01 00 04 05 00 00 01 01
func DisableStreamCommand() []byte {
	return BuildFrame(ModelMeter, CommandStream, [2]byte{}, []byte{StreamOff})
}
