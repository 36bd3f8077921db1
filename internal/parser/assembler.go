package parser

import (
	"encoding/binary"

	"power-monitor/pkg/protocol"
)

// Stats 组帧统计
type Stats struct {
	BytesReceived  uint64 `json:"bytes_received"`
	BytesDropped   uint64 `json:"bytes_dropped"`
	SyncDrops      uint64 `json:"sync_drops"`
	ChecksumErrors uint64 `json:"checksum_errors"`
	FramesAccepted uint64 `json:"frames_accepted"`
}

// Assembler 把连续字节流重组为已校验的帧
//
// 缓冲区只在尾部追加、从头部按 FIFO 消费。头部用偏移量表示，
// 已消费的前缀在占比过半时才整体搬移，追加和消费均摊 O(1)。
// 非并发安全，只由会话的读取 goroutine 使用。
type Assembler struct {
	buf   []byte
	off   int
	stats Stats
}

// NewAssembler 创建组帧器，sizeHint 为预分配容量
func NewAssembler(sizeHint int) *Assembler {
	if sizeHint < protocol.HeaderSize {
		sizeHint = protocol.HeaderSize
	}
	return &Assembler{buf: make([]byte, 0, sizeHint)}
}

// Write 追加新到达的字节
func (a *Assembler) Write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	a.compact()
	a.buf = append(a.buf, chunk...)
	a.stats.BytesReceived += uint64(len(chunk))
}

// Next 返回下一个通过校验的帧
//
// 帧头不是同步字节时丢弃 1 字节；校验失败同样只丢弃 1 字节，
// 让下一轮从后一个字节重新扫描。数据不足一帧时返回 false 并保留全部字节。
func (a *Assembler) Next() (protocol.Frame, bool) {
	for a.Buffered() >= protocol.HeaderSize {
		head := a.buf[a.off:]

		if head[0] != protocol.SyncMarker {
			a.stats.SyncDrops++
			a.drop(1)
			continue
		}

		length := int(binary.LittleEndian.Uint16(head[1:3]))
		total := protocol.HeaderSize + length
		if len(head) < total {
			return protocol.Frame{}, false
		}

		candidate := head[:total]
		if !ValidateChecksum(candidate) {
			a.stats.ChecksumErrors++
			a.drop(1)
			continue
		}

		frame := protocol.Frame{
			Length:   uint16(length),
			Model:    candidate[3],
			Command:  candidate[4],
			Reserved: [2]byte{candidate[5], candidate[6]},
			Checksum: candidate[7],
			Payload:  append([]byte(nil), candidate[protocol.HeaderSize:]...),
		}
		a.off += total
		a.stats.FramesAccepted++
		return frame, true
	}
	return protocol.Frame{}, false
}

// Feed 追加字节并把当前缓冲区中所有完整帧交给 fn
func (a *Assembler) Feed(chunk []byte, fn func(protocol.Frame)) int {
	a.Write(chunk)
	n := 0
	for {
		frame, ok := a.Next()
		if !ok {
			return n
		}
		n++
		fn(frame)
	}
}

// Buffered 未消费的字节数
func (a *Assembler) Buffered() int {
	return len(a.buf) - a.off
}

// Stats 返回统计快照
func (a *Assembler) Stats() Stats {
	return a.stats
}

// Reset 丢弃缓冲区内容并清零统计（新会话）
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.off = 0
	a.stats = Stats{}
}

func (a *Assembler) drop(n int) {
	a.off += n
	a.stats.BytesDropped += uint64(n)
}

func (a *Assembler) compact() {
	if a.off == 0 {
		return
	}
	if a.off == len(a.buf) {
		a.buf = a.buf[:0]
		a.off = 0
		return
	}
	// 搬移量不超过已消费量
	if a.off >= len(a.buf)-a.off {
		n := copy(a.buf, a.buf[a.off:])
		a.buf = a.buf[:n]
		a.off = 0
	}
}
