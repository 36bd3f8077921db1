package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"

	"power-monitor/pkg/protocol"
)

// SerialOpener USB 虚拟串口，8N1
type SerialOpener struct {
	Path        string
	BaudRate    int
	ReadTimeout time.Duration
}

func (o *SerialOpener) Open(ctx context.Context) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	baud := o.BaudRate
	if baud <= 0 {
		baud = protocol.DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(o.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("打开串口 %s 失败: %w", o.Path, err)
	}

	if o.ReadTimeout > 0 {
		if err := port.SetReadTimeout(o.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("设置串口超时失败: %w", err)
		}
	}

	// 丢弃打开前残留的数据
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("清空串口输入缓冲失败: %w", err)
	}
	if err := port.ResetOutputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("清空串口输出缓冲失败: %w", err)
	}

	return &serialPort{Port: port}, nil
}

func (o *SerialOpener) String() string {
	return fmt.Sprintf("serial(%s@%d)", o.Path, o.BaudRate)
}

// serialPort 把串口库的关闭错误归一为 ErrClosed
type serialPort struct {
	serial.Port
}

func (p *serialPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	return n, normalizeSerialErr(err)
}

func (p *serialPort) Write(b []byte) (int, error) {
	n, err := p.Port.Write(b)
	return n, normalizeSerialErr(err)
}

func normalizeSerialErr(err error) error {
	if err == nil {
		return nil
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) && portErr.Code() == serial.PortClosed {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

// ListPorts 列出系统串口
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("枚举串口失败: %w", err)
	}
	return ports, nil
}
