package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPOpener 通过串口服务器（ser2net 等）或模拟器连接探头
type TCPOpener struct {
	Address     string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o *TCPOpener) Open(ctx context.Context) (Port, error) {
	d := net.Dialer{Timeout: o.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", o.Address)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", o.Address, err)
	}
	writeTimeout := o.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &tcpPort{Conn: conn, readTimeout: o.ReadTimeout, writeTimeout: writeTimeout}, nil
}

func (o *TCPOpener) String() string {
	return fmt.Sprintf("tcp(%s)", o.Address)
}

// tcpPort 每次读取前设置读超时，超时返回 (0, nil)
type tcpPort struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (p *tcpPort) Read(b []byte) (int, error) {
	if p.readTimeout > 0 {
		if err := p.Conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.Conn.Read(b)
	if err != nil && n == 0 && IsTimeout(err) {
		return 0, nil
	}
	return n, err
}

func (p *tcpPort) Write(b []byte) (int, error) {
	if err := p.Conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return 0, err
	}
	return p.Conn.Write(b)
}
