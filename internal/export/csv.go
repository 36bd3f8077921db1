package export

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"power-monitor/internal/history"
	"power-monitor/pkg/protocol"
)

// Header 导出文件表头
const Header = "Time(s),Voltage(V),Current(A),Power(W),Marker"

var ErrNoHeader = errors.New("缺少表头或数据行")

// Result 导入结果
type Result struct {
	Samples []protocol.Sample
	Markers []Marker
	Skipped int
}

// Export 写出样本，每个标记挂在时间最近的样本行上，多个标记用 | 连接
//
// 数值保留 3 位小数，功率导出时计算。
func Export(w io.Writer, samples []protocol.Sample, markers []Marker) error {
	labels := attach(samples, markers)

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(Header + "\n"); err != nil {
		return fmt.Errorf("写入表头失败: %w", err)
	}

	var line []byte
	for idx, s := range samples {
		line = line[:0]
		line = strconv.AppendFloat(line, s.Elapsed, 'f', 3, 64)
		line = append(line, ',')
		line = strconv.AppendFloat(line, s.Voltage, 'f', 3, 64)
		line = append(line, ',')
		line = strconv.AppendFloat(line, s.Current, 'f', 3, 64)
		line = append(line, ',')
		line = strconv.AppendFloat(line, s.Power(), 'f', 3, 64)
		if l, ok := labels[idx]; ok {
			line = append(line, ',')
			line = append(line, strings.Join(l, "|")...)
		}
		line = append(line, '\n')
		if _, err := bw.Write(line); err != nil {
			return fmt.Errorf("写入数据失败: %w", err)
		}
	}
	return bw.Flush()
}

// Import 解析导出文件
//
// 前四列为数值，其余部分为标记文本（允许含逗号，开头的 | 去掉）。
// 数值无法解析或时间倒退的行被跳过。
func Import(r io.Reader) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("读取文件失败: %w", err)
		}
		return nil, ErrNoHeader
	}

	res := &Result{}
	last := math.Inf(-1)
	rows := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rows++

		parts := strings.SplitN(line, ",", 5)
		if len(parts) < 4 {
			res.Skipped++
			continue
		}
		t, errT := parseNumber(parts[0])
		v, errV := parseNumber(parts[1])
		i, errI := parseNumber(parts[2])
		if errT != nil || errV != nil || errI != nil || t < last {
			res.Skipped++
			continue
		}
		last = t

		res.Samples = append(res.Samples, protocol.Sample{Elapsed: t, Voltage: v, Current: i})
		if len(parts) == 5 {
			for _, label := range strings.Split(strings.TrimPrefix(parts[4], "|"), "|") {
				if label = strings.TrimSpace(label); label != "" {
					res.Markers = append(res.Markers, Marker{Time: t, Label: label})
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	if rows == 0 {
		return nil, ErrNoHeader
	}
	return res, nil
}

// Load 用导入结果重建历史，极值从哨兵值重新计算
func Load(h *history.History, res *Result) {
	h.Reset()
	for _, s := range res.Samples {
		h.Record(s)
	}
}

func parseNumber(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, strconv.ErrSyntax
	}
	return f, nil
}

// attach 标记 -> 最近样本下标，距离相同时取较早的样本
func attach(samples []protocol.Sample, markers []Marker) map[int][]string {
	out := make(map[int][]string)
	if len(samples) == 0 {
		return out
	}
	for _, m := range markers {
		idx := sort.Search(len(samples), func(i int) bool {
			return samples[i].Elapsed >= m.Time
		})
		switch {
		case idx == len(samples):
			idx--
		case idx > 0 && m.Time-samples[idx-1].Elapsed <= samples[idx].Elapsed-m.Time:
			idx--
		}
		out[idx] = append(out[idx], sanitize(m.Label))
	}
	return out
}

// 标签不能破坏行结构
func sanitize(label string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '|' {
			return ' '
		}
		return r
	}, label)
}
