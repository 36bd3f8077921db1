package simulator

import (
	"math"
	"math/rand"
)

// 演示曲线参数: 空载 5.08V / 0.02A，每 30 秒循环一次
const (
	BaseVoltage = 5.08
	BaseCurrent = 0.02
	TracePeriod = 30.0
)

// Trace 100Hz 级别的 USB 负载模拟曲线
//
// 阶段: 2-5s 握手, 5-15s 充电, 15-20s 脉冲大电流, 20-28s 亮屏空闲。
type Trace struct {
	rng  *rand.Rand
	step float64
	t    float64
}

// NewTrace 创建模拟曲线，rate 为每秒采样数
func NewTrace(seed int64, rate int) *Trace {
	if rate <= 0 {
		rate = 100
	}
	return &Trace{
		rng:  rand.New(rand.NewSource(seed)),
		step: 1.0 / float64(rate),
	}
}

// Next 返回下一个采样点 (曲线时间, 电压, 电流)
func (tr *Trace) Next() (float64, float64, float64) {
	tr.t += tr.step
	v, i := tr.At(math.Mod(tr.t, TracePeriod))
	return tr.t, v, i
}

// At 计算曲线在 t 秒处的读数（带随机扰动）
func (tr *Trace) At(t float64) (float64, float64) {
	v := BaseVoltage + (tr.rng.Float64()*0.02 - 0.01)
	i := BaseCurrent + (tr.rng.Float64()*0.01 - 0.005)

	switch {
	case t > 2 && t < 5:
		i += 0.25
		v -= 0.1
	case t >= 5 && t < 15:
		i += 1.2 + math.Sin(t*5)*0.05
		v -= 0.35 + tr.rng.Float64()*0.02
	case t >= 15 && t < 20:
		if math.Sin(t*10) > 0 {
			i += 2.5
			v -= 0.8
		} else {
			i += 0.5
			v -= 0.15
		}
	case t >= 20 && t < 28:
		i += 0.8
		v -= 0.2
	}
	return v, i
}
