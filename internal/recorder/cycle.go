package recorder

import (
	"math"

	"github.com/airel/go-tic/internal/config"
)

// MeasurementCycle 测量循环调度器
//
// 循环相对Unix纪元对齐，shift为相位偏移。同一配置下多台设备的
// 模式切换时刻因此保持一致。
type MeasurementCycle struct {
	phases []config.CyclePhase
	shift  float64
	total  float64

	hasNext    bool
	nextChange float64
}

// NewMeasurementCycle 创建测量循环
func NewMeasurementCycle(phases []config.CyclePhase, shift float64) *MeasurementCycle {
	total := 0.0
	for _, p := range phases {
		total += p.Duration
	}
	return &MeasurementCycle{phases: phases, shift: shift, total: total}
}

// Mode 返回timestamp时刻应切换到的模式
//
// 仅在进入新阶段时返回模式名，同一阶段内的后续调用返回空串。
// timestamp为Unix秒。
func (c *MeasurementCycle) Mode(timestamp float64) string {
	if c.hasNext && timestamp <= c.nextChange {
		return ""
	}

	elapsed := timestamp - c.shift
	cycles := math.Floor(elapsed / c.total)
	relT := elapsed - cycles*c.total

	c.nextChange = cycles*c.total + c.shift
	c.hasNext = true

	for _, p := range c.phases {
		c.nextChange += p.Duration
		if relT <= p.Duration {
			return p.Mode
		}
		relT -= p.Duration
	}

	return ""
}

// NextChange 返回下一次模式切换的Unix秒时刻
func (c *MeasurementCycle) NextChange() float64 {
	return c.nextChange
}
