package gossip

import (
	metrics "github.com/rcrowley/go-metrics"
)

const metricsPrefix = "addrman."

// Metrics 记录地址簿的运行状况，所有指标都注册在同一个 metrics.Registry 里
type Metrics struct {
	// new 表里的地址数
	NewSize metrics.Gauge
	// tried 表里的地址数
	TriedSize metrics.Gauge
	// 已创建但还没有被放进任何一张表的记录数
	Unplaced metrics.Gauge

	// 成功加入 new 表的地址总数
	Added metrics.Counter
	// 因为糟糕或者找不到位置而被删除的地址总数
	Evicted metrics.Counter
	// tried 表槽位冲突的次数
	Collisions metrics.Counter
}

// NewMetrics 在 registry 中注册（或取出已有的）地址簿指标
func NewMetrics(registry metrics.Registry) *Metrics {
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	return &Metrics{
		NewSize:    metrics.GetOrRegisterGauge(metricsPrefix+"new", registry),
		TriedSize:  metrics.GetOrRegisterGauge(metricsPrefix+"tried", registry),
		Unplaced:   metrics.GetOrRegisterGauge(metricsPrefix+"unplaced", registry),
		Added:      metrics.GetOrRegisterCounter(metricsPrefix+"added", registry),
		Evicted:    metrics.GetOrRegisterCounter(metricsPrefix+"evicted", registry),
		Collisions: metrics.GetOrRegisterCounter(metricsPrefix+"tried_collisions", registry),
	}
}

// Statistics 是地址簿的只读快照，供日志和命令行使用
type Statistics struct {
	New        int   `json:"new"`
	Tried      int   `json:"tried"`
	Total      int   `json:"total"`
	Unplaced   int   `json:"unplaced"`
	Added      int64 `json:"added"`
	Evicted    int64 `json:"evicted"`
	Collisions int64 `json:"tried_collisions"`
}
