package gossip

import (
	"math"
)

// Select 挑选一个用于主动连接的地址，newOnly 为 true 时只从 new 表里挑选。
// 没有可挑选的地址时返回零值 NetAddress。
//
// 两张表都不为空时，以 sqrt(nTried) / (sqrt(nTried)+sqrt(nNew)) 的概率选择 tried 表；
// 在选中的表里，先随机挑一个非空的桶，再随机挑一个被占用的槽位，然后以 factor*chance 的
// 概率接受该地址，每被拒绝一次，factor 就变为原来的 1.2 倍。
func (a *AddrMan) Select(newOnly bool) NetAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.selectAddress(newOnly)
	if ka == nil {
		return NetAddress{}
	}
	return ka.Addr.Copy()
}

func (a *AddrMan) selectAddress(newOnly bool) *knownAddress {
	if a.size() == 0 || (newOnly && a.nNew == 0) {
		return nil
	}

	table := a.newTable
	if !newOnly && a.useTried() {
		table = a.triedTable
	}

	buckets := table.nonEmptyBuckets()
	now := a.now()
	factor := 1.0
	for {
		bucket := buckets[a.rand.Intn(len(buckets))]
		slots := table.occupiedSlots(bucket)
		slot := slots[a.rand.Intn(len(slots))]
		ka := a.records[table.get(position{bucket: bucket, slot: slot})]
		if a.rand.Float64() < factor*ka.chance(now) {
			a.logger.Debugw("Selected address", "addr", &ka.Addr, "tried", ka.inTried())
			return ka
		}
		factor *= 1.2
	}
}

// useTried 决定从哪张表里挑选，其中一张表为空时只能选另一张
func (a *AddrMan) useTried() bool {
	if a.nTried == 0 {
		return false
	}
	if a.nNew == 0 {
		return true
	}
	sqrtTried := math.Sqrt(float64(a.nTried))
	sqrtNew := math.Sqrt(float64(a.nNew))
	return a.rand.Float64()*(sqrtTried+sqrtNew) < sqrtTried
}
