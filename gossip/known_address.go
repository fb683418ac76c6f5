package gossip

import (
	"math"
	"time"
)

// RecordID 是地址记录在 AddrMan 内部的编号，同一个 AddrMan 实例里不会重复使用，
// 0 表示空槽位
type RecordID uint64

// position 是记录在某张表里的坐标
type position struct {
	bucket int
	slot   int
}

// membership 描述一条记录当前属于哪张表，只有三种取值：
//	1. nil：还没有被放进任何一张表
//	2. *newMembership：在 new 表里，占据 1 到 newBucketsPerAddress 个槽位
//	3. triedMembership：在 tried 表里，只占据一个槽位
type membership interface {
	isMembership()
}

type newMembership struct {
	slots []position
}

type triedMembership struct {
	pos position
}

func (*newMembership) isMembership()  {}
func (triedMembership) isMembership() {}

// knownAddress 跟踪有关已知网络地址的信息，该地址用于确定一个地址的可行性
type knownAddress struct {
	id          RecordID
	Addr        NetAddress
	Src         NetAddress // 第一次告诉我们这个地址的节点，创建以后就不再改变
	LastSuccess time.Time
	LastTry     time.Time
	Attempts    int32 // 自上次成功连接以来失败的次数

	member membership
}

// newKnownAddress 刚生成的 knownAddress 不属于任何一张表
func newKnownAddress(id RecordID, addr, src NetAddress) *knownAddress {
	return &knownAddress{
		id:   id,
		Addr: addr.Copy(),
		Src:  src.Copy(),
	}
}

// refCount 返回记录在 new 表里占据的槽位数
func (ka *knownAddress) refCount() int {
	if m, ok := ka.member.(*newMembership); ok {
		return len(m.slots)
	}
	return 0
}

func (ka *knownAddress) isNew() bool {
	_, ok := ka.member.(*newMembership)
	return ok
}

func (ka *knownAddress) inTried() bool {
	_, ok := ka.member.(triedMembership)
	return ok
}

func (ka *knownAddress) placed() bool {
	return ka.member != nil
}

// isTerrible 判断一个地址是否已经糟糕到不值得保留，判断规则依次为：
//	1. 失败次数达到 maxAttemptsCeiling，不管最近是否尝试过，都是糟糕的
//	2. 一分钟之内刚尝试过的地址，不认为是糟糕的
//	3. 声称的时间戳比现在晚 futureSlack 以上
//	4. 时间戳已经超过 horizonDays 天，并且从来没有连接成功过
//	5. 从来没有成功过，却已经失败了 numRetries 次
//	6. minFailDays 天内没有成功过，却已经失败了 maxFailures 次
func (ka *knownAddress) isTerrible(now time.Time) bool {
	if ka.Attempts >= maxAttemptsCeiling {
		return true
	}

	if !ka.LastTry.IsZero() && now.Sub(ka.LastTry) < time.Minute {
		return false
	}

	if ka.Addr.Timestamp.After(now.Add(futureSlack)) {
		return true
	}

	if ka.LastSuccess.IsZero() && now.Sub(ka.Addr.Timestamp) > horizonDays*24*time.Hour {
		return true
	}

	if ka.LastSuccess.IsZero() && ka.Attempts >= numRetries {
		return true
	}

	if now.Sub(ka.LastSuccess) > minFailDays*24*time.Hour && ka.Attempts >= maxFailures {
		return true
	}

	return false
}

// chance 计算该地址在 Select 中被接受的相对概率，随着失败次数的增加单调递减
func (ka *knownAddress) chance(now time.Time) float64 {
	c := 1.0

	// 十分钟之内刚尝试过的地址，大幅降低被选中的概率
	if !ka.LastTry.IsZero() && now.Sub(ka.LastTry) < 10*time.Minute {
		c *= 0.01
	}

	attempts := ka.Attempts
	if attempts > 8 {
		attempts = 8
	}
	c *= math.Pow(0.66, float64(attempts))

	if !ka.LastSuccess.IsZero() && now.Sub(ka.LastSuccess) < 24*time.Hour {
		c *= 1.5
	}

	return c
}

// export 返回记录的一个副本，副本与记录不共享任何可变的数据
func (ka *knownAddress) export() *KnownAddress {
	return &KnownAddress{
		ID:          ka.id,
		Addr:        ka.Addr.Copy(),
		Src:         ka.Src.Copy(),
		LastSuccess: ka.LastSuccess,
		LastTry:     ka.LastTry,
		Attempts:    ka.Attempts,
		RefCount:    ka.refCount(),
		InTried:     ka.inTried(),
	}
}

// KnownAddress 是地址记录对外的只读副本
type KnownAddress struct {
	ID          RecordID   `json:"id"`
	Addr        NetAddress `json:"addr"`
	Src         NetAddress `json:"src"`
	LastSuccess time.Time  `json:"last_success"`
	LastTry     time.Time  `json:"last_try"`
	Attempts    int32      `json:"attempts"`
	RefCount    int        `json:"ref_count"`
	InTried     bool       `json:"in_tried"`
}
