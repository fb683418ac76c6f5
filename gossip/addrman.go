package gossip

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/232425wxy/addrman/libs/log"
)

const (
	// tried 表和 new 表的桶数，两张表每个桶的槽位数相同
	triedBucketCount = 256
	newBucketCount   = 1024
	bucketSize       = 64

	// 同一个网络组的地址在 tried 表里最多占据的桶数
	triedBucketsPerGroup = 8
	// 同一个来源网络组告诉我们的地址在 new 表里最多占据的桶数
	newBucketsPerSourceGroup = 64
	// 一条记录在 new 表里最多占据的槽位数
	newBucketsPerAddress = 8
	// 在 new 表的同一个桶里寻找槽位的最大次数
	newPlacementAttempts = 4

	// 从来没有连接成功过的地址，时间戳超过 horizonDays 天就被认为是糟糕的
	horizonDays = 30
	// 从来没有连接成功过的地址，失败 numRetries 次就被认为是糟糕的
	numRetries = 3
	// minFailDays 天内没有连接成功过，并且失败了 maxFailures 次的地址是糟糕的
	maxFailures = 10
	minFailDays = 7
	// 失败次数达到 maxAttemptsCeiling 的地址总是糟糕的
	maxAttemptsCeiling = 50
	// 声称的时间戳最多允许比现在晚多久
	futureSlack = 10 * time.Minute

	// GetAddr 最多返回地址总数的 getAddrPercent%，并且不超过 getAddrMax 个
	getAddrPercent = 23
	getAddrMax     = 2500

	// Connected 只会更新超过 connectedRefreshInterval 没有更新过的时间戳
	connectedRefreshInterval = 20 * time.Minute

	// 地址数少于 needAddressThreshold 时，需要向其他节点索要更多的地址
	needAddressThreshold = 1000
)

// AddrMan 管理已知的对等点地址：刚听说的地址放在 new 表里，连接成功过的地址放在 tried 表里。
// 两张表里的位置由私有的 AddressKey 决定，所有公开方法都由同一把互斥锁保护。
type AddrMan struct {
	mtx sync.Mutex

	logger        log.CRLogger
	key           AddressKey
	deterministic bool // 通过 WithKey 固定了密钥，Clear 时不轮换密钥
	rand          *rand.Rand
	now           func() time.Time
	strict        bool // 拒绝不可路由的地址
	metrics       *Metrics

	lastID   RecordID
	records  map[RecordID]*knownAddress
	ipLookup map[string]RecordID // 键是 NetAddress.IPKey()

	newTable   *bucketTable
	triedTable *bucketTable
	nNew       int
	nTried     int
}

// Option 用来定制 AddrMan
type Option func(*AddrMan)

// WithKey 固定 AddrMan 的密钥，桶的分配因此变得可复现，Clear 也不会再轮换密钥
func WithKey(key AddressKey) Option {
	return func(a *AddrMan) {
		a.key = key
		a.deterministic = true
	}
}

// WithRandSeed 为随机选择使用固定的种子
func WithRandSeed(seed int64) Option {
	return func(a *AddrMan) {
		a.rand = rand.New(rand.NewSource(seed))
	}
}

// WithClock 替换获取当前时间的函数
func WithClock(now func() time.Time) Option {
	return func(a *AddrMan) {
		a.now = now
	}
}

// WithLogger 设置日志记录器
func WithLogger(logger log.CRLogger) Option {
	return func(a *AddrMan) {
		a.logger = logger
	}
}

// WithRoutabilityStrict 为 true 时，Add 会拒绝不可路由的地址
func WithRoutabilityStrict(strict bool) Option {
	return func(a *AddrMan) {
		a.strict = strict
	}
}

// WithMetricsRegistry 把指标注册到给定的 registry 里
func WithMetricsRegistry(registry metrics.Registry) Option {
	return func(a *AddrMan) {
		a.metrics = NewMetrics(registry)
	}
}

// NewAddrMan 实例化一个空的 AddrMan，默认使用随机密钥、当前时间和不检查可路由性
func NewAddrMan(opts ...Option) *AddrMan {
	a := &AddrMan{
		logger:     log.NewNopLogger(),
		key:        NewAddressKey(),
		rand:       rand.New(rand.NewSource(cryptoSeed())),
		now:        time.Now,
		records:    make(map[RecordID]*knownAddress),
		ipLookup:   make(map[string]RecordID),
		newTable:   newBucketTable(newBucketCount, bucketSize),
		triedTable: newBucketTable(triedBucketCount, bucketSize),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = NewMetrics(nil)
	}
	return a
}

// cryptoSeed 从 crypto/rand 读取一个随机种子
func cryptoSeed() int64 {
	var bz [8]byte
	if _, err := crand.Read(bz[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.BigEndian.Uint64(bz[:]))
}

//-----------------------------------------------------------------------------
// 公开方法

// Create 创建一条新记录并返回它的编号，新记录不会被放进任何一张表，因此不计入 Size
func (a *AddrMan) Create(addr, src NetAddress) RecordID {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.create(addr, src).id
}

// Find 返回与 addr 的 IP 相同的记录的副本，忽略端口，没有的话返回 nil
func (a *AddrMan) Find(addr NetAddress) *KnownAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if ka := a.find(addr); ka != nil {
		return ka.export()
	}
	return nil
}

// Add 把 src 告诉我们的 addr 加入 new 表，只有创建了新记录并且它占据了至少一个槽位时才返回 true。
// 已经存在相同 IP 的记录时什么也不做。
func (a *AddrMan) Add(addr, src NetAddress) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	added := a.add(addr, src)
	a.updateGauges()
	return added
}

// AddAddresses 批量地调用 Add，返回成功加入的地址数
func (a *AddrMan) AddAddresses(addrs []NetAddress, src NetAddress) int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	n := 0
	for _, addr := range addrs {
		if a.add(addr, src) {
			n++
		}
	}
	a.updateGauges()
	return n
}

// Good 标记与 addr 成功建立了连接：重置失败次数，并把记录从 new 表移到 tried 表
func (a *AddrMan) Good(addr NetAddress) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return
	}
	now := a.now()
	ka.LastSuccess = now
	ka.LastTry = now
	ka.Attempts = 0

	if !ka.isNew() {
		return
	}
	a.detachNew(ka)
	a.placeTried(ka, now)
	a.updateGauges()
}

// Attempt 记录一次对 addr 的连接尝试
func (a *AddrMan) Attempt(addr NetAddress) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return
	}
	ka.Attempts++
	ka.LastTry = a.now()
}

// Connected 在 addr 位于 tried 表并且时间戳已经超过 connectedRefreshInterval 没有更新时，
// 把它的时间戳更新为当前时间
func (a *AddrMan) Connected(addr NetAddress) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil || !ka.inTried() {
		return
	}
	now := a.now()
	if now.Sub(ka.Addr.Timestamp) > connectedRefreshInterval {
		ka.Addr.Timestamp = now
	}
}

// SetServices 更新 addr 宣称支持的服务
func (a *AddrMan) SetServices(addr NetAddress, services ServiceFlag) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if ka := a.find(addr); ka != nil {
		ka.Addr.Services = services
	}
}

// Delete 把记录从它所在的表和记录集合里删除
func (a *AddrMan) Delete(id RecordID) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if ka, ok := a.records[id]; ok {
		a.remove(ka)
		a.updateGauges()
	}
}

// Clear 清空两张表和所有记录，如果密钥不是通过 WithKey 固定的，同时轮换密钥
func (a *AddrMan) Clear() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.reset()
	if !a.deterministic {
		a.key = NewAddressKey()
	}
	a.updateGauges()
}

// Size 返回两张表里的地址总数，不包括还没有放进表里的记录
func (a *AddrMan) Size() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.size()
}

// Empty 判断两张表是否都是空的
func (a *AddrMan) Empty() bool {
	return a.Size() == 0
}

// NeedMoreAddresses 地址数少于 needAddressThreshold 时返回 true
func (a *AddrMan) NeedMoreAddresses() bool {
	return a.Size() < needAddressThreshold
}

// Statistics 返回地址簿当前状态的快照
func (a *AddrMan) Statistics() Statistics {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return Statistics{
		New:        a.nNew,
		Tried:      a.nTried,
		Total:      a.size(),
		Unplaced:   len(a.records) - a.size(),
		Added:      a.metrics.Added.Count(),
		Evicted:    a.metrics.Evicted.Count(),
		Collisions: a.metrics.Collisions.Count(),
	}
}

// GetAddr 随机挑选一部分不糟糕的地址用于转发给其他节点，数量为地址总数的 getAddrPercent%，
// 不超过 max（max 大于 0 时）和 getAddrMax，只要有一个符合条件的地址，就至少返回一个
func (a *AddrMan) GetAddr(max int) []NetAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	now := a.now()
	eligible := make([]*knownAddress, 0, a.size())
	seen := make(map[RecordID]struct{}, a.nNew)
	collect := func(_ position, id RecordID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		if ka := a.records[id]; !ka.isTerrible(now) {
			eligible = append(eligible, ka)
		}
	}
	a.triedTable.forEach(collect)
	a.newTable.forEach(collect)

	n := a.size() * getAddrPercent / 100
	if max > 0 && n > max {
		n = max
	}
	if n > getAddrMax {
		n = getAddrMax
	}
	if n > len(eligible) {
		n = len(eligible)
	}
	if n == 0 && len(eligible) > 0 {
		n = 1
	}

	// Fisher-Yates 洗牌，只需要洗出前 n 个
	addrs := make([]NetAddress, 0, n)
	for i := 0; i < n; i++ {
		j := a.rand.Intn(len(eligible)-i) + i
		eligible[i], eligible[j] = eligible[j], eligible[i]
		addrs = append(addrs, eligible[i].Addr.Copy())
	}
	return addrs
}

//-----------------------------------------------------------------------------
// 内部方法，调用者需要持有 a.mtx

func (a *AddrMan) size() int {
	return a.nNew + a.nTried
}

func (a *AddrMan) find(addr NetAddress) *knownAddress {
	if addr.IP == nil {
		return nil
	}
	id, ok := a.ipLookup[addr.IPKey()]
	if !ok {
		return nil
	}
	return a.records[id]
}

// create 分配一条新记录，只有当前没有相同 IP 的记录时才把它加入 IP 索引
func (a *AddrMan) create(addr, src NetAddress) *knownAddress {
	a.lastID++
	ka := newKnownAddress(a.lastID, addr, src)
	a.records[ka.id] = ka
	if ka.Addr.IP != nil {
		if _, ok := a.ipLookup[ka.Addr.IPKey()]; !ok {
			a.ipLookup[ka.Addr.IPKey()] = ka.id
		}
	}
	return ka
}

func (a *AddrMan) add(addr, src NetAddress) bool {
	if err := a.checkAddress(&addr); err != nil {
		a.logger.Debugw("Reject address", "err", err)
		return false
	}
	if a.find(addr) != nil {
		return false
	}

	now := a.now()
	if addr.Timestamp.IsZero() {
		addr.Timestamp = now
	}
	ka := a.create(addr, src)
	if !a.placeNew(ka, now) {
		a.remove(ka)
		return false
	}
	a.metrics.Added.Inc(1)
	a.logger.Debugw("Add address to new table", "addr", &ka.Addr, "src", &ka.Src)
	return true
}

// checkAddress 检查地址是否合法，开启 strict 时还要求地址可路由
func (a *AddrMan) checkAddress(addr *NetAddress) error {
	if err := addr.Valid(); err != nil {
		return ErrAddrBookInvalidAddr{Addr: addr, AddrErr: err}
	}
	if a.strict && !addr.Routable() {
		return ErrAddrBookNonRoutable{Addr: addr}
	}
	return nil
}

// placeNew 尝试把 ka 放进它在 new 表里的桶。第一次尝试一定会进行，之后每次重试的概率减半，
// 槽位为空或者占据槽位的记录已经糟糕时，放置成功
func (a *AddrMan) placeNew(ka *knownAddress, now time.Time) bool {
	bucket := newBucket(a.key, &ka.Addr, &ka.Src)
	accept := 1.0
	for attempt := 0; attempt < newPlacementAttempts; attempt++ {
		if attempt > 0 {
			accept /= 2
			if a.rand.Float64() >= accept {
				break
			}
		}
		pos := position{bucket: bucket, slot: bucketSlot(a.key, tagNewSlot, bucket, &ka.Addr, attempt)}
		if a.claimNewSlot(ka, pos, now) {
			return true
		}
	}
	return false
}

func (a *AddrMan) claimNewSlot(ka *knownAddress, pos position, now time.Time) bool {
	occupant := a.newTable.get(pos)
	switch {
	case occupant == 0:
	case occupant == ka.id:
		return true
	default:
		incumbent := a.records[occupant]
		if !incumbent.isTerrible(now) {
			return false
		}
		a.logger.Debugw("Evict terrible address from new table", "addr", &incumbent.Addr)
		a.remove(incumbent)
		a.metrics.Evicted.Inc(1)
	}
	a.attachNew(ka, pos)
	return true
}

// placeTried 把 ka 放进 tried 表，槽位被占据时由 tieBreak 决定谁留下，输的一方回到 new 表，
// 回不去的话就被删除
func (a *AddrMan) placeTried(ka *knownAddress, now time.Time) {
	bucket := triedBucket(a.key, &ka.Addr)
	pos := position{bucket: bucket, slot: bucketSlot(a.key, tagTriedSlot, bucket, &ka.Addr, 0)}

	occupant := a.triedTable.get(pos)
	if occupant == 0 {
		a.attachTried(ka, pos)
		return
	}

	a.metrics.Collisions.Inc(1)
	incumbent := a.records[occupant]
	loser := ka
	if tieBreak(ka, incumbent) {
		a.detachTried(incumbent)
		a.attachTried(ka, pos)
		loser = incumbent
	}
	a.logger.Debugw("Tried table collision", "winner", &a.records[a.triedTable.get(pos)].Addr, "loser", &loser.Addr)

	if !a.placeNew(loser, now) {
		a.remove(loser)
		a.metrics.Evicted.Inc(1)
	}
}

// tieBreak 在 tried 表槽位冲突时判断挑战者是否应该取代占据者：
// 失败次数少的一方获胜，失败次数相同时，最近一次成功更晚的一方获胜，仍然相同则占据者留下
func tieBreak(challenger, incumbent *knownAddress) bool {
	if challenger.Attempts != incumbent.Attempts {
		return challenger.Attempts < incumbent.Attempts
	}
	return challenger.LastSuccess.After(incumbent.LastSuccess)
}

func (a *AddrMan) attachNew(ka *knownAddress, pos position) {
	m, ok := ka.member.(*newMembership)
	if !ok {
		m = &newMembership{}
		ka.member = m
		a.nNew++
	}
	m.slots = append(m.slots, pos)
	a.newTable.set(pos, ka.id)
}

func (a *AddrMan) detachNew(ka *knownAddress) {
	m, ok := ka.member.(*newMembership)
	if !ok {
		return
	}
	for _, pos := range m.slots {
		a.newTable.clear(pos)
	}
	ka.member = nil
	a.nNew--
}

func (a *AddrMan) attachTried(ka *knownAddress, pos position) {
	ka.member = triedMembership{pos: pos}
	a.triedTable.set(pos, ka.id)
	a.nTried++
}

func (a *AddrMan) detachTried(ka *knownAddress) {
	m, ok := ka.member.(triedMembership)
	if !ok {
		return
	}
	a.triedTable.clear(m.pos)
	ka.member = nil
	a.nTried--
}

// remove 把记录从表、IP 索引和记录集合中彻底删除
func (a *AddrMan) remove(ka *knownAddress) {
	a.detachNew(ka)
	a.detachTried(ka)
	delete(a.records, ka.id)
	if ka.Addr.IP != nil {
		if id, ok := a.ipLookup[ka.Addr.IPKey()]; ok && id == ka.id {
			delete(a.ipLookup, ka.Addr.IPKey())
		}
	}
}

// reset 清空所有记录，密钥和已经分配过的编号保持不变
func (a *AddrMan) reset() {
	a.records = make(map[RecordID]*knownAddress)
	a.ipLookup = make(map[string]RecordID)
	a.newTable.reset()
	a.triedTable.reset()
	a.nNew = 0
	a.nTried = 0
}

func (a *AddrMan) updateGauges() {
	a.metrics.NewSize.Update(int64(a.nNew))
	a.metrics.TriedSize.Update(int64(a.nTried))
	a.metrics.Unplaced.Update(int64(len(a.records) - a.size()))
}
