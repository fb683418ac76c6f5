package gossip

// bucketTable 是一张固定大小的二维表，每个槽位要么为空（0），要么存放一条记录的编号，
// new 表和 tried 表各用一个 bucketTable
type bucketTable struct {
	bucketSize int
	slots      []RecordID // 长度为 桶数 * bucketSize，按桶顺序排列
	counts     []int      // 每个桶里被占用的槽位数
}

func newBucketTable(bucketCount, bucketSize int) *bucketTable {
	return &bucketTable{
		bucketSize: bucketSize,
		slots:      make([]RecordID, bucketCount*bucketSize),
		counts:     make([]int, bucketCount),
	}
}

func (t *bucketTable) bucketCount() int {
	return len(t.counts)
}

func (t *bucketTable) contains(pos position) bool {
	return pos.bucket >= 0 && pos.bucket < t.bucketCount() && pos.slot >= 0 && pos.slot < t.bucketSize
}

func (t *bucketTable) index(pos position) int {
	return pos.bucket*t.bucketSize + pos.slot
}

// get 返回 pos 处存放的记录编号，空槽位返回 0
func (t *bucketTable) get(pos position) RecordID {
	return t.slots[t.index(pos)]
}

// set 把 id 放进 pos，调用者需要保证 pos 是空的
func (t *bucketTable) set(pos position, id RecordID) {
	i := t.index(pos)
	if t.slots[i] == 0 {
		t.counts[pos.bucket]++
	}
	t.slots[i] = id
}

// clear 清空 pos
func (t *bucketTable) clear(pos position) {
	i := t.index(pos)
	if t.slots[i] != 0 {
		t.counts[pos.bucket]--
	}
	t.slots[i] = 0
}

// nonEmptyBuckets 返回所有至少有一个槽位被占用的桶
func (t *bucketTable) nonEmptyBuckets() []int {
	buckets := make([]int, 0, 16)
	for b, n := range t.counts {
		if n > 0 {
			buckets = append(buckets, b)
		}
	}
	return buckets
}

// occupiedSlots 返回桶 bucket 里所有被占用的槽位
func (t *bucketTable) occupiedSlots(bucket int) []int {
	slots := make([]int, 0, t.counts[bucket])
	base := bucket * t.bucketSize
	for s := 0; s < t.bucketSize; s++ {
		if t.slots[base+s] != 0 {
			slots = append(slots, s)
		}
	}
	return slots
}

// forEach 按桶和槽位的顺序遍历所有被占用的槽位
func (t *bucketTable) forEach(fn func(pos position, id RecordID)) {
	for b, n := range t.counts {
		if n == 0 {
			continue
		}
		base := b * t.bucketSize
		for s := 0; s < t.bucketSize; s++ {
			if id := t.slots[base+s]; id != 0 {
				fn(position{bucket: b, slot: s}, id)
			}
		}
	}
}

func (t *bucketTable) reset() {
	for i := range t.slots {
		t.slots[i] = 0
	}
	for i := range t.counts {
		t.counts[i] = 0
	}
}
