package gossip

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey = AddressKey{
		0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
		0xfe, 0xdc, 0xba, 0x98, 0x76, 0x54, 0x32, 0x10,
		0x0f, 0x1e, 0x2d, 0x3c, 0x4b, 0x5a, 0x69, 0x78,
		0x87, 0x96, 0xa5, 0xb4, 0xc3, 0xd2, 0xe1, 0xf0,
	}
	otherKey = AddressKey{
		0xa5, 0x5a, 0xa5, 0x5a, 0x11, 0x22, 0x33, 0x44,
		0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc,
		0xdd, 0xee, 0xff, 0x00, 0x10, 0x20, 0x30, 0x40,
		0x50, 0x60, 0x70, 0x80, 0x90, 0xa0, 0xb0, 0xc0,
	}
	testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func mustNetAddr(t testing.TB, s string) NetAddress {
	t.Helper()
	na, err := NewNetAddressString(s)
	require.NoError(t, err)
	return *na
}

// newTestAddrMan 返回一个密钥、随机数种子和时钟都固定的 AddrMan
func newTestAddrMan(t testing.TB, opts ...Option) (*AddrMan, *testClock) {
	t.Helper()
	clock := &testClock{now: testStart}
	opts = append([]Option{WithKey(testKey), WithRandSeed(42), WithClock(clock.Now)}, opts...)
	return NewAddrMan(opts...), clock
}

// spreadAddrs 生成 n 个网络组各不相同的地址，每个地址的来源也来自不同的网络组
func spreadAddrs(t testing.TB, n int) (addrs, srcs []NetAddress) {
	t.Helper()
	for i := 0; i < n; i++ {
		addrs = append(addrs, mustNetAddr(t, fmt.Sprintf("%d.%d.1.1:8333", 1+i/200, 1+i%200)))
		srcs = append(srcs, mustNetAddr(t, fmt.Sprintf("%d.%d.2.2:8333", 100+i/200, 1+i%200)))
	}
	return addrs, srcs
}

func TestAddrManAddDistinctAndSameIP(t *testing.T) {
	am, _ := newTestAddrMan(t)
	src := mustNetAddr(t, "252.2.2.2:8333")

	require.True(t, am.Add(mustNetAddr(t, "250.1.1.1:8333"), src))
	require.True(t, am.Add(mustNetAddr(t, "250.2.2.2:8333"), src))
	assert.Equal(t, 2, am.Size())

	am2, _ := newTestAddrMan(t)
	require.True(t, am2.Add(mustNetAddr(t, "250.1.1.1:8333"), src))
	assert.False(t, am2.Add(mustNetAddr(t, "250.1.1.1:9999"), src))
	assert.Equal(t, 1, am2.Size())

	// 后来的端口不会覆盖已有记录的端口
	selected := am2.Select(false)
	assert.Equal(t, "250.1.1.1:8333", selected.String())
}

func TestAddrManFindIgnoresPort(t *testing.T) {
	am, _ := newTestAddrMan(t)
	src := mustNetAddr(t, "252.2.2.2:8333")
	require.True(t, am.Add(mustNetAddr(t, "250.1.1.1:8333"), src))

	byOriginal := am.Find(mustNetAddr(t, "250.1.1.1:8333"))
	byOther := am.Find(mustNetAddr(t, "250.1.1.1:1234"))
	require.NotNil(t, byOriginal)
	require.NotNil(t, byOther)
	assert.Equal(t, byOriginal.ID, byOther.ID)
	assert.Equal(t, uint16(8333), byOther.Addr.Port)
	assert.Equal(t, 1, byOther.RefCount)
	assert.False(t, byOther.InTried)

	assert.Nil(t, am.Find(mustNetAddr(t, "250.9.9.9:8333")))
}

func TestAddrManConcreteScenario(t *testing.T) {
	am, _ := newTestAddrMan(t)
	src := mustNetAddr(t, "252.2.2.2:8333")

	require.True(t, am.Add(mustNetAddr(t, "250.1.1.1:8333"), src))
	require.False(t, am.Add(mustNetAddr(t, "250.1.1.1:8334"), src))
	require.Equal(t, 1, am.Size())

	am.Good(mustNetAddr(t, "250.1.1.1:8334"))
	require.Equal(t, 1, am.Size())

	assert.True(t, am.Select(true).IsZero())
	selected := am.Select(false)
	assert.Equal(t, "250.1.1.1:8333", selected.String())

	ka := am.Find(mustNetAddr(t, "250.1.1.1:8333"))
	require.NotNil(t, ka)
	assert.True(t, ka.InTried)
	assert.Equal(t, 0, ka.RefCount)
}

func TestAddrManGoodThenSelect(t *testing.T) {
	am, _ := newTestAddrMan(t)
	src := mustNetAddr(t, "252.2.2.2:8333")
	a := mustNetAddr(t, "250.1.1.1:8333")
	b := mustNetAddr(t, "250.2.2.2:8333")
	require.True(t, am.Add(a, src))
	require.True(t, am.Add(b, src))

	am.Good(a)
	stats := am.Statistics()
	assert.Equal(t, 1, stats.Tried)
	assert.Equal(t, 1, stats.New)

	for i := 0; i < 100; i++ {
		selected := am.Select(true)
		require.Equal(t, b.String(), selected.String())
	}

	sawTried := false
	for i := 0; i < 200 && !sawTried; i++ {
		selected := am.Select(false)
		sawTried = selected.String() == a.String()
	}
	assert.True(t, sawTried, "unrestricted Select should be able to return the tried address")
}

func TestAddrManSelectEmpty(t *testing.T) {
	am, _ := newTestAddrMan(t)
	assert.True(t, am.Select(false).IsZero())
	assert.True(t, am.Select(true).IsZero())
}

func TestAddrManDelete(t *testing.T) {
	am, _ := newTestAddrMan(t)
	src := mustNetAddr(t, "252.2.2.2:8333")
	a := mustNetAddr(t, "250.1.1.1:8333")
	require.True(t, am.Add(a, src))
	require.True(t, am.Add(mustNetAddr(t, "250.2.2.2:8333"), src))
	require.Equal(t, 2, am.Size())

	ka := am.Find(a)
	require.NotNil(t, ka)
	am.Delete(ka.ID)

	assert.Nil(t, am.Find(a))
	assert.Equal(t, 1, am.Size())

	// 删除不存在的编号什么也不做
	am.Delete(ka.ID)
	assert.Equal(t, 1, am.Size())
}

func TestAddrManCreateIsUnplaced(t *testing.T) {
	am, _ := newTestAddrMan(t)
	a := mustNetAddr(t, "250.1.1.1:8333")
	id := am.Create(a, mustNetAddr(t, "252.2.2.2:8333"))
	assert.NotZero(t, id)
	assert.Equal(t, 0, am.Size())
	assert.True(t, am.Empty())
	assert.Equal(t, 1, am.Statistics().Unplaced)

	ka := am.Find(a)
	require.NotNil(t, ka)
	assert.Equal(t, id, ka.ID)

	// 每次调用都会创建新的记录
	id2 := am.Create(a, mustNetAddr(t, "252.2.2.2:8333"))
	assert.NotEqual(t, id, id2)

	am.Delete(id)
	am.Delete(id2)
	assert.Equal(t, 0, am.Statistics().Unplaced)
}

func TestAddrManClear(t *testing.T) {
	am := NewAddrMan(WithRandSeed(1))
	addrs, srcs := spreadAddrs(t, 20)
	for i := range addrs {
		am.Add(addrs[i], srcs[i])
	}
	require.False(t, am.Empty())
	oldKey := am.key

	am.Clear()
	assert.True(t, am.Empty())
	assert.Equal(t, 0, am.Size())
	assert.True(t, am.Select(false).IsZero())
	assert.NotEqual(t, oldKey, am.key, "Clear should rotate a random key")

	det, _ := newTestAddrMan(t)
	det.Add(addrs[0], srcs[0])
	det.Clear()
	assert.True(t, det.Empty())
	assert.Equal(t, testKey, det.key, "Clear keeps a pinned key")
}

func TestAddrManAttemptAndConnected(t *testing.T) {
	am, clock := newTestAddrMan(t)
	src := mustNetAddr(t, "252.2.2.2:8333")
	a := mustNetAddr(t, "250.1.1.1:8333")
	require.True(t, am.Add(a, src))

	am.Attempt(a)
	am.Attempt(a)
	ka := am.Find(a)
	require.NotNil(t, ka)
	assert.EqualValues(t, 2, ka.Attempts)
	assert.True(t, ka.LastTry.Equal(testStart))

	// new 表里的地址不受 Connected 影响
	clock.Advance(time.Hour)
	am.Connected(a)
	assert.True(t, am.Find(a).Addr.Timestamp.Equal(testStart))

	am.Good(a)
	ka = am.Find(a)
	assert.EqualValues(t, 0, ka.Attempts)
	assert.True(t, ka.LastSuccess.Equal(clock.now))

	// 时间戳超过 20 分钟没有更新才会被刷新
	am.Connected(a)
	refreshed := clock.now
	assert.True(t, am.Find(a).Addr.Timestamp.Equal(refreshed))
	clock.Advance(10 * time.Minute)
	am.Connected(a)
	assert.True(t, am.Find(a).Addr.Timestamp.Equal(refreshed))
	clock.Advance(time.Hour)
	am.Connected(a)
	assert.True(t, am.Find(a).Addr.Timestamp.Equal(clock.now))

	// 未知地址什么也不做
	unknown := mustNetAddr(t, "250.9.9.9:8333")
	am.Attempt(unknown)
	am.Good(unknown)
	am.Connected(unknown)
	assert.Equal(t, 1, am.Size())
}

func TestAddrManSetServices(t *testing.T) {
	am, _ := newTestAddrMan(t)
	a := mustNetAddr(t, "250.1.1.1:8333")
	require.True(t, am.Add(a, mustNetAddr(t, "252.2.2.2:8333")))

	am.SetServices(a, SFNodeNetwork|SFNodeWitness)
	assert.Equal(t, SFNodeNetwork|SFNodeWitness, am.Find(a).Addr.Services)
}

func TestAddrManRoutabilityStrict(t *testing.T) {
	am, _ := newTestAddrMan(t, WithRoutabilityStrict(true))
	src := mustNetAddr(t, "252.2.2.2:8333")

	assert.False(t, am.Add(mustNetAddr(t, "10.0.0.1:8333"), src))
	assert.False(t, am.Add(mustNetAddr(t, "127.0.0.1:8333"), src))
	assert.True(t, am.Add(mustNetAddr(t, "250.1.1.1:8333"), src))
	assert.Equal(t, 1, am.Size())

	lax, _ := newTestAddrMan(t)
	assert.True(t, lax.Add(mustNetAddr(t, "10.0.0.1:8333"), src))
	assert.False(t, lax.Add(NetAddress{}, src))
}

func TestAddrManCheckAddressErrors(t *testing.T) {
	strict, _ := newTestAddrMan(t, WithRoutabilityStrict(true))

	private := mustNetAddr(t, "10.0.0.1:8333")
	var nonRoutable ErrAddrBookNonRoutable
	require.True(t, errors.As(strict.checkAddress(&private), &nonRoutable))
	assert.Equal(t, "10.0.0.1:8333", nonRoutable.Addr.String())

	unspecified := mustNetAddr(t, "0.0.0.0:8333")
	var invalid ErrAddrBookInvalidAddr
	require.True(t, errors.As(strict.checkAddress(&unspecified), &invalid))
	assert.Error(t, errors.Unwrap(invalid))

	routable := mustNetAddr(t, "250.1.1.1:8333")
	assert.NoError(t, strict.checkAddress(&routable))

	lax, _ := newTestAddrMan(t)
	assert.NoError(t, lax.checkAddress(&private))
}

func TestAddrManAddStampsMissingTimestamp(t *testing.T) {
	am, _ := newTestAddrMan(t)
	a := mustNetAddr(t, "250.1.1.1:8333")
	require.True(t, a.Timestamp.IsZero())
	require.True(t, am.Add(a, mustNetAddr(t, "252.2.2.2:8333")))
	assert.True(t, am.Find(a).Addr.Timestamp.Equal(testStart))
}

func TestAddrManAddAddressesAndNeedMore(t *testing.T) {
	am, _ := newTestAddrMan(t)
	addrs, _ := spreadAddrs(t, 50)
	n := am.AddAddresses(addrs, mustNetAddr(t, "252.2.2.2:8333"))
	assert.Equal(t, am.Size(), n)
	assert.Greater(t, n, 40)
	assert.True(t, am.NeedMoreAddresses())

	stats := am.Statistics()
	assert.Equal(t, n, stats.New)
	assert.Equal(t, n, stats.Total)
	assert.EqualValues(t, n, stats.Added)
}

func TestAddrManGetAddr(t *testing.T) {
	am, clock := newTestAddrMan(t)
	addrs, srcs := spreadAddrs(t, 400)
	for i := range addrs {
		am.Add(addrs[i], srcs[i])
	}
	n := am.Size()
	require.Greater(t, n, 300)

	got := am.GetAddr(0)
	assert.Len(t, got, n*getAddrPercent/100)

	seen := make(map[string]struct{})
	for _, na := range got {
		seen[na.String()] = struct{}{}
	}
	assert.Len(t, seen, len(got), "GetAddr should not return duplicates")

	assert.Len(t, am.GetAddr(5), 5)

	// 前 50 个地址失败 3 次，并且不再是刚尝试过的，因此变得糟糕
	terrible := make(map[string]struct{})
	for _, a := range addrs[:50] {
		if am.Find(a) == nil {
			continue
		}
		for i := 0; i < numRetries; i++ {
			am.Attempt(a)
		}
		terrible[a.String()] = struct{}{}
	}
	clock.Advance(2 * time.Minute)

	for i := 0; i < 50; i++ {
		for _, na := range am.GetAddr(0) {
			_, bad := terrible[na.String()]
			require.False(t, bad, "GetAddr returned terrible address %v", na.String())
		}
	}
}

func TestAddrManGetAddrMinimumOne(t *testing.T) {
	am, _ := newTestAddrMan(t)
	assert.Empty(t, am.GetAddr(0))

	a := mustNetAddr(t, "250.1.1.1:8333")
	require.True(t, am.Add(a, mustNetAddr(t, "252.2.2.2:8333")))
	got := am.GetAddr(0)
	require.Len(t, got, 1)
	assert.Equal(t, a.String(), got[0].String())
}

func TestAddrManEvictsTerribleIncumbent(t *testing.T) {
	am, _ := newTestAddrMan(t)
	src := mustNetAddr(t, "252.2.2.2:8333")

	// 同一个网络组、同一个来源的地址落进同一个 new 桶，一直加到出现槽位冲突为止
	var added []NetAddress
	rejected := NetAddress{}
	for i := 0; i < 255 && rejected.IsZero(); i++ {
		for j := 1; j < 255 && rejected.IsZero(); j += 7 {
			a := mustNetAddr(t, fmt.Sprintf("250.1.%d.%d:8333", i, j))
			if am.Add(a, src) {
				added = append(added, a)
			} else {
				rejected = a
			}
		}
	}
	require.False(t, rejected.IsZero(), "a 64 slot bucket must overflow")
	require.LessOrEqual(t, am.Size(), bucketSize)

	// 把所有已有的地址变成糟糕的地址以后，被拒绝的地址可以挤掉它们
	for _, a := range added {
		for i := 0; i < maxAttemptsCeiling; i++ {
			am.Attempt(a)
		}
	}
	before := am.Size()
	require.True(t, am.Add(rejected, src))
	assert.Equal(t, before, am.Size())
	assert.GreaterOrEqual(t, am.Statistics().Evicted, int64(1))
}

func TestTieBreak(t *testing.T) {
	now := testStart
	reliable := &knownAddress{Attempts: 0, LastSuccess: now}
	flaky := &knownAddress{Attempts: 3, LastSuccess: now}
	older := &knownAddress{Attempts: 0, LastSuccess: now.Add(-time.Hour)}

	assert.True(t, tieBreak(reliable, flaky))
	assert.False(t, tieBreak(flaky, reliable))
	assert.True(t, tieBreak(reliable, older))
	assert.False(t, tieBreak(older, reliable))
	// 完全相同时占据者留下
	assert.False(t, tieBreak(reliable, &knownAddress{Attempts: 0, LastSuccess: now}))
}

// triedCollision 找两个落在同一个 tried 槽位上的地址
func triedCollision(t *testing.T) (first, second NetAddress) {
	t.Helper()
	pos := func(a NetAddress) position {
		b := triedBucket(testKey, &a)
		return position{bucket: b, slot: bucketSlot(testKey, tagTriedSlot, b, &a, 0)}
	}
	seen := make(map[position]NetAddress)
	for i := 0; i < 256 && second.IsZero(); i++ {
		for j := 1; j < 255 && second.IsZero(); j++ {
			a := mustNetAddr(t, fmt.Sprintf("250.1.%d.%d:8333", i, j))
			p := pos(a)
			if prev, ok := seen[p]; ok {
				first, second = prev, a
			}
			seen[p] = a
		}
	}
	require.False(t, second.IsZero())
	return first, second
}

func TestAddrManTriedCollision(t *testing.T) {
	am, _ := newTestAddrMan(t)
	first, second := triedCollision(t)

	require.True(t, am.Add(first, mustNetAddr(t, "252.2.2.2:8333")))
	require.True(t, am.Add(second, mustNetAddr(t, "253.3.3.3:8333")))
	am.Good(first)
	am.Attempt(first)

	// second 失败次数更少，取代 first，first 回到 new 表或者被丢弃
	am.Good(second)
	assert.True(t, am.Find(second).InTried)
	if ka := am.Find(first); ka != nil {
		assert.False(t, ka.InTried)
		assert.Equal(t, 1, ka.RefCount)
	}
	assert.EqualValues(t, 1, am.Statistics().Collisions)
	assert.Equal(t, 1, am.Statistics().Tried)
}

func TestAddrManTriedCollisionIncumbentStays(t *testing.T) {
	am, _ := newTestAddrMan(t)
	first, second := triedCollision(t)

	require.True(t, am.Add(first, mustNetAddr(t, "252.2.2.2:8333")))
	require.True(t, am.Add(second, mustNetAddr(t, "253.3.3.3:8333")))
	am.Good(first)

	// 时钟没有前进，失败次数和最近一次成功的时间都相同，first 留在 tried 表
	am.Good(second)
	stats := am.Statistics()
	assert.EqualValues(t, 1, stats.Collisions)
	assert.Equal(t, 1, stats.Tried)
	assert.True(t, am.Find(first).InTried)

	if ka := am.Find(second); ka != nil {
		assert.False(t, ka.InTried)
		assert.Equal(t, 1, ka.RefCount)
		assert.Equal(t, 1, stats.New)
		assert.Equal(t, 2, am.Size())
	} else {
		assert.EqualValues(t, 1, stats.Evicted)
		assert.Equal(t, 1, am.Size())
	}
	assert.Equal(t, 0, stats.Unplaced)
}
