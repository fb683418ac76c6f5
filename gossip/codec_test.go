package gossip

import (
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// populate 加入 n 个地址，并把其中每隔 step 个地址标记为连接成功
func populate(t *testing.T, am *AddrMan, n, step int) []NetAddress {
	t.Helper()
	addrs, srcs := spreadAddrs(t, n)
	var added []NetAddress
	for i := range addrs {
		if am.Add(addrs[i], srcs[i]) {
			added = append(added, addrs[i])
		}
	}
	for i := 0; i < len(added); i += step {
		am.Good(added[i])
	}
	am.Attempt(added[1])
	return added
}

func requireSameContents(t *testing.T, expected, actual *AddrMan, addrs []NetAddress) {
	t.Helper()
	require.Equal(t, expected.Size(), actual.Size())
	require.Equal(t, expected.Statistics().Tried, actual.Statistics().Tried)
	for _, a := range addrs {
		want := expected.Find(a)
		got := actual.Find(a)
		require.NotNil(t, got, "missing %v", a.String())
		assert.Equal(t, want.Addr.String(), got.Addr.String())
		assert.Equal(t, want.Src.String(), got.Src.String())
		assert.Equal(t, want.InTried, got.InTried, a.String())
		assert.Equal(t, want.RefCount, got.RefCount, a.String())
		assert.Equal(t, want.Attempts, got.Attempts)
		assert.True(t, want.LastSuccess.Equal(got.LastSuccess))
		assert.True(t, want.Addr.Timestamp.Equal(got.Addr.Timestamp))
	}
}

func TestSerializeRoundTripWithKey(t *testing.T) {
	am := NewAddrMan(WithRandSeed(7))
	addrs := populate(t, am, 60, 4)

	blob := am.Serialize(true)
	assert.Equal(t, blob, am.Serialize(true), "encoding must be deterministic")

	restored := NewAddrMan(WithRandSeed(8))
	require.NoError(t, restored.Deserialize(blob))
	assert.Equal(t, am.key, restored.key)
	requireSameContents(t, am, restored, addrs)

	// 恢复以后再编码得到完全相同的数据
	assert.Equal(t, blob, restored.Serialize(true))
}

func TestSerializeRoundTripReplay(t *testing.T) {
	am, _ := newTestAddrMan(t)
	addrs := populate(t, am, 40, 5)

	// 不带密钥的数据只能按新密钥重新放置
	restored := NewAddrMan(WithKey(otherKey), WithRandSeed(3))
	require.NoError(t, restored.Deserialize(am.Serialize(false)))
	assert.Equal(t, otherKey, restored.key)
	require.Equal(t, am.Size(), restored.Size())
	for _, a := range addrs {
		got := restored.Find(a)
		require.NotNil(t, got)
		assert.Equal(t, am.Find(a).InTried, got.InTried, a.String())
	}

	// 固定了密钥的 AddrMan 不会采用数据里的其他密钥
	pinned := NewAddrMan(WithKey(otherKey), WithRandSeed(3))
	require.NoError(t, pinned.Deserialize(am.Serialize(true)))
	assert.Equal(t, otherKey, pinned.key)
	assert.Equal(t, am.Size(), pinned.Size())
}

func TestSerializeEmpty(t *testing.T) {
	am, _ := newTestAddrMan(t)
	restored, _ := newTestAddrMan(t)
	require.NoError(t, restored.Deserialize(am.Serialize(true)))
	assert.True(t, restored.Empty())
}

func TestDeserializeErrorsResetToEmpty(t *testing.T) {
	src, _ := newTestAddrMan(t)
	populate(t, src, 20, 3)
	blob := src.Serialize(true)

	flipped := append([]byte(nil), blob...)
	flipped[len(flipped)/2] ^= 0xff

	badVersion := proto.NewBuffer([]byte(blobMagic))
	require.NoError(t, badVersion.EncodeVarint(serializationVersion+1))
	unknownVersion := withChecksum(badVersion.Bytes())

	garbage := proto.NewBuffer([]byte(blobMagic))
	require.NoError(t, garbage.EncodeVarint(serializationVersion))
	require.NoError(t, garbage.EncodeVarint(0))
	require.NoError(t, garbage.EncodeVarint(newBucketCount))
	require.NoError(t, garbage.EncodeVarint(triedBucketCount))
	require.NoError(t, garbage.EncodeVarint(bucketSize))
	require.NoError(t, garbage.EncodeVarint(5)) // 声称有 5 条 new 记录，实际上没有
	require.NoError(t, garbage.EncodeVarint(0))
	truncatedRecords := withChecksum(garbage.Bytes())

	testCases := []struct {
		name string
		blob []byte
		err  error
	}{
		{"empty", nil, ErrCorruptBlob},
		{"bad magic", append([]byte("XXXX"), blob[4:]...), ErrCorruptBlob},
		{"flipped byte", flipped, ErrChecksumMismatch},
		{"truncated", blob[:len(blob)-10], ErrChecksumMismatch},
		{"unknown version", unknownVersion, ErrUnknownVersion},
		{"missing records", truncatedRecords, ErrCorruptBlob},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			am, _ := newTestAddrMan(t)
			populate(t, am, 10, 2)
			require.False(t, am.Empty())

			err := am.Deserialize(tc.blob)
			require.ErrorIs(t, err, tc.err)
			assert.True(t, am.Empty())
			assert.Equal(t, 0, am.Statistics().Unplaced)
		})
	}
}

func TestDeserializeRejectsDuplicatePositions(t *testing.T) {
	am, _ := newTestAddrMan(t)
	addrs, srcs := spreadAddrs(t, 2)
	require.True(t, am.Add(addrs[0], srcs[0]))
	require.True(t, am.Add(addrs[1], srcs[1]))

	// 把第二条记录的位置改成与第一条相同
	first := am.records[am.ipLookup[addrs[0].IPKey()]]
	second := am.records[am.ipLookup[addrs[1].IPKey()]]
	require.True(t, first.isNew())
	pos := first.member.(*newMembership).slots[0]
	am.detachNew(second)
	second.member = &newMembership{slots: []position{pos}}
	am.nNew++

	restored, _ := newTestAddrMan(t)
	err := restored.Deserialize(am.Serialize(true))
	require.ErrorIs(t, err, ErrCorruptBlob)
	assert.True(t, restored.Empty())
}

func withChecksum(body []byte) []byte {
	sum := doubleSHA256(body)
	return append(append([]byte(nil), body...), sum[:checksumSize]...)
}

func TestSerializeKeepsExtremeTimestamps(t *testing.T) {
	am, clock := newTestAddrMan(t)
	src := mustNetAddr(t, "252.2.2.2:8333")

	stamps := map[string]time.Time{
		"250.1.1.1:8333": time.Date(2400, 1, 1, 0, 0, 0, 0, time.UTC),
		"250.2.1.1:8333": time.Date(1500, 6, 1, 0, 0, 0, 123, time.UTC),
		"250.3.1.1:8333": time.Unix(0, 0),
		"250.4.1.1:8333": clock.Now().Add(-time.Nanosecond),
	}
	var addrs []NetAddress
	for s, ts := range stamps {
		addr := mustNetAddr(t, s)
		addr.Timestamp = ts
		require.True(t, am.Add(addr, src), s)
		am.Good(addr)
		addrs = append(addrs, addr)
	}

	// 超过一分钟没有尝试以后，时间戳决定记录是否糟糕
	later := clock.Now().Add(2 * time.Minute)
	require.True(t, am.find(mustNetAddr(t, "250.1.1.1:8333")).isTerrible(later))

	for _, withKey := range []bool{true, false} {
		restored, _ := newTestAddrMan(t)
		require.NoError(t, restored.Deserialize(am.Serialize(withKey)))
		requireSameContents(t, am, restored, addrs)
		for _, addr := range addrs {
			want := am.find(addr)
			got := restored.find(addr)
			assert.True(t, stamps[addr.String()].Equal(got.Addr.Timestamp), addr.String())
			assert.Equal(t, want.isTerrible(later), got.isTerrible(later), addr.String())
		}
	}
}
