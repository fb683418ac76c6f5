package gossip

import (
	"encoding/binary"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/minio/highwayhash"
)

// 不同用途的哈希各自带一个标签，保证它们的输入空间互不重叠
var (
	tagTriedGroup = []byte("tried-group")
	tagTriedAddr  = []byte("tried-addr")
	tagNewSource  = []byte("new-source")
	tagNewGroup   = []byte("new-group")
	tagTriedSlot  = []byte("tried-slot")
	tagNewSlot    = []byte("new-slot")
)

// keyedHash 用 key 计算 parts 的 HighwayHash-64，每一段前面都写上它的长度
func keyedHash(key AddressKey, parts ...[]byte) uint64 {
	n := 0
	for _, p := range parts {
		n += binary.MaxVarintLen64 + len(p)
	}
	buf := pool.Get(n)
	defer pool.Put(buf)

	off := 0
	for _, p := range parts {
		off += binary.PutUvarint(buf[off:], uint64(len(p)))
		off += copy(buf[off:], p)
	}
	return highwayhash.Sum64(buf[:off], key[:])
}

func uint64Bytes(v uint64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, v)
	return bz
}

// triedBucket 计算 addr 在 tried 表中的桶，同一个网络组里的地址最多落进 triedBucketsPerGroup 个桶：
// 网络组决定桶所在的区段，地址（包括端口）决定区段内的偏移
func triedBucket(key AddressKey, addr *NetAddress) int {
	base := keyedHash(key, tagTriedGroup, []byte(addr.GroupKey())) % (triedBucketCount / triedBucketsPerGroup)
	offset := keyedHash(key, tagTriedAddr, addr.Key()) % triedBucketsPerGroup
	return int(base*triedBucketsPerGroup + offset)
}

// newBucket 计算 addr 在 new 表中的桶，与端口无关：
// 来源的网络组决定区段，地址的网络组和来源的网络组一起决定区段内的偏移
func newBucket(key AddressKey, addr, src *NetAddress) int {
	srcGroup := []byte(src.GroupKey())
	base := keyedHash(key, tagNewSource, srcGroup) % (newBucketCount / newBucketsPerSourceGroup)
	offset := keyedHash(key, tagNewGroup, []byte(addr.GroupKey()), srcGroup) % newBucketsPerSourceGroup
	return int(base*newBucketsPerSourceGroup + offset)
}

// bucketSlot 计算 addr 在桶 bucket 里的槽位，attempt 是第几次尝试放置
func bucketSlot(key AddressKey, tag []byte, bucket int, addr *NetAddress, attempt int) int {
	return int(keyedHash(key, tag, uint64Bytes(uint64(bucket)), addr.Key(), uint64Bytes(uint64(attempt))) % bucketSize)
}
