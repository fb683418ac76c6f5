package gossip

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/gogo/protobuf/proto"
	pool "github.com/libp2p/go-buffer-pool"
)

// 地址簿数据的格式：
//
//	magic "AMAN"
//	version               varint
//	flags                 varint，第 0 位表示是否带有密钥
//	key                   bytes，只有 flags 第 0 位为 1 时才有
//	new 表桶数、tried 表桶数、每个桶的槽位数   varint * 3
//	nNew, nTried          varint * 2
//	nNew 条 new 记录：     记录 + 槽位个数 + (桶, 槽位) * 槽位个数
//	nTried 条 tried 记录： 记录 + (桶, 槽位)
//	checksum              前面所有内容的 double-SHA256 的前 4 个字节
//
// 记录依次为：addr、src、最近一次成功的时间、最近一次尝试的时间、失败次数，
// 地址依次为：16 字节的 IP、端口、服务、时间戳。时间先写一个标志，0 表示零值，
// 1 表示后面跟着 zigzag 编码的 Unix 秒数和纳秒数。
const (
	blobMagic            = "AMAN"
	serializationVersion = 2
	flagHasKey           = 1 << 0
	checksumSize         = 4

	// 解码时单张表允许的最大记录数
	maxBlobRecords = 1 << 20
)

// Serialize 把整个地址簿编码成一段数据，withKey 为 true 时把密钥也写进去，
// 只有保存到本地时才应该带上密钥
func (a *AddrMan) Serialize(withKey bool) []byte {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.encode(withKey)
}

// Deserialize 用 bz 替换地址簿当前的内容。数据中带有密钥并且表的规格一致时，直接恢复每条记录的位置，
// 否则按照当前的密钥重新放置每条记录。出错时地址簿被清空，并返回错误。
func (a *AddrMan) Deserialize(bz []byte) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	defer a.updateGauges()

	b, err := decodeBlob(bz)
	if err == nil {
		err = a.restore(b)
	}
	if err != nil {
		a.reset()
		return err
	}
	return nil
}

//-----------------------------------------------------------------------------
// 编码

type blobWriter struct {
	*proto.Buffer
}

// proto.Buffer 的编码方法只是往切片里追加数据，不会返回错误
func (w blobWriter) varint(v uint64)   { _ = w.EncodeVarint(v) }
func (w blobWriter) fixed64(v uint64)  { _ = w.EncodeFixed64(v) }
func (w blobWriter) rawBytes(b []byte) { _ = w.EncodeRawBytes(b) }

func (w blobWriter) time(t time.Time) {
	if t.IsZero() {
		w.varint(0)
		return
	}
	w.varint(1)
	_ = w.EncodeZigzag64(uint64(t.Unix()))
	w.varint(uint64(t.Nanosecond()))
}

func (w blobWriter) netAddress(na *NetAddress) {
	ip := na.IP.To16()
	if ip == nil {
		ip = make([]byte, net.IPv6len)
	}
	w.rawBytes(ip)
	w.varint(uint64(na.Port))
	w.varint(uint64(na.Services))
	w.time(na.Timestamp)
}

func (w blobWriter) record(ka *knownAddress) {
	w.netAddress(&ka.Addr)
	w.netAddress(&ka.Src)
	w.time(ka.LastSuccess)
	w.time(ka.LastTry)
	w.varint(uint64(ka.Attempts))
}

func (a *AddrMan) encode(withKey bool) []byte {
	// 每条记录大约 100 字节
	scratch := pool.Get(64 + 100*a.size())
	defer pool.Put(scratch)

	w := blobWriter{proto.NewBuffer(append(scratch[:0], blobMagic...))}

	var flags uint64
	if withKey {
		flags |= flagHasKey
	}
	w.varint(serializationVersion)
	w.varint(flags)
	if withKey {
		w.rawBytes(a.key[:])
	}
	w.varint(newBucketCount)
	w.varint(triedBucketCount)
	w.varint(bucketSize)

	newRecords, triedRecords := a.sortedRecords()
	w.varint(uint64(len(newRecords)))
	w.varint(uint64(len(triedRecords)))
	for _, ka := range newRecords {
		w.record(ka)
		slots := ka.member.(*newMembership).slots
		w.varint(uint64(len(slots)))
		for _, pos := range slots {
			w.varint(uint64(pos.bucket))
			w.varint(uint64(pos.slot))
		}
	}
	for _, ka := range triedRecords {
		w.record(ka)
		pos := ka.member.(triedMembership).pos
		w.varint(uint64(pos.bucket))
		w.varint(uint64(pos.slot))
	}

	body := w.Bytes()
	out := make([]byte, len(body)+checksumSize)
	copy(out, body)
	sum := doubleSHA256(body)
	copy(out[len(body):], sum[:checksumSize])
	return out
}

// sortedRecords 按编号顺序返回 new 表和 tried 表里的记录，保证相同的状态编码出相同的数据
func (a *AddrMan) sortedRecords() (newRecords, triedRecords []*knownAddress) {
	ids := make([]RecordID, 0, len(a.records))
	for id := range a.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	newRecords = make([]*knownAddress, 0, a.nNew)
	triedRecords = make([]*knownAddress, 0, a.nTried)
	for _, id := range ids {
		ka := a.records[id]
		switch ka.member.(type) {
		case *newMembership:
			newRecords = append(newRecords, ka)
		case triedMembership:
			triedRecords = append(triedRecords, ka)
		}
	}
	return newRecords, triedRecords
}

func doubleSHA256(bz []byte) [sha256.Size]byte {
	first := sha256.Sum256(bz)
	return sha256.Sum256(first[:])
}

//-----------------------------------------------------------------------------
// 解码

type blobRecord struct {
	addr        NetAddress
	src         NetAddress
	lastSuccess time.Time
	lastTry     time.Time
	attempts    int32
	tried       bool
	positions   []position
}

type decodedBlob struct {
	hasKey          bool
	key             AddressKey
	geometryMatches bool
	records         []blobRecord
}

type blobReader struct {
	*proto.Buffer
	err error
}

func (r *blobReader) varint() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.DecodeVarint()
	if err != nil {
		r.err = err
	}
	return v
}

func (r *blobReader) bounded(max uint64, what string) uint64 {
	v := r.varint()
	if r.err == nil && v > max {
		r.err = fmt.Errorf("%s %d out of range [0, %d]", what, v, max)
	}
	return v
}

func (r *blobReader) rawBytes(size int, what string) []byte {
	if r.err != nil {
		return nil
	}
	b, err := r.DecodeRawBytes(true)
	if err != nil {
		r.err = err
		return nil
	}
	if len(b) != size {
		r.err = fmt.Errorf("%s must be %d bytes, got %d", what, size, len(b))
		return nil
	}
	return b
}

func (r *blobReader) time() time.Time {
	if present := r.bounded(1, "time flag"); r.err != nil || present == 0 {
		return time.Time{}
	}
	sec, err := r.DecodeZigzag64()
	if err != nil {
		r.err = err
		return time.Time{}
	}
	nsec := r.bounded(uint64(time.Second-1), "nanoseconds")
	if r.err != nil {
		return time.Time{}
	}
	return time.Unix(int64(sec), int64(nsec))
}

func (r *blobReader) netAddress() NetAddress {
	ip := r.rawBytes(net.IPv6len, "ip")
	port := r.bounded(1<<16-1, "port")
	services := r.varint()
	ts := r.time()
	return NetAddress{
		IP:        net.IP(ip),
		Port:      uint16(port),
		Services:  ServiceFlag(services),
		Timestamp: ts,
	}
}

func (r *blobReader) record(tried bool) blobRecord {
	rec := blobRecord{tried: tried}
	rec.addr = r.netAddress()
	rec.src = r.netAddress()
	rec.lastSuccess = r.time()
	rec.lastTry = r.time()
	rec.attempts = int32(r.bounded(1<<31-1, "attempts"))
	return rec
}

func (r *blobReader) position() position {
	bucket := r.bounded(maxBlobRecords, "bucket")
	slot := r.bounded(maxBlobRecords, "slot")
	return position{bucket: int(bucket), slot: int(slot)}
}

// decodeBlob 只解析数据，不修改任何状态
func decodeBlob(bz []byte) (*decodedBlob, error) {
	if len(bz) < len(blobMagic)+checksumSize || !bytes.Equal(bz[:len(blobMagic)], []byte(blobMagic)) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptBlob)
	}
	body := bz[:len(bz)-checksumSize]

	r := &blobReader{Buffer: proto.NewBuffer(body[len(blobMagic):])}
	version := r.varint()
	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, r.err)
	}
	if version != serializationVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	sum := doubleSHA256(body)
	if !bytes.Equal(sum[:checksumSize], bz[len(body):]) {
		return nil, ErrChecksumMismatch
	}

	b := &decodedBlob{}
	flags := r.varint()
	if flags&flagHasKey != 0 {
		b.hasKey = true
		copy(b.key[:], r.rawBytes(len(b.key), "key"))
	}
	nNewBuckets := r.varint()
	nTriedBuckets := r.varint()
	slotsPerBucket := r.varint()
	b.geometryMatches = nNewBuckets == newBucketCount && nTriedBuckets == triedBucketCount && slotsPerBucket == bucketSize

	nNew := r.bounded(maxBlobRecords, "new records")
	nTried := r.bounded(maxBlobRecords, "tried records")
	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, r.err)
	}

	b.records = make([]blobRecord, 0, nNew+nTried)
	for i := uint64(0); i < nNew && r.err == nil; i++ {
		rec := r.record(false)
		n := r.bounded(newBucketsPerAddress, "new slots")
		if r.err == nil && n == 0 {
			r.err = fmt.Errorf("new record %d has no slots", i)
		}
		for j := uint64(0); j < n && r.err == nil; j++ {
			rec.positions = append(rec.positions, r.position())
		}
		b.records = append(b.records, rec)
	}
	for i := uint64(0); i < nTried && r.err == nil; i++ {
		rec := r.record(true)
		rec.positions = []position{r.position()}
		b.records = append(b.records, rec)
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, r.err)
	}
	return b, nil
}

// restore 用解码出来的数据重建地址簿，调用前地址簿会被清空
func (a *AddrMan) restore(b *decodedBlob) error {
	a.reset()

	explicit := false
	if b.hasKey && (!a.deterministic || b.key == a.key) {
		a.key = b.key
		explicit = b.geometryMatches
	}
	if explicit {
		return a.restorePositions(b.records)
	}
	a.replay(b.records)
	return nil
}

func (a *AddrMan) newRecordFrom(rec blobRecord) *knownAddress {
	ka := a.create(rec.addr, rec.src)
	ka.LastSuccess = rec.lastSuccess
	ka.LastTry = rec.lastTry
	ka.Attempts = rec.attempts
	return ka
}

// restorePositions 把每条记录放回数据中记录的位置
func (a *AddrMan) restorePositions(records []blobRecord) error {
	for _, rec := range records {
		if err := rec.addr.Valid(); err != nil {
			return fmt.Errorf("%w: address %v: %v", ErrCorruptBlob, &rec.addr, err)
		}
		if a.find(rec.addr) != nil {
			return fmt.Errorf("%w: duplicate address %v", ErrCorruptBlob, &rec.addr)
		}
		table := a.newTable
		if rec.tried {
			table = a.triedTable
		}
		for _, pos := range rec.positions {
			if !table.contains(pos) || table.get(pos) != 0 {
				return fmt.Errorf("%w: bad position %v for %v", ErrCorruptBlob, pos, &rec.addr)
			}
		}

		ka := a.newRecordFrom(rec)
		if rec.tried {
			a.attachTried(ka, rec.positions[0])
			continue
		}
		for _, pos := range rec.positions {
			// 同一条记录重复出现的槽位在上面的检查中发现不了
			if a.newTable.get(pos) != 0 {
				return fmt.Errorf("%w: duplicate position %v for %v", ErrCorruptBlob, pos, &rec.addr)
			}
			a.attachNew(ka, pos)
		}
	}
	return nil
}

// replay 按照当前密钥重新放置每条记录，先放 tried 记录，再放 new 记录，放不下的记录被丢弃
func (a *AddrMan) replay(records []blobRecord) {
	now := a.now()
	dropped := 0
	place := func(rec blobRecord) {
		if rec.addr.Valid() != nil || a.find(rec.addr) != nil {
			dropped++
			return
		}
		ka := a.newRecordFrom(rec)
		if rec.tried {
			a.placeTried(ka, now)
			return
		}
		if !a.placeNew(ka, now) {
			a.remove(ka)
			dropped++
		}
	}
	for _, rec := range records {
		if rec.tried {
			place(rec)
		}
	}
	for _, rec := range records {
		if !rec.tried {
			place(rec)
		}
	}
	a.logger.Debugw("Replayed address book placement", "size", a.size(), "dropped", dropped)
}
