package gossip

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/232425wxy/addrman/libs/tempfile"
)

// Store 负责地址簿数据的持久化
type Store interface {
	// Load 返回保存过的所有数据，最新的在最前面，什么都没有保存过时返回空切片
	Load() ([][]byte, error)
	// Save 保存一份新的数据
	Save(blob []byte) error
	Close() error
}

//-----------------------------------------------------------------------------
// FileStore

// FileStore 把地址簿保存在单个文件里，写入时先写临时文件，再原子地重命名
type FileStore struct {
	filePath string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(filePath string) *FileStore {
	return &FileStore{filePath: filePath}
}

// Load 实现 Store 接口，文件不存在时返回空
func (fs *FileStore) Load() ([][]byte, error) {
	bz, err := os.ReadFile(fs.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading file %s: %w", fs.filePath, err)
	}
	return [][]byte{bz}, nil
}

// Save 实现 Store 接口，数据里带有密钥，因此只有自己可读写
func (fs *FileStore) Save(blob []byte) error {
	return tempfile.WriteFileAtomic(fs.filePath, blob, 0600)
}

func (fs *FileStore) Close() error { return nil }

func (fs *FileStore) String() string {
	return "file:" + fs.filePath
}

//-----------------------------------------------------------------------------
// DBStore

const checkpointPrefix = "addrman/checkpoint"

// DBStore 把地址簿的每一次保存作为一个检查点写进数据库，只保留最新的 keep 个
type DBStore struct {
	mtx  sync.Mutex
	db   dbm.DB
	keep int
}

var _ Store = (*DBStore)(nil)

func NewDBStore(db dbm.DB, keep int) *DBStore {
	if keep < 1 {
		keep = 1
	}
	return &DBStore{db: db, keep: keep}
}

func checkpointKey(seq int64) []byte {
	key, err := orderedcode.Append(nil, checkpointPrefix, seq)
	if err != nil {
		panic(err)
	}
	return key
}

func parseCheckpointKey(key []byte) (int64, error) {
	var (
		prefix string
		seq    int64
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &seq)
	if err != nil {
		return 0, err
	}
	if prefix != checkpointPrefix || remaining != "" {
		return 0, fmt.Errorf("unexpected checkpoint key %X", key)
	}
	return seq, nil
}

// checkpointSeqs 返回数据库中所有检查点的序号，最新的在最前面
func (ds *DBStore) checkpointSeqs() ([]int64, error) {
	it, err := ds.db.ReverseIterator(checkpointKey(0), checkpointKey(math.MaxInt64))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var seqs []int64
	for ; it.Valid(); it.Next() {
		seq, err := parseCheckpointKey(it.Key())
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, it.Error()
}

// Load 实现 Store 接口，从最新的检查点开始依次返回
func (ds *DBStore) Load() ([][]byte, error) {
	ds.mtx.Lock()
	defer ds.mtx.Unlock()

	seqs, err := ds.checkpointSeqs()
	if err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	blobs := make([][]byte, 0, len(seqs))
	for _, seq := range seqs {
		bz, err := ds.db.Get(checkpointKey(seq))
		if err != nil {
			return nil, fmt.Errorf("error reading checkpoint %d: %w", seq, err)
		}
		if bz != nil {
			blobs = append(blobs, bz)
		}
	}
	return blobs, nil
}

// Save 实现 Store 接口，写入新的检查点并删除多余的旧检查点
func (ds *DBStore) Save(blob []byte) error {
	ds.mtx.Lock()
	defer ds.mtx.Unlock()

	seqs, err := ds.checkpointSeqs()
	if err != nil {
		return fmt.Errorf("error iterating checkpoints: %w", err)
	}
	next := int64(1)
	if len(seqs) > 0 {
		next = seqs[0] + 1
	}

	batch := ds.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(checkpointKey(next), blob); err != nil {
		return err
	}
	// 加上新写入的检查点，只保留最新的 keep 个
	for i := ds.keep - 1; i < len(seqs); i++ {
		if err := batch.Delete(checkpointKey(seqs[i])); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

func (ds *DBStore) Close() error {
	return ds.db.Close()
}

func (ds *DBStore) String() string {
	return fmt.Sprintf("db:%d checkpoints", ds.keep)
}
