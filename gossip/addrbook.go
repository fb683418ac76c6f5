package gossip

import (
	"errors"
	"time"

	"github.com/232425wxy/addrman/libs/log"
	"github.com/232425wxy/addrman/libs/service"
)

const (
	// defaultSaveInterval 默认每隔两分钟将地址簿里的内容存到硬盘上
	defaultSaveInterval = time.Minute * 2
)

// AddrBook 在 AddrMan 的基础上加上持久化：启动时加载最近一次保存的数据，运行期间定期保存，
// 停止时再保存一次。读写 Store 时不持有 AddrMan 的锁。
type AddrBook struct {
	service.BaseService
	*AddrMan

	store        Store
	saveInterval time.Duration
	stopSave     chan struct{} // OnStop 关闭它，通知 saveRoutine 做最后一次保存
	done         chan struct{} // saveRoutine 退出时关闭
}

// NewAddrBook 实例化一个地址簿，saveInterval 不大于 0 时使用默认的保存间隔
func NewAddrBook(store Store, saveInterval time.Duration, logger log.CRLogger, opts ...Option) *AddrBook {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if saveInterval <= 0 {
		saveInterval = defaultSaveInterval
	}
	opts = append([]Option{WithLogger(logger)}, opts...)
	ab := &AddrBook{
		AddrMan:      NewAddrMan(opts...),
		store:        store,
		saveInterval: saveInterval,
		stopSave:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	ab.BaseService = *service.NewBaseService(logger, "AddrBook", ab)
	return ab
}

// OnStart 实现 service.Service 接口
func (ab *AddrBook) OnStart() error {
	if err := ab.load(); err != nil {
		return err
	}
	go ab.saveRoutine()
	return nil
}

// OnStop 实现 service.Service 接口，等待最后一次保存完成以后关闭 Store
func (ab *AddrBook) OnStop() {
	close(ab.stopSave)
	<-ab.done
	if err := ab.store.Close(); err != nil {
		ab.Logger.Errorw("Failed to close address book store", "err", err)
	}
}

// Save 把地址簿保存到 Store 里，编码时持有锁，写入时不持有锁
func (ab *AddrBook) Save() error {
	blob := ab.Serialize(true)
	if err := ab.store.Save(blob); err != nil {
		ab.Logger.Errorw("Failed to save AddrBook", "store", ab.store, "err", err)
		return err
	}
	ab.Logger.Debugw("Saved AddrBook", "size", ab.Size(), "bytes", len(blob))
	return nil
}

func (ab *AddrBook) saveRoutine() {
	defer close(ab.done)

	saveTicker := time.NewTicker(ab.saveInterval)
	defer saveTicker.Stop()
out:
	for {
		select {
		case <-saveTicker.C:
			_ = ab.Save()
		case <-ab.stopSave:
			break out
		}
	}
	_ = ab.Save()
}

// load 依次尝试 Store 返回的每一份数据，使用第一份能够成功解码的数据。
// 数据损坏不是致命错误，记录一条警告以后从空的地址簿开始。
func (ab *AddrBook) load() error {
	blobs, err := ab.store.Load()
	if err != nil {
		return err
	}
	if len(blobs) == 0 {
		ab.Logger.Infow("No saved AddrBook found, starting empty", "store", ab.store)
		return nil
	}

	for i, blob := range blobs {
		err := ab.Deserialize(blob)
		if err == nil {
			ab.Logger.Infow("Loaded AddrBook", "store", ab.store, "checkpoint", i, "size", ab.Size())
			return nil
		}
		ab.Logger.Warnw("Discarding unreadable AddrBook data", "store", ab.store, "checkpoint", i,
			"corrupt", errors.Is(err, ErrCorruptBlob) || errors.Is(err, ErrChecksumMismatch), "err", err)
	}
	ab.Logger.Warnw("All saved AddrBook data is unreadable, starting empty", "store", ab.store)
	return nil
}
