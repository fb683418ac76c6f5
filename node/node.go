package node

import (
	"fmt"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	dbm "github.com/tendermint/tm-db"

	cfg "github.com/232425wxy/addrman/config"
	"github.com/232425wxy/addrman/gossip"
	"github.com/232425wxy/addrman/libs/log"
	"github.com/232425wxy/addrman/libs/service"
)

//------------------------------------------------------------------------------

// DBContext 指定用于加载新 DB 的配置信息
type DBContext struct {
	ID      string
	Backend string // 为空时使用 Config.DBBackend
	Config  *cfg.Config
}

// DBProvider 接受一个 DBContext 并返回一个实例化的 DB
type DBProvider func(*DBContext) (dbm.DB, error)

// DefaultDBProvider 使用 DBContext 中指定的后端和 Config.DBDir 返回一个数据库
func DefaultDBProvider(ctx *DBContext) (dbm.DB, error) {
	backend := ctx.Backend
	if backend == "" {
		backend = ctx.Config.DBBackend
	}
	return dbm.NewDB(ctx.ID, dbm.BackendType(backend), ctx.Config.DBDir())
}

// Provider 接受一个配置和一个日志记录器，并返回一个准备运行的节点
type Provider func(*cfg.Config, log.CRLogger) (*Node, error)

// DefaultNewNode 返回一个使用 DefaultDBProvider 的节点，它实现了 Provider
func DefaultNewNode(config *cfg.Config, logger log.CRLogger) (*Node, error) {
	return NewNode(config, DefaultDBProvider, logger)
}

// Option 为 Node 配置选项
type Option func(*Node)

// AddrManOptions 为节点的地址簿追加额外的选项，例如固定密钥或者时钟
func AddrManOptions(opts ...gossip.Option) Option {
	return func(n *Node) {
		n.addrManOpts = append(n.addrManOpts, opts...)
	}
}

// MetricsRegistry 让节点把指标注册到给定的 registry 里
func MetricsRegistry(registry metrics.Registry) Option {
	return func(n *Node) {
		n.registry = registry
	}
}

//------------------------------------------------------------------------------

// Node 持有配置和地址簿，负责地址簿的启动、定期保存和停止
type Node struct {
	service.BaseService

	config      *cfg.Config
	addrBook    *gossip.AddrBook // known peers
	registry    metrics.Registry
	addrManOpts []gossip.Option
}

// NewNode 根据配置创建地址簿的存储后端和地址簿本身
func NewNode(config *cfg.Config, dbProvider DBProvider, logger log.CRLogger, options ...Option) (*Node, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	node := &Node{
		config:   config,
		registry: metrics.NewRegistry(),
	}
	for _, option := range options {
		option(node)
	}

	store, err := createAddrBookStore(config, dbProvider)
	if err != nil {
		return nil, err
	}

	opts := append([]gossip.Option{
		gossip.WithRoutabilityStrict(config.P2P.AddrBookStrict),
		gossip.WithMetricsRegistry(node.registry),
	}, node.addrManOpts...)
	node.addrBook = gossip.NewAddrBook(store, config.P2P.AddrBookSaveInterval, logger.With("module", "addrbook"), opts...)

	node.BaseService = *service.NewBaseService(logger.With("module", "node"), "Node", node)
	return node, nil
}

// createAddrBookStore 按照 addr_book_backend 选择文件或者数据库作为地址簿的存储后端
func createAddrBookStore(config *cfg.Config, dbProvider DBProvider) (gossip.Store, error) {
	if config.P2P.AddrBookBackend == cfg.AddrBookBackendFile {
		return gossip.NewFileStore(config.P2P.AddrBookFile()), nil
	}
	db, err := dbProvider(&DBContext{ID: "addrbook", Backend: config.P2P.AddrBookBackend, Config: config})
	if err != nil {
		return nil, fmt.Errorf("failed to open addrbook db (backend %s): %w", config.P2P.AddrBookBackend, err)
	}
	return gossip.NewDBStore(db, config.P2P.AddrBookCheckpoints), nil
}

// OnStart 实现 service.Service 接口
func (n *Node) OnStart() error {
	if err := n.addrBook.Start(); err != nil {
		return fmt.Errorf("failed to start addrbook: %w", err)
	}
	go n.statsRoutine()
	return nil
}

// OnStop 实现 service.Service 接口
func (n *Node) OnStop() {
	n.Logger.Infow("Stopping Node")
	if err := n.addrBook.Stop(); err != nil {
		n.Logger.Errorw("Error stopping addrbook", "err", err)
	}
}

// statsRoutine 每隔一个保存周期记录一次地址簿的统计信息
func (n *Node) statsRoutine() {
	ticker := time.NewTicker(n.config.P2P.AddrBookSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := n.addrBook.Statistics()
			n.Logger.Infow("AddrBook statistics", "new", stats.New, "tried", stats.Tried,
				"added", stats.Added, "evicted", stats.Evicted, "collisions", stats.Collisions)
		case <-n.Quit():
			return
		}
	}
}

// AddrBook 返回节点的地址簿
func (n *Node) AddrBook() *gossip.AddrBook {
	return n.addrBook
}

// Config 返回节点的配置
func (n *Node) Config() *cfg.Config {
	return n.config
}

// Registry 返回地址簿指标所在的 registry
func (n *Node) Registry() metrics.Registry {
	return n.registry
}
