package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

const (
	// DefaultLogLevel 默认的日志记录等级为 info，因此默认情况下，不会记录 debug 日志
	DefaultLogLevel = "info"

	// AddrBookBackendFile 表示把地址簿保存成单个文件
	AddrBookBackendFile = "file"
)

var (
	DefaultHomeDir   = ".addrman"
	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultConfigFileName = "config.toml"
	defaultAddrBookName   = "addrbook.bin"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName) // config/config.toml
	defaultAddrBookPath   = filepath.Join(defaultConfigDir, defaultAddrBookName)   // config/addrbook.bin
)

// Config 定义了顶级配置
type Config struct {
	// 使用 squash 标志将 BaseConfig 里的字段提到 Config 中
	BaseConfig `mapstructure:",squash"`

	P2P *P2PConfig `mapstructure:"p2p"`
}

// DefaultConfig 生成一个默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseConfig: DefaultBaseConfig(),
		P2P:        DefaultP2PConfig(),
	}
}

// TestConfig 返回一个适合在测试里使用的配置，地址簿保存在内存数据库里
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.DBBackend = "memdb"
	cfg.P2P.AddrBookBackend = "memdb"
	cfg.P2P.AddrBookStrict = false
	return cfg
}

// SetRoot 为所有种类的配置设置根目录
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.P2P.RootDir = root
	return cfg
}

// ValidateBasic 检查所有种类的配置是否正确
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [p2p] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig 定义了基础配置信息
type BaseConfig struct {
	// RootDir 是所有数据的根目录，由 viper 根据 --home 参数设置
	RootDir string `mapstructure:"home"`

	// 数据库后端: goleveldb | memdb | boltdb | cleveldb | rocksdb | badgerdb
	DBBackend string `mapstructure:"db_backend"`

	// 存放数据库的相对目录
	DBPath string `mapstructure:"db_dir"`

	// 日志输出等级
	LogLevel string `mapstructure:"log_level"`
}

// DefaultBaseConfig 返回一个默认的基础配置信息
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
		LogLevel:  DefaultLogLevel,
	}
}

// DBDir 返回数据库目录的绝对路径
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic 检查基础配置
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	if cfg.DBBackend == "" {
		return errors.New("db_backend can't be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig 为地址簿定义配置选项
type P2PConfig struct {
	RootDir string `mapstructure:"home"`

	// 存储地址簿的路径，只有 AddrBookBackend 为 file 时使用
	AddrBook string `mapstructure:"addr_book_file"`

	// 对于需要检查地址是否可路由，需要设置为true，
	// 对于私有或本地网络设置为 false
	AddrBookStrict bool `mapstructure:"addr_book_strict"`

	// 地址簿的存储后端：file 或者 tm-db 支持的任意一种数据库后端
	AddrBookBackend string `mapstructure:"addr_book_backend"`

	// 每隔多长时间把地址簿保存一次
	AddrBookSaveInterval time.Duration `mapstructure:"addr_book_save_interval"`

	// 使用数据库后端时最多保留的检查点个数
	AddrBookCheckpoints int `mapstructure:"addr_book_checkpoints"`
}

// DefaultP2PConfig 返回默认的地址簿配置
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		AddrBook:             defaultAddrBookPath,
		AddrBookStrict:       true,
		AddrBookBackend:      AddrBookBackendFile,
		AddrBookSaveInterval: 2 * time.Minute,
		AddrBookCheckpoints:  3,
	}
}

// AddrBookFile 返回地址簿的绝对地址
func (cfg *P2PConfig) AddrBookFile() string {
	return rootify(cfg.AddrBook, cfg.RootDir)
}

// ValidateBasic 检查地址簿配置
func (cfg *P2PConfig) ValidateBasic() error {
	if cfg.AddrBookBackend == "" {
		return errors.New("addr_book_backend can't be empty")
	}
	if cfg.AddrBookBackend == AddrBookBackendFile && cfg.AddrBook == "" {
		return errors.New("addr_book_file can't be empty when addr_book_backend is file")
	}
	if cfg.AddrBookSaveInterval <= 0 {
		return errors.New("addr_book_save_interval must be positive")
	}
	if cfg.AddrBookCheckpoints < 1 {
		return errors.New("addr_book_checkpoints must be at least 1")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// rootify 如果 filePath 是相对路径，则把它拼接到 root 后面
func rootify(filePath, root string) string {
	if filepath.IsAbs(filePath) {
		return filePath
	}
	return filepath.Join(root, filePath)
}
