package config

import (
	"bytes"
	"path/filepath"
	"text/template"

	sros "github.com/232425wxy/addrman/libs/os"
)

// DefaultDirPerm 创建目录时使用的默认权限
const DefaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	if configTemplate, err = template.New("configFileTemplate").Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

// EnsureRoot 创建根目录、config 目录和 data 目录，如果配置文件不存在，则写入默认配置文件
func EnsureRoot(rootDir string) {
	if err := sros.EnsureDir(rootDir, DefaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := sros.EnsureDir(filepath.Join(rootDir, defaultConfigDir), DefaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := sros.EnsureDir(filepath.Join(rootDir, defaultDataDir), DefaultDirPerm); err != nil {
		panic(err.Error())
	}

	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if !sros.FileExists(configFilePath) {
		WriteConfigFile(configFilePath, DefaultConfig())
	}
}

// WriteConfigFile 用模板渲染 config 并写入 configFilePath
func WriteConfigFile(configFilePath string, config *Config) {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, config); err != nil {
		panic(err)
	}

	sros.MustWriteFile(configFilePath, buffer.Bytes(), 0644)
}

const defaultConfigTemplate = `# 这是一个 TOML 配置文件.
# 要想了解更多信息，请参考：https://github.com/toml-lang/toml

# 注意: 该配置文件里的所有路径都是相对路径，相对于主目录：“$HOME/.addrman”（默认情况下），
# 但也可以通过环境变量 “$AM_HOME” 或者命令行参数 “--home” 来改变主目录.

######################################################################
###                    (BaseConfig)  基本配置选项                    ###
######################################################################

# 数据库后端: goleveldb | memdb | boltdb | cleveldb | rocksdb | badgerdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# 存放数据库的目录
db_dir = "{{ js .BaseConfig.DBPath }}"

# 日志输出等级: debug | info | warn | error
log_level = "{{ .BaseConfig.LogLevel }}"

######################################################################
###                      (P2PConfig)  地址簿配置                      ###
######################################################################
[p2p]

# 存放地址簿的路径，只有 addr_book_backend 为 file 时才会用到
addr_book_file = "{{ js .P2P.AddrBook }}"

# 对于私有地址或本地地址，这里应当设为 false，如果不是私有地址或本地地址，那么我们必须要保证地址
# 是可被路由的，因此应当设为 true.
addr_book_strict = {{ .P2P.AddrBookStrict }}

# 地址簿的存储后端：file，或者上面列出的任意一种数据库后端
addr_book_backend = "{{ .P2P.AddrBookBackend }}"

# 把地址簿保存到硬盘上的时间间隔
addr_book_save_interval = "{{ .P2P.AddrBookSaveInterval }}"

# 使用数据库后端时，最多保留多少个地址簿检查点
addr_book_checkpoints = {{ .P2P.AddrBookCheckpoints }}
`
