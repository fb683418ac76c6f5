package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/232425wxy/addrman/config"
	"github.com/232425wxy/addrman/libs/log"
)

var (
	config = cfg.DefaultConfig()
	logger = log.NewCRLogger(config.LogLevel)
)

func init() {
	registerFlagsRootCmd(RootCmd)
}

func registerFlagsRootCmd(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log_level", config.LogLevel, "log level: debug | info | warn | error")
}

// ParseConfig 从 viper 中读取配置，设置根目录并确保根目录存在
func ParseConfig() (*cfg.Config, error) {
	conf := cfg.DefaultConfig()
	err := viper.Unmarshal(conf)
	if err != nil {
		return nil, err
	}
	conf.SetRoot(conf.RootDir)
	cfg.EnsureRoot(conf.RootDir)
	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %v", err)
	}
	return conf, nil
}

// RootCmd 是 addrman 的根命令
var RootCmd = &cobra.Command{
	Use:   "addrman",
	Short: "Bucketed peer address manager with persistent address book",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		config, err = ParseConfig()
		if err != nil {
			return err
		}
		logger = log.NewCRLogger(config.LogLevel)
		return nil
	},
}
