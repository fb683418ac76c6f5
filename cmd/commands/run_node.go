package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	sros "github.com/232425wxy/addrman/libs/os"
	nm "github.com/232425wxy/addrman/node"
)

// AddNodeFlags 在命令行中暴露了一些常见的配置选项：
//	- "db_backend" : config.DBBackend : "数据库后端"
//	- "db_dir" : config.DBPath : "数据库目录"
//	- "p2p.addr_book_backend" : config.P2P.AddrBookBackend : "地址簿的存储后端"
//	- "p2p.addr_book_strict" : config.P2P.AddrBookStrict : "是否只接受可路由的地址"
//	- "p2p.addr_book_save_interval" : config.P2P.AddrBookSaveInterval : "地址簿的保存周期"
func AddNodeFlags(cmd *cobra.Command) {
	// db flags
	cmd.Flags().String(
		"db_backend",
		config.DBBackend,
		"database backend: goleveldb | memdb")
	cmd.Flags().String(
		"db_dir",
		config.DBPath,
		"database directory")

	// p2p flags
	cmd.Flags().String(
		"p2p.addr_book_backend",
		config.P2P.AddrBookBackend,
		"address book backend: file or one of the database backends")
	cmd.Flags().Bool(
		"p2p.addr_book_strict",
		config.P2P.AddrBookStrict,
		"only accept routable addresses")
	cmd.Flags().Duration(
		"p2p.addr_book_save_interval",
		config.P2P.AddrBookSaveInterval,
		"how often the address book is written to its backend")
}

// NewRunNodeCmd 返回启动节点的命令，节点会一直运行并定期保存地址簿
func NewRunNodeCmd(nodeProvider nm.Provider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the address manager node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := nodeProvider(config, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			stats := n.AddrBook().Statistics()
			logger.Infow("Started node", "new", stats.New, "tried", stats.Tried)

			// 收到 SIGTERM 或者 CTRL-C 时停止节点
			sros.TrapSignal(logger, func() {
				if n.IsRunning() {
					if err := n.Stop(); err != nil {
						logger.Errorw("unable to stop the node", "error", err)
					}
				}
			})

			// 阻塞在这里
			select {}
		},
	}

	AddNodeFlags(cmd)
	return cmd
}
