package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	cfg "github.com/232425wxy/addrman/config"
	sros "github.com/232425wxy/addrman/libs/os"
	nm "github.com/232425wxy/addrman/node"
)

// InitFilesCmd 初始化主目录，并写入一个空的地址簿
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the home directory and an empty address book",
	RunE:  initFiles,
}

func initFiles(cmd *cobra.Command, args []string) error {
	if config.P2P.AddrBookBackend == cfg.AddrBookBackendFile && sros.FileExists(config.P2P.AddrBookFile()) {
		logger.Infow("Found address book", "path", config.P2P.AddrBookFile())
		return nil
	}

	n, err := nm.DefaultNewNode(config, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	// Stop 时会把地址簿写入存储后端
	if err := n.Start(); err != nil {
		return err
	}
	if err := n.Stop(); err != nil {
		return err
	}
	logger.Infow("Generated address book", "backend", config.P2P.AddrBookBackend)
	return nil
}
