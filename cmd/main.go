package main

import (
	"os"
	"path/filepath"

	cmd "github.com/232425wxy/addrman/cmd/commands"
	cfg "github.com/232425wxy/addrman/config"
	"github.com/232425wxy/addrman/libs/cli"
	nm "github.com/232425wxy/addrman/node"
)

func main() {
	nodeFunc := nm.DefaultNewNode
	rootCmd := cmd.RootCmd
	rootCmd.AddCommand(cmd.InitFilesCmd)
	rootCmd.AddCommand(cmd.AddrBookCmds()...)

	rootCmd.AddCommand(cmd.NewRunNodeCmd(nodeFunc))

	command := cli.PrepareBaseCmd(rootCmd, "AM", os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultHomeDir)))
	if err := command.Execute(); err != nil {
		panic(err)
	}
}
