package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/232425wxy/addrman/gossip"
	nm "github.com/232425wxy/addrman/node"
)

// withAddrBook 加载持久化的地址簿，执行 fn，然后把修改后的地址簿写回存储后端
func withAddrBook(fn func(book *gossip.AddrBook) error) error {
	n, err := nm.DefaultNewNode(config, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to load address book: %w", err)
	}
	fnErr := fn(n.AddrBook())
	if err := n.Stop(); err != nil {
		return fmt.Errorf("failed to save address book: %w", err)
	}
	return fnErr
}

func printJSON(w io.Writer, v interface{}) error {
	bz, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(bz))
	return err
}

// StatsCmd 打印地址簿的统计信息
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show address book statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAddrBook(func(book *gossip.AddrBook) error {
			return printJSON(cmd.OutOrStdout(), book.Statistics())
		})
	},
}

// NewAddCmd 返回把地址加入地址簿的命令
func NewAddCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "add [host:port]...",
		Short: "Add addresses learned from a source to the address book",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs, errs := gossip.NewNetAddressStrings(args)
			for _, err := range errs {
				logger.Warnw("Skipping invalid address", "err", err)
			}
			src, err := gossip.NewNetAddressString(source)
			if err != nil {
				return fmt.Errorf("invalid source: %w", err)
			}
			return withAddrBook(func(book *gossip.AddrBook) error {
				added := book.AddAddresses(netAddressValues(addrs), *src)
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "added %d of %d addresses\n", added, len(args))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&source, "src", "127.0.0.1:0", "address of the peer the addresses were learned from")
	return cmd
}

// NewMarkCmd 返回对单个地址执行 good、attempt 或 connected 的命令
func NewMarkCmd(use, short string, mark func(book *gossip.AddrBook, addr gossip.NetAddress)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [host:port]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := gossip.NewNetAddressString(args[0])
			if err != nil {
				return err
			}
			return withAddrBook(func(book *gossip.AddrBook) error {
				if book.Find(*addr) == nil {
					return fmt.Errorf("address %v is not in the address book", addr)
				}
				mark(book, *addr)
				return printJSON(cmd.OutOrStdout(), book.Find(*addr))
			})
		},
	}
}

// NewSelectCmd 返回按照偏好随机选出一个地址的命令
func NewSelectCmd() *cobra.Command {
	var newOnly bool
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Pick an address to connect to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAddrBook(func(book *gossip.AddrBook) error {
				addr := book.Select(newOnly)
				if addr.IsZero() {
					return fmt.Errorf("no address available")
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), addr.String())
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&newOnly, "new-only", false, "only pick from the new table")
	return cmd
}

// NewGetAddrCmd 返回随机列出一批地址的命令
func NewGetAddrCmd() *cobra.Command {
	var max int
	cmd := &cobra.Command{
		Use:   "getaddr",
		Short: "List a random sample of good addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAddrBook(func(book *gossip.AddrBook) error {
				for _, addr := range book.GetAddr(max) {
					if _, err := fmt.Fprintln(cmd.OutOrStdout(), addr.String()); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&max, "max", 0, "maximum number of addresses, 0 means no extra limit")
	return cmd
}

// NewClearCmd 返回清空地址簿的命令
func NewClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every address from the address book",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAddrBook(func(book *gossip.AddrBook) error {
				book.Clear()
				return nil
			})
		},
	}
}

// AddrBookCmds 返回所有操作持久化地址簿的子命令
func AddrBookCmds() []*cobra.Command {
	return []*cobra.Command{
		StatsCmd,
		NewAddCmd(),
		NewMarkCmd("good", "Mark an address as successfully connected", func(book *gossip.AddrBook, addr gossip.NetAddress) {
			book.Good(addr)
		}),
		NewMarkCmd("attempt", "Record a connection attempt to an address", func(book *gossip.AddrBook, addr gossip.NetAddress) {
			book.Attempt(addr)
		}),
		NewMarkCmd("connected", "Refresh the timestamp of a connected address", func(book *gossip.AddrBook, addr gossip.NetAddress) {
			book.Connected(addr)
		}),
		NewSelectCmd(),
		NewGetAddrCmd(),
		NewClearCmd(),
	}
}

func netAddressValues(addrs []*gossip.NetAddress) []gossip.NetAddress {
	values := make([]gossip.NetAddress, 0, len(addrs))
	for _, addr := range addrs {
		values = append(values, *addr)
	}
	return values
}
