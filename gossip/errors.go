package gossip

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptBlob 地址簿数据无法解析，或者解析出来的数据前后矛盾
	ErrCorruptBlob = errors.New("corrupt address book blob")
	// ErrUnknownVersion 地址簿数据的格式版本不是我们支持的版本
	ErrUnknownVersion = errors.New("unknown address book version")
	// ErrChecksumMismatch 地址簿数据末尾的校验和与内容不符
	ErrChecksumMismatch = errors.New("address book checksum mismatch")
)

// ErrNetAddressInvalid 地址格式不正确
type ErrNetAddressInvalid struct {
	Addr string
	Err  error
}

func (e ErrNetAddressInvalid) Error() string {
	return fmt.Sprintf("invalid address (%s): %v", e.Addr, e.Err)
}

func (e ErrNetAddressInvalid) Unwrap() error { return e.Err }

// ErrNetAddressLookup 解析 host 名失败
type ErrNetAddressLookup struct {
	Addr string
	Err  error
}

func (e ErrNetAddressLookup) Error() string {
	return fmt.Sprintf("error looking up host (%s): %v", e.Addr, e.Err)
}

func (e ErrNetAddressLookup) Unwrap() error { return e.Err }

// ErrAddrBookNonRoutable 开启 addr_book_strict 以后，不可路由的地址会被拒绝
type ErrAddrBookNonRoutable struct {
	Addr *NetAddress
}

func (e ErrAddrBookNonRoutable) Error() string {
	return fmt.Sprintf("cannot add non-routable address %v", e.Addr)
}

// ErrAddrBookInvalidAddr 地址本身不合法
type ErrAddrBookInvalidAddr struct {
	Addr    *NetAddress
	AddrErr error
}

func (e ErrAddrBookInvalidAddr) Error() string {
	return fmt.Sprintf("cannot add invalid address %v: %v", e.Addr, e.AddrErr)
}

func (e ErrAddrBookInvalidAddr) Unwrap() error { return e.AddrErr }
