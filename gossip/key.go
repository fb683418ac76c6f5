package gossip

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/minio/highwayhash"
)

// AddressKey 是 AddrMan 私有的 256 比特密钥，所有桶坐标的计算都要用到它，
// 外部观察者不知道密钥，也就无法预测某个地址会落进哪个桶
type AddressKey [highwayhash.Size]byte

// NewAddressKey 从 crypto/rand 读取 32 字节生成一个新的密钥
func NewAddressKey() AddressKey {
	var key AddressKey
	if _, err := crand.Read(key[:]); err != nil {
		panic(fmt.Sprintf("could not read random bytes for address key: %v", err))
	}
	return key
}

// AddressKeyFromHex 把 64 个 16 进制字符解析成密钥，命令行和测试里使用
func AddressKeyFromHex(s string) (AddressKey, error) {
	var key AddressKey
	bz, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(bz) != len(key) {
		return key, fmt.Errorf("address key must be %d bytes, got %d", len(key), len(bz))
	}
	copy(key[:], bz)
	return key, nil
}

// IsZero 判断密钥是否全为 0
func (k AddressKey) IsZero() bool {
	return k == AddressKey{}
}

// String 不输出密钥内容，防止密钥出现在日志里
func (k AddressKey) String() string {
	return "AddressKey{...}"
}
