package gossip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// EmptyNetAddress 定义一个空 NetAddress 的字符串表示
const EmptyNetAddress = "<nil-NetAddress>"

// ServiceFlag 表示一个节点对外宣称自己支持的服务
type ServiceFlag uint64

const (
	// SFNodeNetwork 表示节点可以提供完整的数据
	SFNodeNetwork ServiceFlag = 1 << iota
	// SFNodeBloom 表示节点支持布隆过滤器
	SFNodeBloom
	// SFNodeWitness 表示节点支持见证数据
	SFNodeWitness
)

// NetAddress 定义网络上一个对等点的地址信息：IP、端口、对外宣称的服务，以及通告者声称的
// 最近一次见到它的时间
type NetAddress struct {
	IP        net.IP      `json:"ip"`
	Port      uint16      `json:"port"`
	Services  ServiceFlag `json:"services"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewNetAddressIPPort 根据提供的 IP 和 Port 实例化一个 NetAddress
func NewNetAddressIPPort(ip net.IP, port uint16) *NetAddress {
	return &NetAddress{
		IP:   ip,
		Port: port,
	}
}

// NewNetAddress 把一个 TCP 地址转换为 NetAddress，只支持 *net.TCPAddr
func NewNetAddress(addr net.Addr) (*NetAddress, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("only TCPAddrs are supported, got: %v", addr)
	}
	return NewNetAddressIPPort(tcpAddr.IP, uint16(tcpAddr.Port)), nil
}

// NewNetAddressString 的入参形式如：“ip:port” 或者 “tcp://ip:port”，如果 ip 是一个 host 名，
// 则会解析 host，得到它的第一个 ip 地址。
// 返回的错误： ErrNetAddressXxx 其中 Xxx 的取值范围包括：(Invalid, Lookup)
func NewNetAddressString(addr string) (*NetAddress, error) {
	addrWithoutProtocol := removeProtocolIfDefined(addr)

	host, portStr, err := net.SplitHostPort(addrWithoutProtocol)
	if err != nil {
		return nil, ErrNetAddressInvalid{addrWithoutProtocol, err}
	}
	if len(host) == 0 {
		return nil, ErrNetAddressInvalid{addrWithoutProtocol, errors.New("host is empty")}
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return nil, ErrNetAddressLookup{host, err}
		}
		ip = ips[0]
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, ErrNetAddressInvalid{portStr, err}
	}

	return NewNetAddressIPPort(ip, uint16(port)), nil
}

// NewNetAddressStrings 批量的调用 NewNetAddressString 函数
func NewNetAddressStrings(addrs []string) ([]*NetAddress, []error) {
	netAddrs := make([]*NetAddress, 0, len(addrs))
	errs := make([]error, 0)
	for _, addr := range addrs {
		netAddr, err := NewNetAddressString(addr)
		if err != nil {
			errs = append(errs, err)
		} else {
			netAddrs = append(netAddrs, netAddr)
		}
	}
	return netAddrs, errs
}

// Copy 返回一个不与 na 共享 IP 底层数组的副本
func (na NetAddress) Copy() NetAddress {
	cp := na
	if na.IP != nil {
		cp.IP = make(net.IP, len(na.IP))
		copy(cp.IP, na.IP)
	}
	return cp
}

// IsZero 判断 na 是否是零值地址，Select 在没有可选地址时返回零值地址
func (na NetAddress) IsZero() bool {
	return na.IP == nil && na.Port == 0
}

// Equals 比较两个 NetAddress 的 ip:port 是否一样
func (na *NetAddress) Equals(other interface{}) bool {
	if o, ok := other.(*NetAddress); ok {
		return na.DialString() == o.DialString()
	}
	return false
}

// String 返回 ip:port
func (na *NetAddress) String() string {
	if na == nil {
		return EmptyNetAddress
	}
	return na.DialString()
}

// DialString 返回 ip:port
func (na *NetAddress) DialString() string {
	if na == nil {
		return EmptyNetAddress
	}
	return net.JoinHostPort(
		na.IP.String(),
		strconv.FormatUint(uint64(na.Port), 10),
	)
}

// IPKey 返回只由 IP 决定的键，端口不同但 IP 相同的两个地址得到相同的键
func (na *NetAddress) IPKey() string {
	return string(na.IP.To16())
}

// Key 返回 16 字节的 IP 加上 2 字节大端序的端口，用来计算 tried 桶和槽位
func (na *NetAddress) Key() []byte {
	key := make([]byte, net.IPv6len+2)
	copy(key, na.IP.To16())
	binary.BigEndian.PutUint16(key[net.IPv6len:], na.Port)
	return key
}

// GroupKey 返回该地址所属的网络组：IPv4 取 /16，IPv6 取 /32（he.net 取 /36），
// 本地地址返回 “local”，不可路由的地址返回 “unroutable”
func (na *NetAddress) GroupKey() string {
	if na.IsLocal() {
		return "local"
	}
	if !na.Routable() {
		return "unroutable"
	}

	if ipv4 := na.IP.To4(); ipv4 != nil {
		return groupString(ipv4, 16, 32)
	}

	ip16 := na.IP.To16()
	if na.RFC6145() || na.RFC6052() {
		// 后四个字节就是 IPv4 地址
		return groupString(net.IP(ip16[12:16]), 16, 32)
	}

	if na.RFC3964() {
		return groupString(net.IP(ip16[2:6]), 16, 32)
	}

	if na.RFC4380() {
		// teredo 隧道地址的后四个字节是 IPv4 地址与 0xff 异或的结果
		ip := net.IP(make([]byte, 4))
		for i, b := range ip16[12:16] {
			ip[i] = b ^ 0xff
		}
		return groupString(ip, 16, 32)
	}

	// 其余 IPv6 地址一律取 /32，只有 he.net 的地址段取 /36
	bits := 32
	if heNet.Contains(ip16) {
		bits = 36
	}

	return groupString(ip16, bits, 128)
}

// groupString 返回 ip 所在网段的字符串表示，例如 250.1.0.0/16
func groupString(ip net.IP, ones, bits int) string {
	mask := net.CIDRMask(ones, bits)
	return (&net.IPNet{IP: ip.Mask(mask), Mask: mask}).String()
}

// Routable 判断地址是否可路由
func (na *NetAddress) Routable() bool {
	if err := na.Valid(); err != nil {
		return false
	}
	return !(na.RFC1918() || na.RFC3927() || na.RFC4862() ||
		na.RFC4193() || na.RFC4843() || na.IsLocal())
}

// Valid 对于 IPv4 地址来说，如果是 “0.0.0.0” 或者 “255.255.255.255”，则返回错误，
// 对于 IPv6 地址来说，如果地址全 0，或者匹配 RFC3849 格式的地址，则返回错误
func (na *NetAddress) Valid() error {
	if na.IP == nil {
		return errors.New("no IP")
	}
	if na.IP.IsUnspecified() || na.RFC3849() || na.IP.Equal(net.IPv4bcast) {
		return errors.New("invalid IP")
	}
	return nil
}

// IsLocal 判断 NetAddress 的 IP 地址是否是环回地址
func (na *NetAddress) IsLocal() bool {
	return na.IP.IsLoopback() || zero4.Contains(na.IP)
}

// RFC1918: IPv4 Private networks (10.0.0.0/8, 192.168.0.0/16, 172.16.0.0/12)
// RFC3849: IPv6 Documentation address  (2001:0DB8::/32)
// RFC3927: IPv4 Autoconfig (169.254.0.0/16)
// RFC3964: IPv6 6to4 (2002::/16)
// RFC4193: IPv6 unique local (FC00::/7)
// RFC4380: IPv6 Teredo tunneling (2001::/32)
// RFC4843: IPv6 ORCHID: (2001:10::/28)
// RFC4862: IPv6 Autoconfig (FE80::/64)
// RFC6052: IPv6 well known prefix (64:FF9B::/96)
// RFC6145: IPv6 IPv4 translated address ::FFFF:0:0:0/96
var rfc1918_10 = ipNet("10.0.0.0", 8, 32)
var rfc1918_192 = ipNet("192.168.0.0", 16, 32)
var rfc1918_172 = ipNet("172.16.0.0", 12, 32)
var rfc3849 = ipNet("2001:0DB8::", 32, 128)
var rfc3927 = ipNet("169.254.0.0", 16, 32)
var rfc3964 = ipNet("2002::", 16, 128)
var rfc4193 = ipNet("FC00::", 7, 128)
var rfc4380 = ipNet("2001::", 32, 128)
var rfc4843 = ipNet("2001:10::", 28, 128)
var rfc4862 = ipNet("FE80::", 64, 128)
var rfc6052 = ipNet("64:FF9B::", 96, 128)
var rfc6145 = ipNet("::FFFF:0:0:0", 96, 128)
var zero4 = ipNet("0.0.0.0", 8, 32)
var heNet = ipNet("2001:470::", 32, 128)

// ipNet 根据 IP 字符串、掩码前缀长度以及掩码总长度返回一个 net.IPNet
func ipNet(ip string, ones, bits int) net.IPNet {
	return net.IPNet{IP: net.ParseIP(ip), Mask: net.CIDRMask(ones, bits)}
}

func (na *NetAddress) RFC1918() bool {
	return rfc1918_10.Contains(na.IP) ||
		rfc1918_192.Contains(na.IP) ||
		rfc1918_172.Contains(na.IP)
}
func (na *NetAddress) RFC3849() bool { return rfc3849.Contains(na.IP) }
func (na *NetAddress) RFC3927() bool { return rfc3927.Contains(na.IP) }
func (na *NetAddress) RFC3964() bool { return rfc3964.Contains(na.IP) }
func (na *NetAddress) RFC4193() bool { return rfc4193.Contains(na.IP) }
func (na *NetAddress) RFC4380() bool { return rfc4380.Contains(na.IP) }
func (na *NetAddress) RFC4843() bool { return rfc4843.Contains(na.IP) }
func (na *NetAddress) RFC4862() bool { return rfc4862.Contains(na.IP) }
func (na *NetAddress) RFC6052() bool { return rfc6052.Contains(na.IP) }
func (na *NetAddress) RFC6145() bool { return rfc6145.Contains(na.IP) }

// removeProtocolIfDefined 移除网络地址前面的协议名，
// 例如会将 tcp://1.2.3.4:8333 前面的 tcp:// 给去掉
func removeProtocolIfDefined(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.Split(addr, "://")[1]
	}
	return addr
}
