package etcp

// IPProto is the IP protocol number carried in the IPv4 protocol field
// or the IPv6 next header field.
type IPProto uint8

const (
	IPProtoICMP   IPProto = 1  // ICMP
	IPProtoTCP    IPProto = 6  // TCP
	IPProtoUDP    IPProto = 17 // UDP
	IPProtoICMPv6 IPProto = 58 // ICMPv6
)

func (proto IPProto) String() string {
	switch proto {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	case IPProtoICMPv6:
		return "ICMPv6"
	}
	return "IPProto(?)"
}
