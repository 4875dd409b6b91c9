package native

type Option uint8

const (
	OptionSendBuffer Option = iota
	OptionReceiveBuffer
	OptionReuseAddress
	OptionKeepAlive
	OptionLinger
	OptionBroadcast
	OptionMulticastTTL
	OptionMulticastInterface
	OptionMulticastLoopback
	OptionTypeOfService
)

var optionNames = [...]string{
	OptionSendBuffer:         "SO_SNDBUF",
	OptionReceiveBuffer:      "SO_RCVBUF",
	OptionReuseAddress:       "SO_REUSEADDR",
	OptionKeepAlive:          "SO_KEEPALIVE",
	OptionLinger:             "SO_LINGER",
	OptionBroadcast:          "SO_BROADCAST",
	OptionMulticastTTL:       "IP_MULTICAST_TTL",
	OptionMulticastInterface: "IP_MULTICAST_IF",
	OptionMulticastLoopback:  "IP_MULTICAST_LOOP",
	OptionTypeOfService:      "IP_TOS",
}

func (o Option) String() string {
	if int(o) < len(optionNames) {
		return optionNames[o]
	}
	return "unknown"
}

func (o Option) IsBoolean() bool {
	switch o {
	case OptionReuseAddress, OptionKeepAlive, OptionBroadcast, OptionMulticastLoopback:
		return true
	}
	return false
}
