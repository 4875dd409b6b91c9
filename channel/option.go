package channel

import (
	E "github.com/sagernet/sing-nio/common/exceptions"
	"github.com/sagernet/sing-nio/common/native"
)

const maxLinger = 65535

// normalizeOption validates value for option and returns what is handed to
// the dispatcher.
func normalizeOption(option native.Option, value int) (int, error) {
	if option.IsBoolean() {
		if value != 0 {
			return 1, nil
		}
		return 0, nil
	}
	switch option {
	case native.OptionSendBuffer, native.OptionReceiveBuffer:
		if value < 0 {
			return 0, E.Extend(ErrInvalidOption, option, " must not be negative")
		}
	case native.OptionLinger:
		if value < 0 {
			return -1, nil
		}
		return min(value, maxLinger), nil
	case native.OptionMulticastTTL, native.OptionTypeOfService:
		if value < 0 || value > 255 {
			return 0, E.Extend(ErrInvalidOption, option, " out of range: ", value)
		}
	}
	return value, nil
}

// BoolOption converts a boolean option value for SetOption.
func BoolOption(enabled bool) int {
	if enabled {
		return 1
	}
	return 0
}
