package config

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/G-Research/loadforge/internal/protocol"
)

// CustomHooks are passed to viper.Unmarshal by every component. viper keeps only the last DecodeHook option,
// so the default duration and slice hooks are composed in here with ours.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		AddressDecodeHook(),
	)),
}

// AddressDecodeHook turns strings such as "C_A1_W*" into a protocol.Address.
func AddressDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(protocol.Address{}) {
			return data, nil
		}
		return protocol.ParseAddress(data.(string))
	}
}
