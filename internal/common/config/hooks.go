package config

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/armadaproject/simflow/internal/hpcscheduler"
	"github.com/armadaproject/simflow/internal/workflow"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		ProcessTypeDecodeHook(),
		StatusDecodeHook(),
		SchedulerKindDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

// ProcessTypeDecodeHook rejects unknown process type names, including when they are used as map keys. Viper lower
// cases every key, so names are matched without regard to case.
func ProcessTypeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(workflow.ProcessType("")) {
			return data, nil
		}
		name := reflect.ValueOf(data).String()
		for _, p := range workflow.AllProcessTypes() {
			if strings.EqualFold(string(p), name) {
				return p, nil
			}
		}
		return workflow.ParseProcessType(name)
	}
}

func StatusDecodeHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(workflow.Status("")) {
			return data, nil
		}
		return workflow.ParseStatus(reflect.ValueOf(data).String())
	}
}

// SchedulerKindDecodeHook maps unrecognised scheduler names to the direct backend.
func SchedulerKindDecodeHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(hpcscheduler.Kind("")) {
			return data, nil
		}
		return hpcscheduler.ParseKind(reflect.ValueOf(data).String()), nil
	}
}
