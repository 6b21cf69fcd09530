// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/shardgrad/pkg/support/fsutil"
	"github.com/gomlx/shardgrad/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Settings maps setting names to their values. The default values set before parsing also define the type
// to which the string values are parsed.
type Settings map[string]any

// GetSettingOr returns the value of the setting key converted to T, or defaultValue if it is not set or
// has a different type.
func GetSettingOr[T any](s Settings, key string, defaultValue T) T {
	value, found := s[key]
	if !found {
		return defaultValue
	}
	t, ok := value.(T)
	if !ok {
		return defaultValue
	}
	return t
}

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in s. The default values are also used to set the type to which the string values will be parsed to.
//
// It updates s accordingly and returns the names of the settings parsed, or an error in case a setting
// is unknown or the parsing failed.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// An entry "file:<path>" reads the settings from the file, one or more per line, skipping empty lines
// and lines starting with "#".
func ParseSettings(s Settings, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(s, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(s Settings, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		var filePath string
		filePath, err = fsutil.ReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, setting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(s, setting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	parts := strings.Split(setting, "=")
	if len(parts) != 2 {
		err = errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	name, valueStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	value, found := s[name]
	if !found {
		err = errors.Errorf("can't set parameter %q because it is not known, see -help for the list of settings", name)
		return
	}

	switch v := value.(type) {
	case int:
		valueStr = strings.ReplaceAll(valueStr, "_", "")
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case int64:
		valueStr = strings.ReplaceAll(valueStr, "_", "")
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []string:
		value = strings.Split(valueStr, ",")
	case []int:
		ints := make([]int, 0, len(v))
		for _, str := range strings.Split(valueStr, ",") {
			var asInt int
			if err = json.Unmarshal([]byte(strings.ReplaceAll(str, "_", "")), &asInt); err != nil {
				break
			}
			ints = append(ints, asInt)
		}
		value = ints
	default:
		err = errors.Errorf("don't know how to parse type %T for setting parameter %q", value, setting)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)", valueStr, name, s[name])
		return
	}
	s[name] = value
	newParamsSet = append(newParamsSet, name)
	return
}

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the settings defined in s.
//
// The flag should be created before the call to `flags.Parse()`.
//
// Example usage:
//
//	func main() {
//		settings := commandline.Settings{"buffer_max_size": 1 << 23, "offload": false}
//		flagSettings := commandline.CreateSettingsFlag(settings, "")
//		flag.Parse()
//		_, err := commandline.ParseSettings(settings, *flagSettings)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintSettings(settings))
//		...
//	}
func CreateSettingsFlag(s Settings, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set configuration parameters. ` +
			`It should be a list of elements "param=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available parameters that can be set:`,
	}
	for _, key := range xslices.SortedKeys(s) {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, s[key]))
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-print the current settings into a string.
func SprintSettings(s Settings) string {
	var parts []string
	for _, key := range xslices.SortedKeys(s) {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, s[key], s[key]))
	}
	return strings.Join(parts, "\n")
}
