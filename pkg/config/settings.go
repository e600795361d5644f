// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/molgrid/internal/fsutil"
	"github.com/pkg/errors"
)

// settingsFields maps each setting name to a pointer to the corresponding field of c.
func settingsFields(c *Config) (names []string, fields map[string]any) {
	fields = make(map[string]any)
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for ii := range t.NumField() {
		name := t.Field(ii).Tag.Get("setting")
		if name == "" {
			continue
		}
		names = append(names, name)
		fields[name] = v.Field(ii).Addr().Interface()
	}
	return
}

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "balanced=true;shuffle=true;random_translate=2.0".
//
// The value is parsed according to the type of the option. For integer options "_" is removed,
// so one can write large numbers like 1_000_000.
//
// An entry like "file:settings.txt" reads the settings from the file, one or more per line, with lines
// starting with "#" being ignored.
//
// It returns the list of settings names set, or an error if a setting is unknown or failed to parse.
func ParseSettings(c *Config, settings string) (paramsSet []string, err error) {
	_, fields := settingsFields(c)
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(fields, strings.TrimSpace(setting), paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(fields map[string]any, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		filePath := strings.TrimPrefix(setting, "file:")
		filePath, err = fsutil.ReplaceTildeInDir(filePath)
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
			for _, lineSetting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(fields, strings.TrimSpace(lineSetting), newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<name>=<value>\"", setting)
		return
	}
	name = strings.TrimSpace(name)
	valueStr = strings.TrimSpace(valueStr)
	field, found := fields[name]
	if !found {
		err = errors.Errorf("unknown setting %q", name)
		return
	}
	switch v := field.(type) {
	case *int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), v)
	case *uint64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), v)
	case *float64:
		err = json.Unmarshal([]byte(valueStr), v)
	case *bool:
		err = json.Unmarshal([]byte(valueStr), v)
	case *string:
		*v = valueStr
	default:
		err = errors.Errorf("don't know how to parse type %T for setting %q", field, name)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for setting %q", valueStr, name)
		return
	}
	newParamsSet = append(newParamsSet, name)
	return
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named
// "set") describing all the settings and their current values in c.
//
// The flag should be created before the call to `flag.Parse()`.
//
// Example usage:
//
//	func main() {
//		cfg := config.Default()
//		settings := config.CreateSettingsFlag(cfg, "")
//		flag.Parse()
//		_, err := config.ParseSettings(cfg, *settings)
//		if err != nil { klog.Fatalf("%+v", err) }
//		...
//	}
func CreateSettingsFlag(c *Config, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{`Set pipeline options. ` +
		`It should be a list of elements "name=value" separated by ";". ` +
		`It can also be given an entry like: "file:settings_file.txt", in ` +
		`which case the file will be read and the settings will be parsed, ` +
		`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
		`Available settings:`}
	names, fields := settingsFields(c)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", name, reflect.ValueOf(fields[name]).Elem()))
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-prints the current value of all settings. If only is given, only those
// settings are included (duplicates are removed).
func SprintSettings(c *Config, only ...string) string {
	names, fields := settingsFields(c)
	if len(only) > 0 {
		names = slices.Clone(only)
		slices.Sort(names)
		names = slices.Compact(names)
	}
	parts := make([]string, 0, len(names))
	for _, name := range names {
		field, found := fields[name]
		if !found {
			continue
		}
		value := reflect.ValueOf(field).Elem()
		parts = append(parts, fmt.Sprintf("\t%q: (%s) %v", name, value.Type(), value))
	}
	return strings.Join(parts, "\n")
}
