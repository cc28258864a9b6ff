package adapterutil

import (
	"fmt"
	"strings"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/model"
)

func SanitizeString(s string) string {
	if s == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if r == 0 {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

func SanitizeDeviceStrings(dev *model.Device) {
	if dev == nil {
		return
	}
	dev.ExternalID = SanitizeString(dev.ExternalID)
	dev.Name = SanitizeString(dev.Name)
	dev.Type = SanitizeString(dev.Type)
	dev.Manufacturer = SanitizeString(dev.Manufacturer)
	dev.Model = SanitizeString(dev.Model)
}

func StringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok && v != nil {
		switch val := v.(type) {
		case string:
			return val
		case fmt.Stringer:
			return val.String()
		default:
			return fmt.Sprint(val)
		}
	}
	return ""
}

// CoerceBool reads switch-like values ("on", "true", 1, ...) as a bool.
func CoerceBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		switch strings.TrimSpace(strings.ToLower(val)) {
		case "on", "true", "1", "yes":
			return true, true
		case "off", "false", "0", "no":
			return false, true
		}
	case float64:
		return val != 0, true
	case int:
		return val != 0, true
	}
	return false, false
}

// StringSliceFromAny accepts a single string or a JSON list and returns the
// non-empty entries.
func StringSliceFromAny(v any) []string {
	switch val := v.(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return nil
		}
		return []string{val}
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if item == nil {
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}
