package common

import (
	"bytes"
	"strconv"
	"strings"
)

// Upstream payloads send numbers as strings, strings as numbers, or null
// depending on the record. These types accept all of them and decode
// anything unexpected as the zero value instead of failing the whole payload.

type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	*f = FlexFloat(parseFloat(unquote(data)))
	return nil
}

type FlexInt int

func (i *FlexInt) UnmarshalJSON(data []byte) error {
	*i = FlexInt(int(parseFloat(unquote(data))))
	return nil
}

type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = ""
		return nil
	}
	if trimmed[0] == '"' {
		value, err := strconv.Unquote(string(trimmed))
		if err != nil {
			*s = ""
			return nil
		}
		*s = FlexString(strings.TrimSpace(value))
		return nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		*s = ""
		return nil
	}
	*s = FlexString(string(trimmed))
	return nil
}

func unquote(data []byte) string {
	value := strings.TrimSpace(string(data))
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = value[1 : len(value)-1]
	}
	return strings.TrimSpace(value)
}

func parseFloat(raw string) float64 {
	if raw == "" || raw == "null" {
		return 0
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil {
		return 0
	}
	return value
}
