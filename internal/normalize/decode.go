package normalize

import (
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/rendis/callflow/pkg/schema"
)

// timeLayouts are tried in order when decoding a string into time.Time.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02",
}

// Decode maps a normalized payload onto out (a pointer to a struct or slice).
// Numbers and strings convert weakly so numeric identifiers land in string fields.
func Decode(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(stringToTimeHook),
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDecode, "build decoder for %T", out).WithCause(err)
	}
	if err := dec.Decode(in); err != nil {
		return schema.NewErrorf(schema.ErrCodeDecode, "decode into %T: %s", out, err.Error()).WithCause(err)
	}
	return nil
}

// DecodeObject normalizes raw as a single mapping and decodes it.
func (n *Normalizer) DecodeObject(raw any, out any) error {
	m, err := n.NormalizeObject(raw)
	if err != nil {
		return err
	}
	return Decode(m, out)
}

// DecodeList normalizes raw as a list of mappings and decodes it.
func (n *Normalizer) DecodeList(raw any, out any) error {
	items, err := n.NormalizeList(raw)
	if err != nil {
		return err
	}
	return Decode(items, out)
}

func stringToTimeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		return ParseTime(data.(string))
	case reflect.Float64:
		return time.Unix(int64(data.(float64)), 0).UTC(), nil
	}
	return data, nil
}

// ParseTime accepts the timestamp layouts used by the data services.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
