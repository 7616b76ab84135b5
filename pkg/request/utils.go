package request

import (
	jsonlib "encoding/json"
	"fmt"
	"reflect"

	"github.com/keboola/go-utils/pkg/orderedmap"
	"github.com/spf13/cast"
)

// ToFormBody converts a JSON like map to form body map, any type is mapped to string.
// Slices are expanded to "key[0]", "key[1]", ... and string maps to "key[subKey]".
func ToFormBody(in map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for k, v := range in {
		if v == nil {
			out[k] = ""
			continue
		}
		rv := reflect.ValueOf(v)
		switch {
		case rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8:
			for i := range rv.Len() {
				str, err := castToString(rv.Index(i).Interface())
				if err != nil {
					return nil, fmt.Errorf(`field "%s[%d]": %w`, k, i, err)
				}
				out[fmt.Sprintf("%s[%d]", k, i)] = str
			}
		case rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String:
			iter := rv.MapRange()
			for iter.Next() {
				str, err := castToString(iter.Value().Interface())
				if err != nil {
					return nil, fmt.Errorf(`field "%s[%s]": %w`, k, iter.Key().String(), err)
				}
				out[fmt.Sprintf("%s[%s]", k, iter.Key().String())] = str
			}
		default:
			str, err := castToString(v)
			if err != nil {
				return nil, fmt.Errorf(`field "%s": %w`, k, err)
			}
			out[k] = str
		}
	}
	return out, nil
}

func castToString(v any) (string, error) {
	// Ordered map
	if orderedMap, ok := v.(*orderedmap.OrderedMap); ok {
		// Standard json encoding library is used.
		// JsonIter lib returns non-compact JSON,
		// if custom OrderedMap.MarshalJSON method is used.
		out, err := jsonlib.Marshal(orderedMap)
		if err != nil {
			return "", fmt.Errorf(`cannot cast %T to string: %w`, v, err)
		}
		return string(out), nil
	}

	// Other types
	out, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf(`cannot cast %T to string: %w`, v, err)
	}
	return out, nil
}
