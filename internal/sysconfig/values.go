package sysconfig

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/KafClaw/synapse/internal/store"
)

// ValueType tags a stored value.
type ValueType string

const (
	TypeString     ValueType = "string"
	TypeNumber     ValueType = "number"
	TypeBoolean    ValueType = "boolean"
	TypeStructured ValueType = "structured"
)

// encode converts v to its protojson text and type tag.
func encode(v any) (string, ValueType, error) {
	if v == nil {
		return "", "", store.Validationf("configuration values cannot be null")
	}
	pv, err := structpb.NewValue(normalize(v))
	if err != nil {
		return "", "", store.Validationf("unsupported configuration value %T: %v", v, err)
	}
	var t ValueType
	switch pv.GetKind().(type) {
	case *structpb.Value_StringValue:
		t = TypeString
	case *structpb.Value_NumberValue:
		t = TypeNumber
	case *structpb.Value_BoolValue:
		t = TypeBoolean
	case *structpb.Value_StructValue, *structpb.Value_ListValue:
		t = TypeStructured
	default:
		return "", "", store.Validationf("configuration values cannot be null")
	}
	b, err := protojson.Marshal(pv)
	if err != nil {
		return "", "", fmt.Errorf("encode config value: %w", err)
	}
	return string(b), t, nil
}

// decode parses protojson text back into a plain Go value: string, float64,
// bool, map[string]any or []any.
func decode(text string) (any, error) {
	var pv structpb.Value
	if err := protojson.Unmarshal([]byte(text), &pv); err != nil {
		return nil, fmt.Errorf("decode config value: %w", err)
	}
	return pv.AsInterface(), nil
}

// normalize turns the map and slice shapes produced by YAML and callers into
// ones structpb accepts.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	}
	return v
}
