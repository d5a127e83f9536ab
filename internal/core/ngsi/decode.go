package ngsi

import (
	"fmt"

	"github.com/go-faster/jx"
)

// Notification is the body POSTed by the context broker.
type Notification struct {
	SubscriptionID string
	Entities       []Entity
}

// DecodeNotification decodes a notification body. Integral JSON numbers
// decode to Integer values, everything else numeric to Number.
func DecodeNotification(data []byte) (*Notification, error) {
	n := &Notification{}
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "subscriptionId":
			s, err := d.Str()
			n.SubscriptionID = s
			return err
		case "data":
			return d.Arr(func(d *jx.Decoder) error {
				e, err := decodeEntity(d)
				if err != nil {
					return err
				}
				n.Entities = append(n.Entities, e)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, Usagef("malformed notification: %v", err)
	}
	return n, nil
}

// DecodeEntity decodes a single NGSI v2 entity in normalized or
// key-values form.
func DecodeEntity(data []byte) (Entity, error) {
	e, err := decodeEntity(jx.DecodeBytes(data))
	if err != nil {
		return Entity{}, Usagef("malformed entity: %v", err)
	}
	return e, nil
}

func decodeEntity(d *jx.Decoder) (Entity, error) {
	e := Entity{Attrs: map[string]Attribute{}}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			s, err := d.Str()
			e.ID = s
			return err
		case "type":
			s, err := d.Str()
			e.Type = s
			return err
		case "time_index":
			s, err := d.Str()
			if err != nil {
				return err
			}
			if t, ok := ParseTime(s); ok {
				e.TimeIndex = t
			}
			return nil
		}
		raw, err := decodeAny(d)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", key, err)
		}
		e.Attrs[key] = attributeFrom(raw)
		return nil
	})
	if err != nil {
		return Entity{}, err
	}
	if e.ID == "" || e.Type == "" {
		return Entity{}, fmt.Errorf("entity must have both id and type")
	}
	return e, nil
}

func attributeFrom(raw any) Attribute {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Attribute{Type: InferType(raw), Value: Classify(InferType(raw), raw)}
	}
	value, hasValue := obj["value"]
	if !hasValue {
		return Attribute{Type: TypeStructured, Value: Classify(TypeStructured, raw)}
	}

	a := Attribute{}
	if t, ok := obj["type"].(string); ok && t != "" {
		a.Type = t
	} else {
		a.Type = InferType(value)
	}
	if md, ok := obj["metadata"].(map[string]any); ok {
		a.Metadata = md
	}
	a.Value = Classify(a.Type, value)
	return a
}

func decodeAny(d *jx.Decoder) (any, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return nil, err
		}
		if n.IsInt() {
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
		}
		return n.Float64()
	case jx.Bool:
		return d.Bool()
	case jx.Null:
		return nil, d.Null()
	case jx.Array:
		out := []any{}
		err := d.Arr(func(d *jx.Decoder) error {
			v, err := decodeAny(d)
			out = append(out, v)
			return err
		})
		return out, err
	case jx.Object:
		out := map[string]any{}
		err := d.Obj(func(d *jx.Decoder, key string) error {
			v, err := decodeAny(d)
			out[key] = v
			return err
		})
		return out, err
	}
	return nil, fmt.Errorf("unexpected json token")
}
