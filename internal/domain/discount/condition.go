package discount

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// ErrUnknownTrigger is returned when decoding a condition of an unknown kind.
var ErrUnknownTrigger = errors.New("unknown trigger type")

// MarshalTrigger encodes the condition payload of t as JSON.
func MarshalTrigger(t Trigger) ([]byte, error) {
	if t == nil {
		return nil, ErrNoTrigger
	}
	var e jx.Encoder
	t.encode(&e)
	return e.Bytes(), nil
}

// UnmarshalTrigger decodes a condition payload of the given kind. Unknown
// fields are ignored; the result is not validated.
func UnmarshalTrigger(kind TriggerType, data []byte) (Trigger, error) {
	d := jx.DecodeBytes(data)
	switch kind {
	case TriggerCartTotal:
		return decodeCartTotal(d)
	case TriggerItemQuantity:
		return decodeItemQuantity(d)
	case TriggerUserRole:
		return decodeUserRole(d)
	case TriggerProductCombo:
		return decodeProductCombo(d)
	case TriggerBehaviorTag:
		return decodeBehaviorTag(d)
	default:
		return nil, errors.Wrapf(ErrUnknownTrigger, "%q", string(kind))
	}
}

// DecodeStoredTrigger decodes a persisted condition. Conditions that cannot be
// decoded come back as RawTrigger so that listing never fails on one broken
// row and evaluation reports the problem instead.
func DecodeStoredTrigger(kind TriggerType, data []byte) Trigger {
	t, err := UnmarshalTrigger(kind, data)
	if err != nil {
		raw := make([]byte, len(data))
		copy(raw, data)
		return RawTrigger{Type: kind, Raw: raw, Err: err}
	}
	return t
}

func (c CartTotal) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("operator")
	e.Str(string(c.Operator))
	e.FieldStart("value")
	e.Raw([]byte(c.Value.String()))
	e.ObjEnd()
}

func (c ItemQuantity) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("operator")
	e.Str(string(c.Operator))
	e.FieldStart("quantity")
	e.Int(c.Quantity)
	if c.ProductID != "" {
		e.FieldStart("productId")
		e.Str(c.ProductID)
	}
	e.ObjEnd()
}

func (c UserRole) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("roles")
	encodeStrings(e, c.Roles)
	e.ObjEnd()
}

func (c ProductCombo) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("requiredProducts")
	encodeStrings(e, c.RequiredProducts)
	e.FieldStart("operator")
	e.Str(string(c.Operator))
	e.ObjEnd()
}

func (c BehaviorTag) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("tag")
	e.Str(c.Tag)
	e.FieldStart("minCount")
	e.Int(c.MinCount)
	e.ObjEnd()
}

func (t RawTrigger) encode(e *jx.Encoder) {
	e.Raw(t.Raw)
}

func encodeStrings(e *jx.Encoder, values []string) {
	e.ArrStart()
	for _, v := range values {
		e.Str(v)
	}
	e.ArrEnd()
}

func decodeCartTotal(d *jx.Decoder) (Trigger, error) {
	var c CartTotal
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "operator":
			v, err := d.Str()
			c.Operator = Operator(v)
			return fieldErr("operator", err)
		case "value":
			v, err := decodeDecimal(d)
			c.Value = v
			return fieldErr("value", err)
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode cart_total condition")
	}
	return c, nil
}

func decodeItemQuantity(d *jx.Decoder) (Trigger, error) {
	var c ItemQuantity
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "operator":
			v, err := d.Str()
			c.Operator = Operator(v)
			return fieldErr("operator", err)
		case "quantity":
			v, err := d.Int()
			c.Quantity = v
			return fieldErr("quantity", err)
		case "productId":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Str()
			c.ProductID = v
			return fieldErr("productId", err)
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode item_quantity condition")
	}
	return c, nil
}

func decodeUserRole(d *jx.Decoder) (Trigger, error) {
	var c UserRole
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "roles":
			v, err := decodeStrings(d)
			c.Roles = v
			return fieldErr("roles", err)
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode user_role condition")
	}
	return c, nil
}

func decodeProductCombo(d *jx.Decoder) (Trigger, error) {
	var c ProductCombo
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "requiredProducts":
			v, err := decodeStrings(d)
			c.RequiredProducts = v
			return fieldErr("requiredProducts", err)
		case "operator":
			v, err := d.Str()
			c.Operator = ComboOperator(v)
			return fieldErr("operator", err)
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode product_combo condition")
	}
	return c, nil
}

func decodeBehaviorTag(d *jx.Decoder) (Trigger, error) {
	var c BehaviorTag
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "tag":
			v, err := d.Str()
			c.Tag = v
			return fieldErr("tag", err)
		case "minCount":
			v, err := d.Int()
			c.MinCount = v
			return fieldErr("minCount", err)
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode behavior_tag condition")
	}
	return c, nil
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		v, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// fieldErr annotates a decode error with the offending field.
func fieldErr(name string, err error) error {
	if err != nil {
		return errors.Wrap(err, name)
	}
	return nil
}

// decodeDecimal reads a JSON number or a decimal string without going
// through float64.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch tt := d.Next(); tt {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		raw, err := d.Raw()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(string(raw))
	default:
		return decimal.Decimal{}, errors.Errorf("unexpected %v", tt)
	}
}
