// Package events consumes checkout events and records the redemptions they
// carry.
package events

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/discount-engine/internal/domain/promotion"
)

// Default topics.
const (
	TopicCheckoutCompleted = "checkout.completed"
	TopicDLQSuffix         = ".dlq"
)

// ErrorHeaderKey carries the rejection reason on dead-lettered records.
const ErrorHeaderKey = "x-error"

// CheckoutCompleted is the payload of a checkout.completed event:
//
//	{"discountId":"...","userId":"...","orderId":"...","amountSaved":12.5,"metadata":{...}}
//
// amountSaved may be a JSON number or a decimal string.
type CheckoutCompleted struct {
	DiscountID  string
	UserID      string
	OrderID     string
	AmountSaved decimal.Decimal
	Metadata    []byte
}

// RedemptionInput converts the event into a ledger request.
func (e CheckoutCompleted) RedemptionInput() promotion.RedemptionInput {
	return promotion.RedemptionInput{
		DiscountID:  e.DiscountID,
		UserID:      e.UserID,
		OrderID:     e.OrderID,
		AmountSaved: e.AmountSaved,
		Metadata:    e.Metadata,
	}
}

// DecodeCheckoutCompleted parses a checkout.completed payload.
func DecodeCheckoutCompleted(data []byte) (CheckoutCompleted, error) {
	var e CheckoutCompleted
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "discountId":
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "discountId")
			}
			e.DiscountID = v
			return nil
		case "userId":
			v, err := optionalStr(d)
			if err != nil {
				return errors.Wrap(err, "userId")
			}
			e.UserID = v
			return nil
		case "orderId":
			v, err := optionalStr(d)
			if err != nil {
				return errors.Wrap(err, "orderId")
			}
			e.OrderID = v
			return nil
		case "amountSaved":
			v, err := decodeAmount(d)
			if err != nil {
				return errors.Wrap(err, "amountSaved")
			}
			e.AmountSaved = v
			return nil
		case "metadata":
			if d.Next() == jx.Null {
				return d.Null()
			}
			raw, err := d.Raw()
			if err != nil {
				return errors.Wrap(err, "metadata")
			}
			e.Metadata = append([]byte(nil), raw...)
			return nil
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return CheckoutCompleted{}, errors.Wrap(err, "decode checkout.completed")
	}
	return e, nil
}

func optionalStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func decodeAmount(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
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
		return decimal.Decimal{}, errors.Errorf("unexpected %v", d.Next())
	}
}
