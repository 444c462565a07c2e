package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/dukaledger/backoffice/internal/domain/payment"
)

// ResultCodeSuccess is the only result code that means the payer was charged.
const ResultCodeSuccess = 0

// Well-known failure codes seen in sandbox and live traffic.
const (
	ResultCodeInsufficientFunds = 1
	ResultCodeCancelledByUser   = 1032
	ResultCodeTimeout           = 1037
	ResultCodeWrongPIN          = 2001
)

// Callback is the decoded STK push result the provider posts back.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string

	// Populated only when ResultCode is ResultCodeSuccess.
	Amount          int64
	ReceiptNumber   string
	TransactionDate time.Time
	PhoneNumber     string
}

// Outcome converts the callback into the domain verdict.
func (c *Callback) Outcome() payment.Outcome {
	if c.ResultCode == ResultCodeSuccess {
		return payment.Succeeded{
			ProviderRequestID: c.MerchantRequestID,
			Amount:            c.Amount,
			ReceiptNumber:     c.ReceiptNumber,
			TransactionTime:   c.TransactionDate,
			PhoneNumber:       c.PhoneNumber,
			Description:       c.ResultDesc,
		}
	}
	return payment.Failed{ProviderRequestID: c.MerchantRequestID, ResultCode: c.ResultCode, Description: c.ResultDesc}
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        json.Number       `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *callbackMetadata `json:"CallbackMetadata,omitempty"`
}

type callbackMetadata struct {
	Item []metadataItem `json:"Item"`
}

type metadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value,omitempty"`
}

// ParseCallback decodes a provider callback body. Any structural problem is
// reported as ErrMalformedCallback.
func ParseCallback(body []byte) (*Callback, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var env callbackEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", domainErrors.ErrMalformedCallback, err)
	}
	raw := env.Body.StkCallback
	if raw == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", domainErrors.ErrMalformedCallback)
	}
	if strings.TrimSpace(raw.CheckoutRequestID) == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", domainErrors.ErrMalformedCallback)
	}

	code, err := numberToInt(raw.ResultCode)
	if err != nil {
		return nil, fmt.Errorf("%w: ResultCode: %v", domainErrors.ErrMalformedCallback, err)
	}

	cb := &Callback{
		MerchantRequestID: raw.MerchantRequestID,
		CheckoutRequestID: raw.CheckoutRequestID,
		ResultCode:        int(code),
		ResultDesc:        raw.ResultDesc,
	}
	if cb.ResultCode != ResultCodeSuccess {
		return cb, nil
	}

	if raw.CallbackMetadata != nil {
		for _, item := range raw.CallbackMetadata.Item {
			if err := cb.applyItem(item); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", domainErrors.ErrMalformedCallback, item.Name, err)
			}
		}
	}
	if cb.ReceiptNumber == "" {
		return nil, fmt.Errorf("%w: successful callback without MpesaReceiptNumber", domainErrors.ErrMalformedCallback)
	}
	return cb, nil
}

func (c *Callback) applyItem(item metadataItem) error {
	if item.Value == nil {
		return nil
	}
	switch item.Name {
	case "Amount":
		n, err := valueToNumber(item.Value)
		if err != nil {
			return err
		}
		f, err := n.Float64()
		if err != nil {
			return err
		}
		c.Amount = int64(math.Round(f))
	case "MpesaReceiptNumber":
		c.ReceiptNumber = valueToString(item.Value)
	case "TransactionDate":
		t, err := time.ParseInLocation(timestampLayout, valueToString(item.Value), eat)
		if err != nil {
			return err
		}
		c.TransactionDate = t.UTC()
	case "PhoneNumber":
		c.PhoneNumber = valueToString(item.Value)
	}
	return nil
}

// EncodeCallback renders c in the provider's wire format. The sandbox uses it
// to feed simulated results through the same path as real ones.
func EncodeCallback(c *Callback) ([]byte, error) {
	raw := &stkCallback{
		MerchantRequestID: c.MerchantRequestID,
		CheckoutRequestID: c.CheckoutRequestID,
		ResultCode:        json.Number(strconv.Itoa(c.ResultCode)),
		ResultDesc:        c.ResultDesc,
	}
	if c.ResultCode == ResultCodeSuccess {
		raw.CallbackMetadata = &callbackMetadata{Item: []metadataItem{
			{Name: "Amount", Value: c.Amount},
			{Name: "MpesaReceiptNumber", Value: c.ReceiptNumber},
			{Name: "Balance"},
			{Name: "TransactionDate", Value: json.Number(Timestamp(c.TransactionDate))},
			{Name: "PhoneNumber", Value: json.Number(c.PhoneNumber)},
		}}
	}
	var env callbackEnvelope
	env.Body.StkCallback = raw
	return json.Marshal(env)
}

func numberToInt(n json.Number) (int64, error) {
	if n == "" {
		return 0, fmt.Errorf("missing")
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

func valueToNumber(v any) (json.Number, error) {
	switch t := v.(type) {
	case json.Number:
		return t, nil
	case string:
		return json.Number(strings.TrimSpace(t)), nil
	default:
		return "", fmt.Errorf("unexpected type %T", v)
	}
}

func valueToString(v any) string {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case string:
		return t
	default:
		return fmt.Sprint(v)
	}
}
