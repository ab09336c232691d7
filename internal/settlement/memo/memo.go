// Package memo decodes ledger transfer memos and classifies their trading intent.
package memo

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
)

// TradingType is the leading tag of a decoded memo
type TradingType string

const (
	MarketMaking   TradingType = "MM"
	SpotTrading    TradingType = "SP"
	Arbitrage      TradingType = "AR"
	fieldSeparator             = ":"
)

// Memo is a decoded transfer memo
type Memo struct {
	Type   TradingType
	Fields []string
}

// MarketMakingIntent is the payload of an MM memo
type MarketMakingIntent struct {
	PairID  string
	OrderID string
}

var encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// Decode base64-decodes raw memo bytes and splits the tagged payload.
func Decode(raw []byte) (*Memo, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty memo", interfaces.ErrInvalidMemo)
	}

	var text string
	for _, enc := range encodings {
		decoded, err := enc.DecodeString(string(trimmed))
		if err == nil {
			text = string(decoded)
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("%w: not base64", interfaces.ErrInvalidMemo)
	}

	parts := strings.Split(strings.TrimSpace(text), fieldSeparator)
	tag := strings.ToUpper(strings.TrimSpace(parts[0]))
	if tag == "" {
		return nil, fmt.Errorf("%w: missing trading type", interfaces.ErrInvalidMemo)
	}
	fields := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		fields = append(fields, strings.TrimSpace(p))
	}
	return &Memo{Type: TradingType(tag), Fields: fields}, nil
}

// Encode produces the base64 memo for a tag and its fields.
func Encode(t TradingType, fields ...string) string {
	text := strings.Join(append([]string{string(t)}, fields...), fieldSeparator)
	return base64.StdEncoding.EncodeToString([]byte(text))
}

// EncodeMarketMaking builds the memo a depositor attaches to fund an order.
func EncodeMarketMaking(pairID, orderID string) string {
	return Encode(MarketMaking, pairID, orderID)
}

// Known reports whether the tag belongs to a recognised trading type.
func (m *Memo) Known() bool {
	switch m.Type {
	case MarketMaking, SpotTrading, Arbitrage:
		return true
	}
	return false
}

// MarketMaking extracts the order and pair ids of an MM memo.
func (m *Memo) MarketMaking() (MarketMakingIntent, error) {
	if m.Type != MarketMaking {
		return MarketMakingIntent{}, fmt.Errorf("%w: %s", interfaces.ErrUnknownTradingType, m.Type)
	}
	if len(m.Fields) != 2 {
		return MarketMakingIntent{}, fmt.Errorf("%w: market making memo needs pair and order id, got %d fields",
			interfaces.ErrInvalidMemo, len(m.Fields))
	}
	pairID, orderID := m.Fields[0], m.Fields[1]
	if pairID == "" {
		return MarketMakingIntent{}, fmt.Errorf("%w: empty pair id", interfaces.ErrInvalidMemo)
	}
	id, err := uuid.Parse(orderID)
	if err != nil {
		return MarketMakingIntent{}, fmt.Errorf("%w: order id: %v", interfaces.ErrInvalidMemo, err)
	}
	return MarketMakingIntent{PairID: pairID, OrderID: id.String()}, nil
}
