// Package codec implements the broker's binary length-delimited wire
// protocol (spec §4.2): encoding the subscription request frame and
// decoding orderbook update frames. The on-the-wire shape is exactly the
// protobuf wire format (base-128 varint headers, wire types 0 and 2), so
// this package builds directly on google.golang.org/protobuf/encoding/protowire
// rather than hand-rolling varint arithmetic.
package codec

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cloudmanic/stockbit-ingest/internal/errs"
)

// Field numbers used by the subscription request (client -> server).
const (
	fieldUserID      protowire.Number = 1
	fieldTickerGroup protowire.Number = 2
	fieldTradingKey  protowire.Number = 3
	fieldBearerToken protowire.Number = 5
)

// Field number used by the orderbook update (server -> client).
const fieldOrderbook protowire.Number = 10

// tickerPrefixes enumerates the four derived forms each subscribed ticker
// is emitted as, in the documented rotation order.
var tickerPrefixes = []string{"", "9", ":", "J"}

// SubscriptionRequest is the decoded/encodeable shape of the single
// client->server message sent once per streaming connection.
type SubscriptionRequest struct {
	UserID      int64
	Tickers     []string // plain tickers, de-duplicated, in a stable order
	TradingKey  string
	BearerToken string
}

// EncodeSubscription builds the exact byte sequence the broker expects for
// req: field 1 (user id varint), field 2 (nested repeated-ticker group,
// each ticker emitted in its four derived forms), field 3 (trading key
// string), field 5 (bearer token string).
func EncodeSubscription(req SubscriptionRequest) []byte {
	tickers := dedupePreserveOrder(req.Tickers)

	var group []byte
	for _, prefix := range tickerPrefixes {
		for _, ticker := range tickers {
			entry := prefix + ticker
			group = protowire.AppendTag(group, fieldTickerGroup, protowire.BytesType)
			group = protowire.AppendString(group, entry)
		}
	}

	var b []byte
	b = protowire.AppendTag(b, fieldUserID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.UserID))

	b = protowire.AppendTag(b, fieldTickerGroup, protowire.BytesType)
	b = protowire.AppendBytes(b, group)

	b = protowire.AppendTag(b, fieldTradingKey, protowire.BytesType)
	b = protowire.AppendString(b, req.TradingKey)

	b = protowire.AppendTag(b, fieldBearerToken, protowire.BytesType)
	b = protowire.AppendString(b, req.BearerToken)

	return b
}

// dedupePreserveOrder returns tickers with duplicates removed, preserving
// the order of first appearance (the grouping loop above then emits each
// ticker's four derived forms in rotation).
func dedupePreserveOrder(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// DecodeSubscription parses a previously-encoded subscription frame back
// into its fields. It is used by the round-trip test suite (spec §8 law:
// decode(encode(x)) == x modulo field order within a repeated group) and by
// any consumer that needs to inspect a captured frame.
func DecodeSubscription(data []byte) (SubscriptionRequest, error) {
	var req SubscriptionRequest
	var rawGroup []byte

	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return req, errs.NewMalformed(fmt.Errorf("consume tag: %w", protowire.ParseError(n)))
		}
		b = b[n:]

		switch num {
		case fieldUserID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return req, errs.NewMalformed(fmt.Errorf("consume user id: %w", protowire.ParseError(n)))
			}
			req.UserID = int64(v)
			b = b[n:]
		case fieldTickerGroup:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return req, errs.NewMalformed(fmt.Errorf("consume ticker group: %w", protowire.ParseError(n)))
			}
			rawGroup = v
			b = b[n:]
		case fieldTradingKey:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return req, errs.NewMalformed(fmt.Errorf("consume trading key: %w", protowire.ParseError(n)))
			}
			req.TradingKey = string(v)
			b = b[n:]
		case fieldBearerToken:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return req, errs.NewMalformed(fmt.Errorf("consume bearer token: %w", protowire.ParseError(n)))
			}
			req.BearerToken = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return req, errs.NewMalformed(fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n)))
			}
			b = b[n:]
		}
	}

	tickerSet := make(map[string]struct{})
	g := rawGroup
	for len(g) > 0 {
		num, _, n := protowire.ConsumeTag(g)
		if n < 0 {
			return req, errs.NewMalformed(fmt.Errorf("consume ticker entry tag: %w", protowire.ParseError(n)))
		}
		g = g[n:]
		if num != fieldTickerGroup {
			return req, errs.NewMalformed(fmt.Errorf("unexpected field %d in ticker group", num))
		}
		v, n := protowire.ConsumeBytes(g)
		if n < 0 {
			return req, errs.NewMalformed(fmt.Errorf("consume ticker entry: %w", protowire.ParseError(n)))
		}
		g = g[n:]
		plain := stripPrefix(string(v))
		tickerSet[plain] = struct{}{}
	}

	req.Tickers = make([]string, 0, len(tickerSet))
	for t := range tickerSet {
		req.Tickers = append(req.Tickers, t)
	}
	sort.Strings(req.Tickers)

	return req, nil
}

// stripPrefix removes a single leading derived-form prefix character ('9',
// ':' or 'J') if present, returning the plain ticker. Plain tickers (no
// prefix) pass through unchanged.
func stripPrefix(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '9', ':', 'J':
		return s[1:]
	default:
		return s
	}
}

// OrderbookFrame is the decoded shape of a single server->client message.
type OrderbookFrame struct {
	Ticker        string
	Payload       string // raw "#O|TICKER|SIDE|p;l;v|..." string, see ParseOrderbookPayload
	TimestampRaw1 string // sub-field 3, opaque
	TimestampRaw2 string // sub-field 4, opaque
	TimestampRaw3 string // sub-field 5, opaque per Open Question (§9)
	TimestampRaw4 string // sub-field 8, opaque
	TimestampRaw5 string // sub-field 9, opaque per Open Question (§9)
}

// DecodeOrderbookFrame decodes a server->client message: a top-level frame
// whose field 10 is a nested frame carrying the ticker, payload string, and
// opaque timestamp sub-fields. Unknown top-level and nested fields are
// skipped by consuming their length, per spec. A length exceeding the
// remaining frame fails the whole frame with a Malformed error.
func DecodeOrderbookFrame(data []byte) (OrderbookFrame, error) {
	var frame OrderbookFrame
	var nested []byte
	found := false

	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return frame, errs.NewMalformed(fmt.Errorf("consume tag: %w", protowire.ParseError(n)))
		}
		b = b[n:]

		if num == fieldOrderbook && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return frame, errs.NewMalformed(fmt.Errorf("consume orderbook field: %w", protowire.ParseError(n)))
			}
			nested = v
			found = true
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return frame, errs.NewMalformed(fmt.Errorf("skip unknown top-level field %d: %w", num, protowire.ParseError(n)))
		}
		b = b[n:]
	}

	if !found {
		return frame, errs.NewMalformed(fmt.Errorf("frame has no field %d", fieldOrderbook))
	}

	g := nested
	for len(g) > 0 {
		num, typ, n := protowire.ConsumeTag(g)
		if n < 0 {
			return frame, errs.NewMalformed(fmt.Errorf("consume nested tag: %w", protowire.ParseError(n)))
		}
		g = g[n:]

		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(g)
			if n < 0 {
				return frame, errs.NewMalformed(fmt.Errorf("consume ticker: %w", protowire.ParseError(n)))
			}
			frame.Ticker = string(v)
			g = g[n:]
		case 2:
			v, n := protowire.ConsumeBytes(g)
			if n < 0 {
				return frame, errs.NewMalformed(fmt.Errorf("consume payload: %w", protowire.ParseError(n)))
			}
			frame.Payload = string(v)
			g = g[n:]
		case 3, 4, 5, 8, 9:
			raw, n, err := consumeOpaque(g, typ)
			if err != nil {
				return frame, err
			}
			switch num {
			case 3:
				frame.TimestampRaw1 = raw
			case 4:
				frame.TimestampRaw2 = raw
			case 5:
				frame.TimestampRaw3 = raw
			case 8:
				frame.TimestampRaw4 = raw
			case 9:
				frame.TimestampRaw5 = raw
			}
			g = g[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, g)
			if n < 0 {
				return frame, errs.NewMalformed(fmt.Errorf("skip unknown nested field %d: %w", num, protowire.ParseError(n)))
			}
			g = g[n:]
		}
	}

	return frame, nil
}

// consumeOpaque reads a field's value as an opaque string regardless of
// wire type, since fields 3/4/5/8/9 are preserved verbatim and are not
// required to decode semantically (spec §4.2).
func consumeOpaque(b []byte, typ protowire.Type) (string, int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return "", 0, errs.NewMalformed(fmt.Errorf("consume opaque varint: %w", protowire.ParseError(n)))
		}
		return fmt.Sprintf("%d", v), n, nil
	case protowire.BytesType:
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", 0, errs.NewMalformed(fmt.Errorf("consume opaque bytes: %w", protowire.ParseError(n)))
		}
		return string(v), n, nil
	default:
		n := protowire.ConsumeFieldValue(0, typ, b)
		if n < 0 {
			return "", 0, errs.NewMalformed(fmt.Errorf("skip opaque field: %w", protowire.ParseError(n)))
		}
		return "", n, nil
	}
}

