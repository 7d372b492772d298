package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cloudmanic/stockbit-ingest/internal/errs"
)

// Side is one side of an orderbook.
type Side string

const (
	SideBid   Side = "BID"
	SideOffer Side = "OFFER"
)

// Level is a single (price, lots, total_value) triple from one side of the
// book. Price and TotalValue are kept as the server-provided strings (spec
// §9 Open Question 2: the source treats total_value as float; we preserve
// the raw representation and only parse at the analytic boundary).
// PriceDecimal and TotalValueDecimal give a best-effort parse for callers
// that need the number.
type Level struct {
	PriceRaw      string
	Lots          int64
	TotalValueRaw string
}

// PriceDecimal attempts to parse PriceRaw as an exact decimal. ok is false
// if the server sent something that doesn't parse, in which case callers
// must fall back to the raw string.
func (l Level) PriceDecimal() (d decimal.Decimal, ok bool) {
	d, err := decimal.NewFromString(l.PriceRaw)
	return d, err == nil
}

// TotalValueDecimal is the TotalValueRaw analogue of PriceDecimal.
func (l Level) TotalValueDecimal() (d decimal.Decimal, ok bool) {
	d, err := decimal.NewFromString(l.TotalValueRaw)
	return d, err == nil
}

// OrderbookPayload is the parsed form of the "#O|..." payload string
// carried in sub-field 2 of the orderbook frame.
type OrderbookPayload struct {
	Ticker string
	Side   Side
	Levels []Level
}

// ParseOrderbookPayload parses a payload string of the form
// "#O|<TICKER>|<SIDE>|p1;l1;v1|p2;l2;v2|..." (spec §4.2). Order of levels
// is preserved from the wire. Returns a Malformed error for any structural
// violation (wrong marker, unknown side, wrong triple arity, non-integer
// lots).
func ParseOrderbookPayload(payload string) (OrderbookPayload, error) {
	var out OrderbookPayload

	parts := strings.Split(payload, "|")
	if len(parts) < 3 {
		return out, errs.NewMalformed(fmt.Errorf("orderbook payload has too few fields: %q", payload))
	}
	if parts[0] != "#O" {
		return out, errs.NewMalformed(fmt.Errorf("orderbook payload missing #O marker: %q", payload))
	}

	out.Ticker = parts[1]

	switch Side(parts[2]) {
	case SideBid, SideOffer:
		out.Side = Side(parts[2])
	default:
		return out, errs.NewMalformed(fmt.Errorf("orderbook payload has unknown side %q", parts[2]))
	}

	for _, triple := range parts[3:] {
		if triple == "" {
			continue
		}
		fields := strings.Split(triple, ";")
		if len(fields) != 3 {
			return out, errs.NewMalformed(fmt.Errorf("orderbook level triple has %d fields, want 3: %q", len(fields), triple))
		}
		lots, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return out, errs.NewMalformed(fmt.Errorf("orderbook level lots %q: %w", fields[1], err))
		}
		out.Levels = append(out.Levels, Level{
			PriceRaw:      fields[0],
			Lots:          lots,
			TotalValueRaw: fields[2],
		})
	}

	return out, nil
}

// FormatOrderbookPayload is the inverse of ParseOrderbookPayload, used by
// the round-trip test law in spec §8 ("splitting and re-joining by the
// documented separators produces the original string").
func FormatOrderbookPayload(p OrderbookPayload) string {
	parts := make([]string, 0, 3+len(p.Levels))
	parts = append(parts, "#O", p.Ticker, string(p.Side))
	for _, lvl := range p.Levels {
		parts = append(parts, strings.Join([]string{lvl.PriceRaw, strconv.FormatInt(lvl.Lots, 10), lvl.TotalValueRaw}, ";"))
	}
	return strings.Join(parts, "|")
}
