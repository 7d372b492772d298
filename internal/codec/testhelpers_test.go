package codec

import "google.golang.org/protobuf/encoding/protowire"

// encodeTestOrderbookFrame builds a server->client orderbook frame the way
// the broker would, for use by tests that only exercise the decoder (this
// package has no production encoder for server->client frames).
func encodeTestOrderbookFrame(t interface{ Helper() }, ticker, payload, ts1, ts2, ts3, ts4, ts5 string) []byte {
	t.Helper()

	var nested []byte
	nested = protowire.AppendTag(nested, 1, protowire.BytesType)
	nested = protowire.AppendString(nested, ticker)
	nested = protowire.AppendTag(nested, 2, protowire.BytesType)
	nested = protowire.AppendString(nested, payload)
	nested = protowire.AppendTag(nested, 3, protowire.BytesType)
	nested = protowire.AppendString(nested, ts1)
	nested = protowire.AppendTag(nested, 4, protowire.BytesType)
	nested = protowire.AppendString(nested, ts2)
	nested = protowire.AppendTag(nested, 5, protowire.BytesType)
	nested = protowire.AppendString(nested, ts3)
	nested = protowire.AppendTag(nested, 8, protowire.BytesType)
	nested = protowire.AppendString(nested, ts4)
	nested = protowire.AppendTag(nested, 9, protowire.BytesType)
	nested = protowire.AppendString(nested, ts5)

	var frame []byte
	frame = protowire.AppendTag(frame, fieldOrderbook, protowire.BytesType)
	frame = protowire.AppendBytes(frame, nested)
	return frame
}
