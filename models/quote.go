package models

import "time"

// Market tags carried on raw feed messages. They tell the normalizer which
// parser path a payload belongs to.
const (
	MarketOrderbookDelta    = "orderbook-delta"
	MarketOrderbookSnapshot = "orderbook-snapshot"
)

// RawFeedMessage wraps a raw order book payload from any venue. Data holds
// the venue wire bytes untouched; ReceivedAt is the local receipt timestamp,
// which is tracked separately from the venue timestamp because venue clocks
// are not synchronized with ours.
type RawFeedMessage struct {
	Venue      string
	Symbol     string
	Market     string
	Data       []byte
	Seq        int64
	ReceivedAt time.Time
}

// UpdateType distinguishes full book snapshots from incremental diffs.
type UpdateType string

const (
	UpdateSnapshot UpdateType = "snapshot"
	UpdateDelta    UpdateType = "delta"
)

// BookLevel is a single price level. Quantity zero means the level is
// removed.
type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// BookUpdate is the normalized order book event produced by the venue
// parsers and consumed by the dispatcher and book store. Timestamps are UTC
// epoch milliseconds regardless of the venue wire format.
type BookUpdate struct {
	Venue        string      `json:"venue"`
	Symbol       string      `json:"symbol"`
	Type         UpdateType  `json:"type"`
	Bids         []BookLevel `json:"bids"`
	Asks         []BookLevel `json:"asks"`
	FirstSeq     int64       `json:"first_seq"`
	Seq          int64       `json:"seq"`
	PrevSeq      int64       `json:"prev_seq"`
	VenueTime    int64       `json:"venue_time"`
	ReceivedTime int64       `json:"received_time"`
}

// NormalizedQuote is the top-of-book view for one venue and symbol.
// Whenever both sides are present BidPrice < AskPrice holds for a valid
// book.
type NormalizedQuote struct {
	Venue        string  `json:"venue"`
	Symbol       string  `json:"symbol"`
	BidPrice     float64 `json:"bid_price"`
	BidQty       float64 `json:"bid_qty"`
	AskPrice     float64 `json:"ask_price"`
	AskQty       float64 `json:"ask_qty"`
	VenueTime    int64   `json:"venue_time"`
	ReceivedTime int64   `json:"received_time"`
	Seq          int64   `json:"seq"`
}

// Crossed reports whether the quote violates the bid/ask ordering
// invariant. Only meaningful when both sides are populated.
func (q NormalizedQuote) Crossed() bool {
	return q.BidQty > 0 && q.AskQty > 0 && q.BidPrice >= q.AskPrice
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BINANCE ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// PriceQty is a price level encoded as strings, the convention shared by
// Binance REST and websocket payloads.
type PriceQty struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// BinanceDepthResp mirrors Binance's spot diff depth websocket event.
// Prices and quantities arrive as strings, timestamps as epoch milliseconds.
type BinanceDepthResp struct {
	Event         string     `json:"e"`
	Time          int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	LastUpdateID  int64      `json:"u"`
	Bids          []PriceQty `json:"b"`
	Asks          []PriceQty `json:"a"`
}

// BinanceSnapshotResp mirrors the REST depth snapshot used to reinitialize
// a book after a sequence gap.
type BinanceSnapshotResp struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         []PriceQty `json:"bids"`
	Asks         []PriceQty `json:"asks"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// COINBASE //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// CoinbaseL2Resp covers both level2 message shapes: the initial full
// snapshot ({"type":"snapshot","bids":...,"asks":...}) and incremental
// l2update messages carrying [side, price, size] change triples. Timestamps
// are ISO-8601 UTC strings.
type CoinbaseL2Resp struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Time      string     `json:"time"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Changes   [][]string `json:"changes"`
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// OKX //////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// OkxBooksResp mirrors the OKX books5 channel push. Every message carries
// the full top five levels, so each one is a snapshot. Level entries are
// [price, size, liquidated, orders] string arrays; ts is epoch milliseconds
// encoded as a string.
type OkxBooksResp struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []OkxBookData `json:"data"`
}

// OkxBookData is a single book element inside an OKX push.
type OkxBookData struct {
	Bids  [][]string `json:"bids"`
	Asks  [][]string `json:"asks"`
	Ts    string     `json:"ts"`
	SeqID int64      `json:"seqId"`
}
