package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/uhyunpark/stockmatch/pkg/order"
)

// Pebble key schema
//
//   ord:<seq>                         → Order JSON
//   oid:<orderID>                     → seq
//   open:<symbol>:<B|S>:<seq>         → open-order index (empty value)
//   done:<lastModifiedNanos>:<seq>    → completed-order index (empty value)
//   meta:order-seq                    → last assigned seq
//   acc:<accountID>                   → Account JSON
//   applied:<tradeID>                 → settlement ledger
//
// Numbers are zero-padded to 20 digits so lexicographic order matches
// numeric order.
const (
	prefixOrder   = "ord:"
	prefixOrderID = "oid:"
	prefixOpen    = "open:"
	prefixDone    = "done:"
	prefixAccount = "acc:"
	prefixApplied = "applied:"
	keyOrderSeq   = "meta:order-seq"
)

// orderKey returns the key for an order
// Format: "ord:{seq}"
func orderKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, seq))
}

func orderIDKey(id string) []byte {
	return []byte(prefixOrderID + id)
}

func sideCode(s order.Side) string {
	if s == order.Sell {
		return "S"
	}
	return "B"
}

// openKey returns the open-index key
// Format: "open:{symbol}:{B|S}:{seq}"
func openKey(symbol string, side order.Side, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d", prefixOpen, symbol, sideCode(side), seq))
}

// openPrefix returns the prefix for open orders of one symbol and side
func openPrefix(symbol string, side order.Side) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixOpen, symbol, sideCode(side)))
}

// symbolFromOpenKey extracts the symbol of an open-index key.
func symbolFromOpenKey(key []byte) (string, bool) {
	rest := strings.TrimPrefix(string(key), prefixOpen)
	i := strings.IndexByte(rest, ':')
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}

// doneKey returns the completed-index key
// Format: "done:{unixNanos}:{seq}"
func doneKey(lastModifiedNanos int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", prefixDone, lastModifiedNanos, seq))
}

func seqFromDoneKey(key []byte) (uint64, error) {
	s := string(key)
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return 0, fmt.Errorf("invalid done key: %q", s)
	}
	return strconv.ParseUint(s[i+1:], 10, 64)
}

func seqFromOpenKey(key []byte) (uint64, error) {
	s := string(key)
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return 0, fmt.Errorf("invalid open key: %q", s)
	}
	return strconv.ParseUint(s[i+1:], 10, 64)
}

func accountKey(id string) []byte {
	return []byte(prefixAccount + id)
}

func appliedKey(tradeID string) []byte {
	return []byte(prefixApplied + tradeID)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "open:AAPL:" -> upper bound "open:AAPL;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func encodeSeq(seq uint64) []byte {
	return []byte(strconv.FormatUint(seq, 10))
}

func decodeSeq(b []byte) (uint64, error) {
	return strconv.ParseUint(string(b), 10, 64)
}
