package matching

import "github.com/uhyunpark/stockmatch/pkg/order"

// selectPair picks the one SELL/BUY pair to execute for a symbol, or nil
// when nothing crosses. Both slices must be in ascending Seq order.
//
// The buyer is the oldest BUY priced strictly above the lowest SELL price.
// The seller is the lowest-priced SELL not owned by that buyer (oldest on
// ties). Its price may be at or above the buyer's; execution then happens
// at the buyer's price.
func selectPair(sells, buys []*order.Order) (sell, buy *order.Order) {
	sells = tradable(sells)
	buys = tradable(buys)
	if len(sells) == 0 || len(buys) == 0 {
		return nil, nil
	}

	minSell := sells[0].Price
	for _, s := range sells[1:] {
		if s.Price.LessThan(minSell) {
			minSell = s.Price
		}
	}

	for _, b := range buys {
		if b.Price.GreaterThan(minSell) {
			buy = b
			break
		}
	}
	if buy == nil {
		return nil, nil
	}

	for _, s := range sells {
		if s.Owner == buy.Owner {
			continue
		}
		if sell == nil || s.Price.LessThan(sell.Price) {
			sell = s
		}
	}
	if sell == nil {
		return nil, nil
	}
	return sell, buy
}

func tradable(orders []*order.Order) []*order.Order {
	out := orders[:0:0]
	for _, o := range orders {
		if o.IsOpen() && o.Quantity > 0 {
			out = append(out, o)
		}
	}
	return out
}
