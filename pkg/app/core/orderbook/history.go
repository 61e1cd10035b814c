package orderbook

import (
	"sort"
	"time"
)

// DayPrice is the OHLC summary of one UTC calendar day.
type DayPrice struct {
	Date  string `json:"date"` // 2006-01-02
	Open  int64  `json:"openPrice"`
	Close int64  `json:"closePrice"`
	High  int64  `json:"maxPrice"`
	Low   int64  `json:"minPrice"`
}

// AggregateDaily groups records of the given month by UTC day. Open and close
// come from the chronologically first and last trade; records sharing a
// timestamp keep their input order. Days are returned in ascending order.
func AggregateDaily(records []TradeRecord, month time.Month, year int) []DayPrice {
	inMonth := make([]TradeRecord, 0, len(records))
	for _, r := range records {
		t := time.Unix(r.Timestamp, 0).UTC()
		if t.Month() == month && t.Year() == year {
			inMonth = append(inMonth, r)
		}
	}
	sort.SliceStable(inMonth, func(i, j int) bool { return inMonth[i].Timestamp < inMonth[j].Timestamp })

	var days []DayPrice
	for _, r := range inMonth {
		date := time.Unix(r.Timestamp, 0).UTC().Format(time.DateOnly)
		if n := len(days); n > 0 && days[n-1].Date == date {
			d := &days[n-1]
			d.Close = r.Price
			d.High = max(d.High, r.Price)
			d.Low = min(d.Low, r.Price)
			continue
		}
		days = append(days, DayPrice{Date: date, Open: r.Price, Close: r.Price, High: r.Price, Low: r.Price})
	}
	return days
}
