package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	SortPriceLowHigh  = "price_low_high"
	SortPriceHighLow  = "price_high_low"
	SortChronological = "chronological"
)

// Price amounts are in minor units (pence).
type Price struct {
	AmountWithVat json.Number `json:"amountWithVat"`
	VatRate       json.Number `json:"vatRate"`
	Currency      string      `json:"currency"`
}

func (p Price) amount() float64 {
	f, err := p.AmountWithVat.Float64()
	if err != nil {
		return 0
	}
	return f
}

func (p Price) String() string {
	return fmt.Sprintf("%.2f %s", p.amount()/100, p.Currency)
}

type DeliverySlot struct {
	Provider string `json:"provider"`
	Price    Price  `json:"price"`
	Date     string `json:"date"`
	TimeSlot string `json:"timeSlot"`
}

func isKnownSortPolicy(policy string) bool {
	switch policy {
	case SortPriceLowHigh, SortPriceHighLow, SortChronological:
		return true
	}
	return false
}

func sortedByPrice(slots []DeliverySlot) []DeliverySlot {
	out := append([]DeliverySlot(nil), slots...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Price.amount() < out[j].Price.amount()
	})
	return out
}

// sortedByDate orders ISO dates lexically, which is chronological.
func sortedByDate(slots []DeliverySlot) []DeliverySlot {
	out := append([]DeliverySlot(nil), slots...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date < out[j].Date
	})
	return out
}

// reversedByPrice is the ascending price order read backwards, so slots of
// equal price come out in reverse input order.
func reversedByPrice(slots []DeliverySlot) []DeliverySlot {
	out := sortedByPrice(slots)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// SortDeliverySlots orders slots by the named policy; the first element is
// the preferred slot. price_high_low is a two-pass ordering: the reversed
// price_low_high order, then a stable chronological pass on top of it.
func SortDeliverySlots(slots []DeliverySlot, policy string) ([]DeliverySlot, error) {
	switch policy {
	case SortPriceLowHigh:
		return sortedByPrice(slots), nil
	case SortPriceHighLow:
		return sortedByDate(reversedByPrice(slots)), nil
	case SortChronological:
		var premium []DeliverySlot
		for _, s := range sortedByPrice(slots) {
			if strings.Contains(s.Provider, "premium") {
				premium = append(premium, s)
			}
		}
		return sortedByDate(premium), nil
	default:
		return nil, ErrUnknownSortPolicy.Here().Append(policy)
	}
}

// SelectDeliverySlot picks the slot the policy prefers, falling back to
// price_low_high over the unfiltered list when the policy yields nothing.
// fellBack reports whether the fallback was used; ok is false only when
// the fallback is empty too.
func SelectDeliverySlot(slots []DeliverySlot, policy string) (slot DeliverySlot, fellBack bool, ok bool, err error) {
	sorted, err := SortDeliverySlots(slots, policy)
	if len(sorted) == 0 {
		fellBack = true
		sorted, _ = SortDeliverySlots(slots, SortPriceLowHigh)
	}
	if len(sorted) == 0 {
		return DeliverySlot{}, fellBack, false, err
	}
	return sorted[0], fellBack, true, err
}
