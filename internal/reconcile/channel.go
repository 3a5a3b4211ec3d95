// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconcile

import (
	"strings"
)

// Channel is a payment channel category.
type Channel string

const (
	Cash           Channel = "cash"
	Debit          Channel = "debit"
	Credit         Channel = "credit"
	Transfer       Channel = "transfer"
	WalletTransfer Channel = "wallet-transfer"
)

// Channels lists every channel in reporting order.
var Channels = []Channel{Cash, Debit, Credit, Transfer, WalletTransfer}

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

var methodChannels = map[string]Channel{
	"cash":            Cash,
	"efectivo":        Cash,
	"debit":           Debit,
	"debito":          Debit,
	"débito":          Debit,
	"credit":          Credit,
	"credito":         Credit,
	"crédito":         Credit,
	"transfer":        Transfer,
	"transferencia":   Transfer,
	"wallet-transfer": WalletTransfer,
	"wallet":          WalletTransfer,
	"billetera":       WalletTransfer,
	"mercadopago":     WalletTransfer,
}

var cardMethods = map[string]bool{
	"card":    true,
	"tarjeta": true,
}

// Classify maps a sale's payment method, and for card payments its card
// type, to a channel. The second result is false when the method cannot
// be classified.
func Classify(method, cardType string) (Channel, bool) {
	method = normalise(method)
	if cardMethods[method] {
		switch ch := methodChannels[normalise(cardType)]; ch {
		case Debit, Credit:
			return ch, true
		}
		return "", false
	}
	ch, ok := methodChannels[method]
	return ch, ok
}

func normalise(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "-", " ", "-").Replace(s)
}
