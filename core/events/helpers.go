package events

import (
	"math/big"
	"strings"
)

func normalizeMemo(memo string) string {
	return strings.ToLower(strings.TrimSpace(memo))
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
