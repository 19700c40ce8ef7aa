// Package utils provides common utility functions for data validation.
//
// This package contains utilities for validating source identifiers, the
// "EXCHANGE:INSTRUMENT" strings that name one venue's contribution to the
// aggregate.
package utils

import (
	"errors"
	"fmt"
	"strings"
)

// Error definitions for validation functions
var (
	ErrNoSources       = errors.New("zero sources requested")
	ErrTooManySources  = errors.New("too many sources requested")
	ErrUnknownExchange = errors.New("unknown exchange")
)

// ExchangeSet contains the exchanges the service knows how to label. The map
// is used for O(1) lookup when validating source identifiers.
var ExchangeSet = map[string]bool{
	"BINANCE":  true,
	"BYBIT":    true,
	"OKX":      true,
	"COINBASE": true,
	"BITMEX":   true,
	"DERIBIT":  true,
}

// supportedExchangesCache is a pre-computed string of known exchanges to
// avoid rebuilding it on every validation error.
var supportedExchangesCache = joinKeys(ExchangeSet)

// ValidateSource validates that a source identifier follows the expected
// "EXCHANGE:INSTRUMENT" format and names a known exchange. The exchange part
// is case-insensitive.
func ValidateSource(source string) error {
	if source == "" {
		return errors.New("source cannot be empty")
	}

	parts := strings.Split(source, ":")
	if len(parts) != 2 {
		return fmt.Errorf("invalid source format: expected EXCHANGE:INSTRUMENT, got %q", source)
	}

	if len(parts[0]) == 0 {
		return errors.New("exchange cannot be empty")
	}

	if len(parts[1]) == 0 {
		return errors.New("instrument cannot be empty")
	}

	exchange := strings.ToUpper(parts[0])
	if !ExchangeSet[exchange] {
		return fmt.Errorf("%w: %s (supported: %s)",
			ErrUnknownExchange, exchange, supportedExchangesCache)
	}

	return nil
}

// ValidateSources validates a slice of source identifiers and enforces
// quantity limits.
func ValidateSources(sources []string, maxAllowed int) error {
	if len(sources) == 0 {
		return ErrNoSources
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySources, maxAllowed)
	}

	if len(sources) > maxAllowed {
		return fmt.Errorf("%w: requested %d sources, maximum allowed %d",
			ErrTooManySources, len(sources), maxAllowed)
	}

	for i, source := range sources {
		if err := ValidateSource(source); err != nil {
			return fmt.Errorf("invalid source at index %d (%q): %w", i, source, err)
		}
	}

	return nil
}

// joinKeys builds a comma-separated string of map keys for error messages.
// Order is not guaranteed.
func joinKeys(set map[string]bool) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return strings.Join(keys, ", ")
}
