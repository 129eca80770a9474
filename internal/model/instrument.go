package model

import (
	"fmt"
	"strings"
)

// InstrumentClass identifies how an instrument is margined and which feed
// quotes it.
type InstrumentClass string

const (
	ClassFutures   InstrumentClass = "FUT"
	ClassEquity    InstrumentClass = "EQ"
	ClassOption    InstrumentClass = "OPT"
	ClassCrypto    InstrumentClass = "CRYPTO"
	ClassForex     InstrumentClass = "FOREX"
	ClassCommodity InstrumentClass = "COMMODITY"
)

// AllClasses lists every supported instrument class.
var AllClasses = []InstrumentClass{
	ClassFutures, ClassEquity, ClassOption,
	ClassCrypto, ClassForex, ClassCommodity,
}

var classAliases = map[string]InstrumentClass{
	"FUT":       ClassFutures,
	"FUTURES":   ClassFutures,
	"FUTURE":    ClassFutures,
	"EQ":        ClassEquity,
	"EQUITY":    ClassEquity,
	"CASH":      ClassEquity,
	"OPT":       ClassOption,
	"OPTION":    ClassOption,
	"OPTIONS":   ClassOption,
	"CE":        ClassOption,
	"PE":        ClassOption,
	"CRYPTO":    ClassCrypto,
	"FOREX":     ClassForex,
	"FX":        ClassForex,
	"COMMODITY": ClassCommodity,
	"COMEX":     ClassCommodity,
}

// ParseInstrumentClass maps a backend class string onto an InstrumentClass.
func ParseInstrumentClass(s string) (InstrumentClass, error) {
	c, ok := classAliases[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown instrument class %q", s)
	}
	return c, nil
}

// Foreign reports whether the class is quoted natively in the foreign currency.
func (c InstrumentClass) Foreign() bool {
	switch c {
	case ClassCrypto, ClassForex, ClassCommodity:
		return true
	}
	return false
}

// Stream returns the feed that carries ticks for this class.
func (c InstrumentClass) Stream() StreamKind {
	if c.Foreign() {
		return StreamForeign
	}
	return StreamDomestic
}

// Side is the direction of an open position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide accepts LONG/SHORT and the order-side synonyms BUY/SELL.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY", "B":
		return SideLong, nil
	case "SHORT", "SELL", "S":
		return SideShort, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// Sign returns +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}
