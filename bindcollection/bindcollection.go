// Package bindcollection folds a dylib's Normal, Lazy, and Weak bind
// action streams into one address-indexed collection (spec component
// I), the shape ktool's BindUtil.h convenience lookups (get_bind_at,
// symbol-for-address) are built over.
package bindcollection

import (
	"errors"
	"fmt"

	"github.com/appsworld/machocore/bind"
)

// ErrMultipleBindsForAddress is returned by Collect when strict mode
// is enabled and two actions (from any combination of streams) target
// the same (segment, offset) pair with a different symbol or dylib
// ordinal (§4.5).
var ErrMultipleBindsForAddress = errors.New("bindcollection: multiple binds for address")

// Address identifies a bind target by segment index and segment-
// relative offset, matching how bind/rebase opcodes address locations
// (§3).
type Address struct {
	SegmentIndex int
	SegOffset    uint64
}

// Info is the folded record for one address: a reference to the
// interned symbol, the dylib ordinal to resolve it against, and the
// originating stream (needed because weak binds resolve differently
// at load time than normal/lazy ones).
type Info struct {
	Symbol       string
	DylibOrdinal int64
	SymbolFlags  byte
	WriteKind    bind.WriteKind
	Addend       int64
	Stream       bind.Kind
	Threaded     bool
}

// Collection is the address -> Info map built by Collect, with the
// distinct symbol strings interned once (§4.5: "interned symbol
// table").
type Collection struct {
	byAddress map[Address]Info
	symbols   map[string]struct{}
}

// InfoForAddress returns the folded bind info at addr, if any.
func (c *Collection) InfoForAddress(addr Address) (Info, bool) {
	info, ok := c.byAddress[addr]
	return info, ok
}

// SymbolForAddress is a convenience over InfoForAddress returning just
// the resolved symbol name, mirroring ktool's get_bind_at/symbol
// helpers.
func (c *Collection) SymbolForAddress(addr Address) (string, bool) {
	info, ok := c.byAddress[addr]
	return info.Symbol, ok
}

// Len returns the number of distinct bound addresses collected.
func (c *Collection) Len() int { return len(c.byAddress) }

// Symbols returns the distinct interned symbol names referenced by
// any collected bind, in no particular order.
func (c *Collection) Symbols() []string {
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	return out
}

// Options controls how Collect treats errors surfaced by the
// underlying action iterators.
type Options struct {
	// IgnoreRecoverableErrors, when true, skips over errors that
	// bind.Ignorable reports as ignorable instead of aborting the
	// whole collection (§4.2, §7).
	IgnoreRecoverableErrors bool

	// Strict, when true, makes a second distinct symbol/ordinal bound
	// to the same address an error (ErrMultipleBindsForAddress)
	// instead of letting the later stream silently win (§4.5).
	Strict bool
}

// Collect drains the three per-stream action iterators (in Normal,
// Weak, Lazy order, matching the precedence dyld itself applies when
// a later bind would clobber an earlier one at the same address) into
// a single Collection.
func Collect(streams map[bind.Kind]*bind.ActionIterator, opts Options) (*Collection, error) {
	c := &Collection{byAddress: make(map[Address]Info), symbols: make(map[string]struct{})}

	order := []bind.Kind{bind.Normal, bind.Weak, bind.Lazy}
	for _, kind := range order {
		it, ok := streams[kind]
		if !ok {
			continue
		}
		for {
			a, err, more := it.Next()
			if err != nil {
				if opts.IgnoreRecoverableErrors && bind.Ignorable(err) {
					if !more {
						break
					}
					continue
				}
				return c, fmt.Errorf("bindcollection: %s stream: %w", kind, err)
			}
			if a != (bind.Action{}) {
				addr := Address{SegmentIndex: a.SegmentIndex, SegOffset: a.SegOffset}
				if existing, dup := c.byAddress[addr]; dup && opts.Strict {
					if existing.Symbol != a.Symbol || existing.DylibOrdinal != a.DylibOrdinal {
						return c, fmt.Errorf("%w: segment %d offset %#x (%q vs %q)",
							ErrMultipleBindsForAddress, addr.SegmentIndex, addr.SegOffset, existing.Symbol, a.Symbol)
					}
				}
				c.byAddress[addr] = Info{
					Symbol:       a.Symbol,
					DylibOrdinal: a.DylibOrdinal,
					SymbolFlags:  a.SymbolFlags,
					WriteKind:    a.WriteKind,
					Addend:       a.Addend,
					Stream:       kind,
					Threaded:     a.Threaded,
				}
				c.symbols[a.Symbol] = struct{}{}
			}
			if !more {
				break
			}
		}
	}
	return c, nil
}
