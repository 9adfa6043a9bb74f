// Package book maintains price-level order books from snapshot and
// incremental feeds and renders them as full snapshots.
package book

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/models"
)

var (
	// ErrNoSnapshot is returned for deltas that arrive before the first snapshot.
	ErrNoSnapshot = errors.New("book: delta before snapshot")
	// ErrStale is returned for updates whose sequence is not newer than the book.
	ErrStale = errors.New("book: stale update")
)

// Book is the price-level book of one pair. It is not safe for concurrent
// use; each connection keeps its own books.
type Book struct {
	pair  models.CurrencyPair
	bids  map[string]models.PriceLevel
	asks  map[string]models.PriceLevel
	seq   int64
	ready bool
}

func New(pair models.CurrencyPair) *Book {
	return &Book{
		pair: pair,
		bids: make(map[string]models.PriceLevel),
		asks: make(map[string]models.PriceLevel),
	}
}

func (b *Book) Pair() models.CurrencyPair { return b.pair }

// Sequence is the sequence of the last applied update.
func (b *Book) Sequence() int64 { return b.seq }

// Ready reports whether a snapshot has been applied.
func (b *Book) Ready() bool { return b.ready }

// ApplySnapshot replaces the whole book. Zero quantity levels are skipped.
func (b *Book) ApplySnapshot(bids, asks []models.PriceLevel, seq int64) {
	b.bids = levelsToMap(bids)
	b.asks = levelsToMap(asks)
	b.seq = seq
	b.ready = true
}

// ApplyDelta updates individual levels; a zero quantity deletes the level.
// A positive seq not greater than the current one is rejected with ErrStale.
func (b *Book) ApplyDelta(bids, asks []models.PriceLevel, seq int64) error {
	if !b.ready {
		return ErrNoSnapshot
	}
	if seq > 0 && seq <= b.seq {
		return ErrStale
	}
	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
	if seq > 0 {
		b.seq = seq
	}
	return nil
}

// Snapshot returns up to depth levels per side, bids descending and asks
// ascending. depth <= 0 returns every level.
func (b *Book) Snapshot(depth int) (bids, asks []models.PriceLevel) {
	return topFromMap(b.bids, depth, true), topFromMap(b.asks, depth, false)
}

// Record renders the book as an order book record.
func (b *Book) Record(vendor models.Vendor, ts time.Time, depth int) models.OrderBookRecord {
	bids, asks := b.Snapshot(depth)
	return models.OrderBookRecord{
		Vendor:    vendor,
		Pair:      b.pair,
		Timestamp: ts,
		Bids:      bids,
		Asks:      asks,
	}
}

// Reset drops all levels; the next delta needs a fresh snapshot.
func (b *Book) Reset() {
	b.bids = make(map[string]models.PriceLevel)
	b.asks = make(map[string]models.PriceLevel)
	b.seq = 0
	b.ready = false
}

func levelsToMap(levels []models.PriceLevel) map[string]models.PriceLevel {
	out := make(map[string]models.PriceLevel, len(levels))
	applyLevels(out, levels)
	return out
}

func applyLevels(side map[string]models.PriceLevel, levels []models.PriceLevel) {
	for _, lvl := range levels {
		key := lvl.Price.String()
		if lvl.Quantity.Sign() <= 0 {
			delete(side, key)
			continue
		}
		side[key] = lvl
	}
}

func topFromMap(side map[string]models.PriceLevel, n int, desc bool) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(side))
	for _, lvl := range side {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Set keeps one book per pair.
type Set struct {
	books map[models.CurrencyPair]*Book
}

func NewSet() *Set {
	return &Set{books: make(map[models.CurrencyPair]*Book)}
}

// Get returns the book for pair, creating an empty one if needed.
func (s *Set) Get(pair models.CurrencyPair) *Book {
	b, ok := s.books[pair]
	if !ok {
		b = New(pair)
		s.books[pair] = b
	}
	return b
}

// Level is a convenience constructor used by decoders and tests.
func Level(price, qty string) (models.PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return models.PriceLevel{}, err
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return models.PriceLevel{}, err
	}
	return models.PriceLevel{Price: p, Quantity: q}, nil
}

// ParseLevels converts vendor [price, quantity] string pairs. Extra
// elements, such as an order count, are ignored.
func ParseLevels(raw [][]string) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, errors.New("book: price level needs price and quantity")
		}
		lvl, err := Level(entry[0], entry[1])
		if err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, nil
}
