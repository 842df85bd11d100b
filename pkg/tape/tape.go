// Package tape reads market event tapes.
//
// A tape is CSV with the header
//
//	time_ns,kind,price,qty,side
//
// kind is "mid" (price carries the mid, qty and side are ignored) or "trade"
// (side is the aggressor). Rows must not go back in time.
package tape

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/luxfi/hftsim/pkg/types"
)

var (
	ErrBadHeader = errors.New("tape: unexpected header")
	ErrBadRow    = errors.New("tape: malformed row")
	ErrUnordered = errors.New("tape: rows out of time order")
)

// Header is the expected column order.
var Header = []string{"time_ns", "kind", "price", "qty", "side"}

// Kind tags an event.
type Kind uint8

const (
	KindMid Kind = iota
	KindTrade
)

func (k Kind) String() string {
	switch k {
	case KindMid:
		return "mid"
	case KindTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// Event is one tape row.
type Event struct {
	TimeNs int64
	Kind   Kind
	Price  float64
	Qty    float64
	Side   types.Side // aggressor, trades only
}

// Trade returns the event as an external print.
func (e Event) Trade() types.Trade {
	return types.Trade{Price: e.Price, Qty: e.Qty, Side: e.Side}
}

// Reader decodes events one at a time.
type Reader struct {
	r      *csv.Reader
	line   int
	lastNs int64
	seen   bool
}

// NewReader checks the header and returns a reader positioned on the first
// event.
func NewReader(r io.Reader) (*Reader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	head, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty tape", ErrBadHeader)
		}
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	for i, h := range Header {
		if strings.ToLower(strings.TrimSpace(head[i])) != h {
			return nil, fmt.Errorf("%w: column %d is %q, want %q", ErrBadHeader, i, head[i], h)
		}
	}
	return &Reader{r: cr, line: 1}, nil
}

// Next returns the next event or io.EOF.
func (t *Reader) Next() (Event, error) {
	rec, err := t.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("%w: %v", ErrBadRow, err)
	}
	t.line++

	ev, err := parse(rec)
	if err != nil {
		return Event{}, fmt.Errorf("%w: line %d: %w", ErrBadRow, t.line, err)
	}
	if t.seen && ev.TimeNs < t.lastNs {
		return Event{}, fmt.Errorf("%w: line %d: %d after %d", ErrUnordered, t.line, ev.TimeNs, t.lastNs)
	}
	t.seen = true
	t.lastNs = ev.TimeNs
	return ev, nil
}

func parse(rec []string) (Event, error) {
	var ev Event
	ts, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
	if err != nil {
		return ev, fmt.Errorf("time_ns: %w", err)
	}
	ev.TimeNs = ts

	price, err := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
	if err != nil {
		return ev, fmt.Errorf("price: %w", err)
	}
	ev.Price = price

	switch strings.ToLower(strings.TrimSpace(rec[1])) {
	case "mid":
		ev.Kind = KindMid
	case "trade":
		ev.Kind = KindTrade
		qty, err := strconv.ParseFloat(strings.TrimSpace(rec[3]), 64)
		if err != nil {
			return ev, fmt.Errorf("qty: %w", err)
		}
		if !(qty > 0) {
			return ev, fmt.Errorf("qty %v must be positive", qty)
		}
		ev.Qty = qty
		side, err := types.ParseSide(rec[4])
		if err != nil {
			return ev, err
		}
		ev.Side = side
	default:
		return ev, fmt.Errorf("unknown kind %q", rec[1])
	}
	return ev, nil
}

// ReadAll drains r.
func ReadAll(r io.Reader) ([]Event, error) {
	tr, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	var out []Event
	for {
		ev, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

// File is a Reader over an open file.
type File struct {
	*Reader
	f *os.File
}

// Open opens a tape file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &File{Reader: r, f: f}, nil
}

// Close closes the underlying file.
func (f *File) Close() error { return f.f.Close() }
