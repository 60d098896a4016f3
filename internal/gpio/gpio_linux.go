//go:build linux

package gpio

import (
	"fmt"
	"io"
	"os"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "insd"

func requestLine(l Line, opts ...gpiocdev.LineReqOption) (*gpiocdev.Chip, *gpiocdev.Line, error) {
	var names []string
	if entries, err := os.ReadDir("/dev"); err == nil {
		for _, e := range entries {
			names = append(names, e.Name())
		}
	}
	opts = append(opts, gpiocdev.WithConsumer(consumer))
	if l.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}

	var lastErr error
	for _, chipPath := range chipCandidates(l, names) {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			lastErr = err
			continue
		}
		offset := l.Offset
		if l.Name != "" {
			offset, err = chip.FindLine(l.Name)
			if err != nil {
				_ = chip.Close()
				lastErr = err
				continue
			}
		}
		line, err := chip.RequestLine(offset, opts...)
		if err != nil {
			_ = chip.Close()
			lastErr = err
			continue
		}
		return chip, line, nil
	}
	return nil, nil, fmt.Errorf("gpio: line %s not found (or busy): %v", l, lastErr)
}

type edge struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// OpenEdge requests l as an input and calls handler on every rising edge.
// handler runs on the library's event goroutine.
func OpenEdge(l Line, handler func()) (io.Closer, error) {
	if handler == nil {
		return nil, fmt.Errorf("gpio: edge handler is nil")
	}
	chip, line, err := requestLine(l,
		gpiocdev.AsInput,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { handler() }),
	)
	if err != nil {
		return nil, err
	}
	return &edge{chip: chip, line: line}, nil
}

var openEdgeFn = OpenEdge

func (e *edge) Close() error {
	err := e.line.Close()
	_ = e.chip.Close()
	return err
}

// OpenOutput requests l as an output driven low.
func OpenOutput(l Line) (*Output, error) {
	chip, line, err := requestLine(l, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, err
	}
	return &Output{
		line: line,
		release: func() error {
			err := line.Close()
			_ = chip.Close()
			return err
		},
	}, nil
}
