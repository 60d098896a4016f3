//go:build !linux

package gpio

import "io"

func OpenEdge(l Line, handler func()) (io.Closer, error) {
	return nil, ErrUnsupported
}

var openEdgeFn = OpenEdge

func OpenOutput(l Line) (*Output, error) {
	return nil, ErrUnsupported
}
