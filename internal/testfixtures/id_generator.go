package testfixtures

import (
	"strconv"
	"sync/atomic"
)

// IDGenerator hands out "<prefix>-<n>" identifiers in creation order, so a
// test can predict the id of the next session, integration or sync log.
type IDGenerator struct {
	prefix string
	n      atomic.Uint64
}

// NewIDGenerator uses prefix "id" when prefix is empty.
func NewIDGenerator(prefix string) *IDGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &IDGenerator{prefix: prefix}
}

func (g *IDGenerator) Next() string {
	return g.format(g.n.Add(1))
}

// Last returns the most recently issued id, or "" before the first call.
func (g *IDGenerator) Last() string {
	n := g.n.Load()
	if n == 0 {
		return ""
	}
	return g.format(n)
}

// NextFunc returns the injectable form of Next. A nil generator defers to the
// service default.
func (g *IDGenerator) NextFunc() func() string {
	if g == nil {
		return nil
	}
	return g.Next
}

func (g *IDGenerator) format(n uint64) string {
	return g.prefix + "-" + strconv.FormatUint(n, 10)
}
