package transport

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator hands out process-unique request ids. Snowflake ids stay distinct across
// goroutines and across processes with different node ids.
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator creates a generator for node (0..1023).
func NewIDGenerator(node int64) (*IDGenerator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("transport: snowflake node %d: %w", node, err)
	}
	return &IDGenerator{node: n}, nil
}

func (g *IDGenerator) Next() uint64 {
	return uint64(g.node.Generate().Int64())
}
