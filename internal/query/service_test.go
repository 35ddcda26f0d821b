package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPage(t *testing.T) {
	q, args := page("SELECT 1 WHERE market_id = $1", []interface{}{"ETH-USD"}, 0, 0)
	assert.Equal(t, "SELECT 1 WHERE market_id = $1 ORDER BY sequence DESC LIMIT $2", q)
	assert.Equal(t, []interface{}{"ETH-USD", defaultPageSize}, args)

	q, args = page("SELECT 1 WHERE market_id = $1", []interface{}{"ETH-USD"}, 10_000, 42)
	assert.Equal(t, "SELECT 1 WHERE market_id = $1 AND sequence < $2 ORDER BY sequence DESC LIMIT $3", q)
	assert.Equal(t, []interface{}{"ETH-USD", int64(42), maxPageSize}, args)
}
