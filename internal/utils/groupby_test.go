package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGroupBy(t *testing.T) {
	var groups [][]int
	sameParity := func(a, b int) bool { return a%2 == b%2 }
	collect := func(group []int) { groups = append(groups, append([]int(nil), group...)) }

	GroupBy([]int{1, 2, 3, 4, 6, 5}, sameParity, collect)
	// Stable: each group keeps the original relative order.
	assert.Equal(t, [][]int{{1, 3, 5}, {2, 4, 6}}, groups)

	groups = nil
	GroupBy([]int{7}, sameParity, collect)
	assert.Equal(t, [][]int{{7}}, groups)

	groups = nil
	GroupBy(nil, sameParity, collect)
	assert.Empty(t, groups)
}
