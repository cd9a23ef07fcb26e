package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseList(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		lo, hi    int
		expected  []int
		expectErr bool
	}{
		{name: "single id", raw: "7", lo: 1, hi: 32, expected: []int{7}},
		{name: "range and singles", raw: "1-5,8", lo: 1, hi: 32, expected: []int{1, 2, 3, 4, 5, 8}},
		{name: "order is kept", raw: "10,2-3", lo: 1, hi: 32, expected: []int{10, 2, 3}},
		{name: "spaces everywhere", raw: " 1 - 3 , 5 6 ", lo: 1, hi: 32, expected: []int{1, 2, 3, 5, 6}},
		{name: "semicolons", raw: "1;4", lo: 1, hi: 32, expected: []int{1, 4}},
		{name: "full width comma", raw: "1，2", lo: 1, hi: 32, expected: []int{1, 2}},
		{name: "repeats dropped", raw: "1-3,2,3", lo: 1, hi: 32, expected: []int{1, 2, 3}},
		{name: "trailing comma", raw: "4,", lo: 1, hi: 32, expected: []int{4}},
		{name: "no upper bound", raw: "100", lo: 1, hi: 0, expected: []int{100}},
		{name: "zero allowed when lo is zero", raw: "0-1", lo: 0, hi: 247, expected: []int{0, 1}},
		{name: "empty", raw: "  ", lo: 1, hi: 32, expectErr: true},
		{name: "only commas", raw: ",,", lo: 1, hi: 32, expectErr: true},
		{name: "above range", raw: "31-33", lo: 1, hi: 32, expectErr: true},
		{name: "below range", raw: "0", lo: 1, hi: 32, expectErr: true},
		{name: "reversed range", raw: "5-1", lo: 1, hi: 32, expectErr: true},
		{name: "garbage", raw: "1,a", lo: 1, hi: 32, expectErr: true},
		{name: "negative", raw: "-3", lo: 1, hi: 32, expectErr: true},
		{name: "huge range", raw: "1-100000", lo: 1, hi: 0, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseList(tc.raw, tc.lo, tc.hi)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}
