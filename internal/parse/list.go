package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	rangeRe  = regexp.MustCompile(`^(\d+)\s*-\s*(\d+)$`)
	singleRe = regexp.MustCompile(`^\d+$`)
)

// MaxListSize bounds how many ids one expression may expand to.
const MaxListSize = 1024

// ParseList expands an id list such as "1-5, 8,10" into ids in the given
// order, dropping repeats. Every id must lie within [lo, hi]; hi <= 0 means
// no upper bound.
func ParseList(raw string, lo, hi int) ([]int, error) {
	// Semicolons and full-width commas separate like commas; within a part,
	// whitespace separates single ids.
	s := strings.NewReplacer(";", ",", "，", ",").Replace(strings.TrimSpace(raw))
	if s == "" {
		return nil, fmt.Errorf("empty list")
	}

	seen := make(map[int]bool)
	var out []int
	add := func(n int) error {
		if n < lo || (hi > 0 && n > hi) {
			return fmt.Errorf("%d out of range", n)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
		if len(out) > MaxListSize {
			return fmt.Errorf("list expands to more than %d ids", MaxListSize)
		}
		return nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if m := rangeRe.FindStringSubmatch(part); m != nil {
			from, _ := strconv.Atoi(m[1])
			to, _ := strconv.Atoi(m[2])
			if from > to {
				return nil, fmt.Errorf("invalid range %q: start after end", part)
			}
			if to-from >= MaxListSize {
				return nil, fmt.Errorf("range %q is too large", part)
			}
			for n := from; n <= to; n++ {
				if err := add(n); err != nil {
					return nil, fmt.Errorf("invalid list %q: %w", raw, err)
				}
			}
			continue
		}
		for _, tok := range strings.Fields(part) {
			if !singleRe.MatchString(tok) {
				return nil, fmt.Errorf("invalid list %q: unexpected %q", raw, tok)
			}
			n, err := strconv.Atoi(tok)
			if err != nil {
				return nil, fmt.Errorf("invalid list %q: %w", raw, err)
			}
			if err := add(n); err != nil {
				return nil, fmt.Errorf("invalid list %q: %w", raw, err)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty list")
	}
	return out, nil
}
