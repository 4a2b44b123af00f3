package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var rangeRe = regexp.MustCompile(`^(\d+)\s*-\s*(\d+)$`)

// maxRangeSize bounds a single "a-b" term so a typo cannot allocate millions of ids.
const maxRangeSize = 1024

// LockerIDs expands a locker expression such as "1-4, 7,9-10" into ids.
// Order of appearance is kept and duplicates are dropped, so the result can
// drive a sequential bulk open.
func LockerIDs(expr string) ([]int, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("empty locker expression")
	}

	seen := make(map[int]bool)
	var ids []int
	add := func(id int) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, term := range strings.Split(s, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}

		if m := rangeRe.FindStringSubmatch(term); m != nil {
			from, _ := strconv.Atoi(m[1])
			to, _ := strconv.Atoi(m[2])
			if from <= 0 || to < from {
				return nil, fmt.Errorf("invalid locker range %q", term)
			}
			if to-from+1 > maxRangeSize {
				return nil, fmt.Errorf("locker range %q exceeds %d ids", term, maxRangeSize)
			}
			for id := from; id <= to; id++ {
				add(id)
			}
			continue
		}

		id, err := strconv.Atoi(term)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid locker id %q", term)
		}
		add(id)
	}

	if len(ids) == 0 {
		return nil, fmt.Errorf("no locker ids in %q", expr)
	}
	return ids, nil
}
