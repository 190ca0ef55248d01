package diff

import "strings"

type Op string

const (
	Added     Op = "added"
	Removed   Op = "removed"
	Unchanged Op = "unchanged"
)

// Line is one line of a line-by-line diff. Line numbers are 1-based and zero
// when the line does not exist on that side.
type Line struct {
	Op      Op     `json:"type"`
	Content string `json:"content"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

// Lines diffs two buffers line by line using a longest common subsequence
func Lines(oldText, newText string) []Line {
	a := strings.Split(oldText, "\n")
	b := strings.Split(newText, "\n")
	return walk(a, b, lcsTable(a, b))
}

// table[i][j] is the LCS length of a[i:] and b[j:]
func lcsTable(a, b []string) [][]int {
	table := make([][]int, len(a)+1)
	for i := range table {
		table[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				table[i][j] = table[i+1][j+1] + 1
			} else {
				table[i][j] = max(table[i+1][j], table[i][j+1])
			}
		}
	}
	return table
}

// Walking forward over a suffix table yields lines in order, removals before
// additions at each change.
func walk(a, b []string, table [][]int) []Line {
	out := make([]Line, 0, max(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case i < len(a) && j < len(b) && a[i] == b[j]:
			out = append(out, Line{Op: Unchanged, Content: a[i], OldLine: i + 1, NewLine: j + 1})
			i++
			j++
		case i < len(a) && (j == len(b) || table[i+1][j] >= table[i][j+1]):
			out = append(out, Line{Op: Removed, Content: a[i], OldLine: i + 1})
			i++
		default:
			out = append(out, Line{Op: Added, Content: b[j], NewLine: j + 1})
			j++
		}
	}
	return out
}

// Summary counts added and removed lines
func Summary(lines []Line) (added, removed int) {
	for _, l := range lines {
		switch l.Op {
		case Added:
			added++
		case Removed:
			removed++
		}
	}
	return added, removed
}
