package room

import "github.com/meshworld/syncnode/internal/v1/types"

func containsCell(cells []types.CellIDType, target types.CellIDType) bool {
	for _, c := range cells {
		if c == target {
			return true
		}
	}
	return false
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
