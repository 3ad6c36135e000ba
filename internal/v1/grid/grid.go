// Package grid buckets continuous world positions into fixed-size spatial
// cells used for AOI (area-of-interest) filtering (spec.md §4.B).
package grid

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/meshworld/syncnode/internal/v1/types"
)

// CellSize is the edge length, in world units, of one square cell. Uniform
// across nodes so a client's subscription intent means the same thing
// everywhere it connects.
const CellSize = 10.0

// CellFromPosition returns the deterministic cell id for a horizontal-plane
// position, e.g. "4,-2".
func CellFromPosition(x, z float64) types.CellIDType {
	gx := int(math.Floor(x / CellSize))
	gz := int(math.Floor(z / CellSize))
	return types.CellIDType(fmt.Sprintf("%d,%d", gx, gz))
}

// ValidateCells drops malformed cell ids (anything other than two
// comma-separated integers), preserving order. No range bound is applied:
// any integer pair, negative or large, is kept.
func ValidateCells(ids []string) []types.CellIDType {
	out := make([]types.CellIDType, 0, len(ids))
	for _, id := range ids {
		if _, _, ok := splitCell(id); ok {
			out = append(out, types.CellIDType(id))
		}
	}
	return out
}

func splitCell(id string) (int, int, bool) {
	parts := strings.SplitN(id, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	gx, err1 := strconv.Atoi(parts[0])
	gz, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return gx, gz, true
}
