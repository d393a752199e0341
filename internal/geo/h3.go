package geo

import (
	"fmt"
	"strconv"

	h3 "github.com/uber/h3-go/v4"
)

// H3Index is the production CellIndex backed by Uber's H3 grid. All cells in
// the system share one resolution; changing it invalidates every stored cell.
type H3Index struct {
	resolution int
}

func NewH3Index(resolution int) *H3Index {
	return &H3Index{resolution: resolution}
}

func (i *H3Index) Cell(lat, lng float64) string {
	cell := h3.LatLngToCell(h3.NewLatLng(lat, lng), i.resolution)
	return strconv.FormatUint(uint64(cell), 16)
}

func (i *H3Index) Ring(cell string, k int) ([]string, error) {
	idx, err := strconv.ParseUint(cell, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("parse cell %q: %w", cell, err)
	}
	disk := h3.GridDisk(h3.Cell(idx), k)
	out := make([]string, 0, len(disk))
	for _, c := range disk {
		out = append(out, strconv.FormatUint(uint64(c), 16))
	}
	return out, nil
}
