// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// CanvasSize is the side length of the square canvas. The canvas is
// always exactly CanvasSize x CanvasSize; smaller persisted grids from
// older deployments are migrated by zero-padding into the top-left.
const CanvasSize = 128

// Palette is the fixed 16-entry color palette. Cell values are
// indices into this slice; every cell value must be a valid index.
var Palette = []string{
	"#FFFFFF", // 0 - White
	"#E4E4E4", // 1 - Light Gray
	"#888888", // 2 - Gray
	"#222222", // 3 - Black
	"#FFA7D1", // 4 - Pink
	"#E50000", // 5 - Red
	"#E59500", // 6 - Orange
	"#A06A42", // 7 - Brown
	"#E5D900", // 8 - Yellow
	"#94E044", // 9 - Light Green
	"#02BE01", // 10 - Green
	"#00D3DD", // 11 - Cyan
	"#0083C7", // 12 - Blue
	"#0000EA", // 13 - Dark Blue
	"#CF6EE4", // 14 - Purple
	"#820080", // 15 - Dark Purple
}

// Grid is the canvas cell matrix, indexed [y][x].
type Grid [][]int

// NewEmptyGrid returns a CanvasSize x CanvasSize grid of palette
// index 0 (white).
func NewEmptyGrid() Grid {
	grid := make(Grid, CanvasSize)
	for y := range grid {
		grid[y] = make([]int, CanvasSize)
	}
	return grid
}

// Clone returns a deep copy of the grid.
func (g Grid) Clone() Grid {
	out := make(Grid, len(g))
	for y, row := range g {
		out[y] = make([]int, len(row))
		copy(out[y], row)
	}
	return out
}

// ValidPixel reports whether (x, y) is on the canvas and color is a
// valid palette index.
func ValidPixel(x, y, color int) bool {
	return x >= 0 && x < CanvasSize &&
		y >= 0 && y < CanvasSize &&
		color >= 0 && color < len(Palette)
}

// PixelEvent is one accepted pixel write, as appended to the durable
// event log and broadcast to realtime subscribers.
type PixelEvent struct {
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Color     int       `json:"color"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// CanvasStats is the aggregate derived by scanning the pixel log.
type CanvasStats struct {
	TotalPixels   int            `json:"totalPixels"`
	PixelsByAgent map[string]int `json:"pixelsByAgent"`
	CanvasSize    int            `json:"canvasSize"`
}
