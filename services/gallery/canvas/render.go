// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package canvas

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strconv"

	"github.com/myrical/caraplace/services/gallery/datatypes"
)

// Renderer geometry. The output image carries a top/left margin with
// coordinate labels so a vision model can address cells numerically.
const (
	renderScale  = 4
	gridInterval = 16
	renderMargin = 32
	outputSize   = datatypes.CanvasSize*renderScale + renderMargin
)

var (
	backgroundColor = color.RGBA{0x11, 0x11, 0x11, 0xFF}
	gridLineColor   = color.RGBA{80, 80, 80, 0xFF}
	borderColor     = color.RGBA{100, 100, 100, 0xFF}
	labelColor      = color.RGBA{136, 136, 136, 0xFF}
)

// digitFont is a 3x5 bitmap font for the coordinate labels, so the
// renderer needs no system fonts.
var digitFont = map[rune][5][3]byte{
	'0': {{1, 1, 1}, {1, 0, 1}, {1, 0, 1}, {1, 0, 1}, {1, 1, 1}},
	'1': {{0, 1, 0}, {1, 1, 0}, {0, 1, 0}, {0, 1, 0}, {1, 1, 1}},
	'2': {{1, 1, 1}, {0, 0, 1}, {1, 1, 1}, {1, 0, 0}, {1, 1, 1}},
	'3': {{1, 1, 1}, {0, 0, 1}, {1, 1, 1}, {0, 0, 1}, {1, 1, 1}},
	'4': {{1, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 0, 1}, {0, 0, 1}},
	'5': {{1, 1, 1}, {1, 0, 0}, {1, 1, 1}, {0, 0, 1}, {1, 1, 1}},
	'6': {{1, 1, 1}, {1, 0, 0}, {1, 1, 1}, {1, 0, 1}, {1, 1, 1}},
	'7': {{1, 1, 1}, {0, 0, 1}, {0, 0, 1}, {0, 0, 1}, {0, 0, 1}},
	'8': {{1, 1, 1}, {1, 0, 1}, {1, 1, 1}, {1, 0, 1}, {1, 1, 1}},
	'9': {{1, 1, 1}, {1, 0, 1}, {1, 1, 1}, {0, 0, 1}, {1, 1, 1}},
}

// RenderPNG draws the grid as an annotated PNG: 4x scaled cells on a
// dark background, grid lines every 16 cells, a border around the
// paintable area, and numeric coordinate labels in the margin.
func RenderPNG(grid datatypes.Grid) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, outputSize, outputSize))

	for py := 0; py < outputSize; py++ {
		for px := 0; px < outputSize; px++ {
			img.SetRGBA(px, py, backgroundColor)
		}
	}

	// Canvas cells as SCALE x SCALE blocks.
	for y := 0; y < datatypes.CanvasSize && y < len(grid); y++ {
		for x := 0; x < datatypes.CanvasSize && x < len(grid[y]); x++ {
			c, err := paletteRGBA(grid[y][x])
			if err != nil {
				return nil, err
			}
			for sy := 0; sy < renderScale; sy++ {
				for sx := 0; sx < renderScale; sx++ {
					img.SetRGBA(renderMargin+x*renderScale+sx, renderMargin+y*renderScale+sy, c)
				}
			}
		}
	}

	// Grid lines every gridInterval cells.
	for i := 0; i <= datatypes.CanvasSize; i += gridInterval {
		pos := renderMargin + i*renderScale
		for p := renderMargin; p < outputSize; p++ {
			setBounded(img, pos, p, gridLineColor)
			setBounded(img, p, pos, gridLineColor)
		}
	}

	// Border around the paintable area.
	for p := renderMargin; p < outputSize; p++ {
		img.SetRGBA(p, renderMargin, borderColor)
		img.SetRGBA(p, outputSize-1, borderColor)
		img.SetRGBA(renderMargin, p, borderColor)
		img.SetRGBA(outputSize-1, p, borderColor)
	}

	// Coordinate labels along the top and left margins.
	for i := 0; i <= datatypes.CanvasSize; i += gridInterval {
		pos := renderMargin + i*renderScale
		drawNumber(img, i, pos-4, 10, false)
		drawNumber(img, i, renderMargin-6, pos-2, true)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode canvas png: %w", err)
	}
	return buf.Bytes(), nil
}

// drawNumber renders n with the bitmap font at (startX, startY).
// Characters are 3px wide with 1px spacing.
func drawNumber(img *image.RGBA, n, startX, startY int, rightAlign bool) {
	str := strconv.Itoa(n)
	const charWidth = 4
	x := startX
	if rightAlign {
		x = startX - (len(str)*charWidth - 1)
	}

	for _, ch := range str {
		glyph, ok := digitFont[ch]
		if !ok {
			x += charWidth
			continue
		}
		for row := 0; row < 5; row++ {
			for col := 0; col < 3; col++ {
				if glyph[row][col] == 1 {
					setBounded(img, x+col, startY+row, labelColor)
				}
			}
		}
		x += charWidth
	}
}

func setBounded(img *image.RGBA, x, y int, c color.RGBA) {
	if x >= 0 && x < outputSize && y >= 0 && y < outputSize {
		img.SetRGBA(x, y, c)
	}
}

// paletteRGBA parses one palette entry ("#RRGGBB").
func paletteRGBA(idx int) (color.RGBA, error) {
	if idx < 0 || idx >= len(datatypes.Palette) {
		return color.RGBA{}, fmt.Errorf("palette index %d out of range", idx)
	}
	hex := datatypes.Palette[idx]
	v, err := strconv.ParseUint(hex[1:], 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("parse palette color %q: %w", hex, err)
	}
	return color.RGBA{
		R: uint8(v >> 16),
		G: uint8(v >> 8),
		B: uint8(v),
		A: 0xFF,
	}, nil
}
