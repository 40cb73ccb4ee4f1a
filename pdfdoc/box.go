package pdfdoc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// ErrNoSize is returned when an SVG declares neither a usable width and
// height nor a viewBox.
var ErrNoSize = errors.New("pdfdoc: svg has no usable size")

// Box is a page size in CSS pixels (96 per inch).
type Box struct {
	Width  float64
	Height float64
}

// Orientation of a page.
type Orientation int

const (
	Portrait Orientation = iota
	Landscape
)

func (o Orientation) String() string {
	if o == Landscape {
		return "landscape"
	}
	return "portrait"
}

// Orientation is landscape when the box is wider than tall.
func (b Box) Orientation() Orientation {
	if b.Width > b.Height {
		return Landscape
	}
	return Portrait
}

// Points returns the size in PDF points (72 per inch).
func (b Box) Points() (w, h float64) {
	return b.Width * 72 / 96, b.Height * 72 / 96
}

// Inches returns the size in inches.
func (b Box) Inches() (w, h float64) {
	return b.Width / 96, b.Height / 96
}

func (b Box) String() string {
	return fmt.Sprintf("%gx%gpx", b.Width, b.Height)
}

// pxPerUnit converts absolute CSS lengths to pixels.
var pxPerUnit = map[string]float64{
	"":   1,
	"px": 1,
	"pt": 96.0 / 72,
	"pc": 16,
	"in": 96,
	"cm": 96 / 2.54,
	"mm": 96 / 25.4,
}

// ParseBox reads the page size of the root <svg> element of markup.
// Absolute width and height win; relative or missing ones fall back to
// the viewBox size.
func ParseBox(markup string) (Box, error) {
	z := html.NewTokenizer(strings.NewReader(markup))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return Box{}, fmt.Errorf("pdfdoc: no <svg> element: %w", ErrNoSize)
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != "svg" {
				continue
			}
			return boxFromAttrs(tok.Attr)
		}
	}
}

func boxFromAttrs(attrs []html.Attribute) (Box, error) {
	var width, height, viewBox string
	for _, a := range attrs {
		switch strings.ToLower(a.Key) {
		case "width":
			width = a.Val
		case "height":
			height = a.Val
		case "viewbox":
			viewBox = a.Val
		}
	}

	w, wok := parseLength(width)
	h, hok := parseLength(height)
	if wok && hok {
		return Box{Width: w, Height: h}, nil
	}

	vw, vh, ok := parseViewBox(viewBox)
	if !ok {
		return Box{}, ErrNoSize
	}
	switch {
	case wok:
		// Keep the aspect ratio of the viewBox.
		return Box{Width: w, Height: w * vh / vw}, nil
	case hok:
		return Box{Width: h * vw / vh, Height: h}, nil
	}
	return Box{Width: vw, Height: vh}, nil
}

// parseLength accepts a positive number with an absolute unit.
func parseLength(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, false
	}
	i := len(s)
	for i > 0 && s[i-1] >= 'a' && s[i-1] <= 'z' {
		i--
	}
	factor, ok := pxPerUnit[s[i:]]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s[:i]), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v * factor, true
}

func parseViewBox(s string) (float64, float64, bool) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' || r == '\n' })
	if len(fields) != 4 {
		return 0, 0, false
	}
	w, err1 := strconv.ParseFloat(fields[2], 64)
	h, err2 := strconv.ParseFloat(fields[3], 64)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}
