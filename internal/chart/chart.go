// Package chart renders baseline results as PNG scatter plots.
package chart

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/baseline"
)

const (
	Width  = 960
	Height = 540

	marginLeft   = 80
	marginRight  = 30
	marginTop    = 50
	marginBottom = 60
)

var (
	background = color.RGBA{250, 250, 248, 255}
	axisColor  = color.RGBA{60, 60, 60, 255}
	gridColor  = color.RGBA{225, 225, 220, 255}
	totalColor = color.RGBA{40, 70, 140, 255}
	acColor    = color.RGBA{230, 120, 30, 255}
	targetLine = color.RGBA{40, 150, 90, 255}
	invalidRed = color.RGBA{200, 30, 30, 255}
)

var (
	fontFace font.Face
	fontOnce sync.Once
	fontErr  error
)

func loadFont() {
	fontOnce.Do(func() {
		f, err := opentype.Parse(goregular.TTF)
		if err != nil {
			fontErr = fmt.Errorf("parse Go Regular: %w", err)
			return
		}
		fontFace, err = opentype.NewFace(f, &opentype.FaceOptions{
			Size:    14,
			DPI:     72,
			Hinting: font.HintingFull,
		})
		if err != nil {
			fontErr = fmt.Errorf("create face: %w", err)
		}
	})
}

// RenderBaseline plots total energy and the candidate's expected AC energy
// against temperature for each period, with the non-AC target as a
// horizontal line. Periods the candidate marks invalid are ringed in red.
func RenderBaseline(title string, c *baseline.Candidate, target float64) ([]byte, error) {
	loadFont()
	if fontErr != nil {
		return nil, fmt.Errorf("load font: %w", fontErr)
	}
	if c == nil || len(c.MonthlyResults) == 0 {
		return nil, fmt.Errorf("render baseline: no periods to plot")
	}

	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{background}, image.Point{}, draw.Src)

	minX, maxX := math.Inf(1), math.Inf(-1)
	maxY := target
	for _, mr := range c.MonthlyResults {
		minX = math.Min(minX, mr.Temperature)
		maxX = math.Max(maxX, mr.Temperature)
		maxY = math.Max(maxY, math.Max(mr.TotalEnergy, mr.ExpectedACEnergy))
	}
	xr := niceRange(minX, maxX)
	yr := niceRange(0, maxY)

	p := plot{img: img, x: xr, y: yr}
	p.drawGrid()

	p.hline(target, targetLine)
	drawText(img, fmt.Sprintf("non-AC target %.0f kWh", target), Width-marginRight-190, p.py(target)-6, targetLine)

	for _, mr := range c.MonthlyResults {
		x := p.px(mr.Temperature)
		p.dot(x, p.py(mr.TotalEnergy), 5, totalColor)
		p.dot(x, p.py(mr.ExpectedACEnergy), 4, acColor)
		if !mr.IsValid {
			p.ring(x, p.py(mr.ExpectedACEnergy), 8, invalidRed)
		}
	}

	drawText(img, title, marginLeft, 30, axisColor)
	drawText(img, fmt.Sprintf("%s  %s", c.Fit.Kind(), c.Fit.Model.Equation()), marginLeft, Height-15, axisColor)
	drawText(img, "● total", Width-marginRight-230, 30, totalColor)
	drawText(img, "● expected AC", Width-marginRight-150, 30, acColor)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode chart: %w", err)
	}
	return buf.Bytes(), nil
}

type axisRange struct {
	min, max, step float64
}

// niceRange widens [lo, hi] to round tick boundaries with about five ticks.
func niceRange(lo, hi float64) axisRange {
	if hi-lo < 1e-9 {
		lo, hi = lo-1, hi+1
	}
	raw := (hi - lo) / 5
	mag := math.Pow(10, math.Floor(math.Log10(raw)))
	step := mag
	for _, m := range []float64{1, 2, 5, 10} {
		if raw <= m*mag {
			step = m * mag
			break
		}
	}
	return axisRange{
		min:  math.Floor(lo/step) * step,
		max:  math.Ceil(hi/step) * step,
		step: step,
	}
}

type plot struct {
	img  *image.RGBA
	x, y axisRange
}

func (p plot) px(v float64) int {
	w := float64(Width - marginLeft - marginRight)
	return marginLeft + int(math.Round((v-p.x.min)/(p.x.max-p.x.min)*w))
}

func (p plot) py(v float64) int {
	h := float64(Height - marginTop - marginBottom)
	return Height - marginBottom - int(math.Round((v-p.y.min)/(p.y.max-p.y.min)*h))
}

func (p plot) drawGrid() {
	for v := p.y.min; v <= p.y.max+p.y.step/2; v += p.y.step {
		y := p.py(v)
		for x := marginLeft; x < Width-marginRight; x++ {
			p.img.SetRGBA(x, y, gridColor)
		}
		drawText(p.img, fmt.Sprintf("%.0f", v), 20, y+5, axisColor)
	}
	for v := p.x.min; v <= p.x.max+p.x.step/2; v += p.x.step {
		x := p.px(v)
		for y := marginTop; y < Height-marginBottom; y++ {
			p.img.SetRGBA(x, y, gridColor)
		}
		drawText(p.img, fmt.Sprintf("%.0f°C", v), x-14, Height-marginBottom+20, axisColor)
	}

	for x := marginLeft; x < Width-marginRight; x++ {
		p.img.SetRGBA(x, Height-marginBottom, axisColor)
	}
	for y := marginTop; y <= Height-marginBottom; y++ {
		p.img.SetRGBA(marginLeft, y, axisColor)
	}
	drawText(p.img, "kWh", 20, marginTop-10, axisColor)
}

func (p plot) hline(v float64, col color.RGBA) {
	y := p.py(v)
	for x := marginLeft; x < Width-marginRight; x++ {
		if (x/6)%2 == 0 {
			p.img.SetRGBA(x, y, col)
			p.img.SetRGBA(x, y+1, col)
		}
	}
}

func (p plot) dot(cx, cy, r int, col color.RGBA) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				p.img.SetRGBA(cx+dx, cy+dy, col)
			}
		}
	}
}

func (p plot) ring(cx, cy, r int, col color.RGBA) {
	inner := (r - 2) * (r - 2)
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			d := dx*dx + dy*dy
			if d <= r*r && d >= inner {
				p.img.SetRGBA(cx+dx, cy+dy, col)
			}
		}
	}
}

func drawText(img *image.RGBA, text string, x, y int, col color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: fontFace,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
