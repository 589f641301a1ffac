package engine

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
)

const (
	frameWidth  = 640
	frameHeight = 360
)

var (
	frameBg      = color.RGBA{R: 0x11, G: 0x18, B: 0x27, A: 0xff}
	frameTrack   = color.RGBA{R: 0x37, G: 0x41, B: 0x51, A: 0xff}
	frameRunning = color.RGBA{R: 0x0e, G: 0xa5, B: 0xe9, A: 0xff}
	frameIdle    = color.RGBA{R: 0x6b, G: 0x72, B: 0x80, A: 0xff}
	frameSuccess = color.RGBA{R: 0x22, G: 0xc5, B: 0x5e, A: 0xff}
	frameFail    = color.RGBA{R: 0xef, G: 0x44, B: 0x44, A: 0xff}
)

// RenderFrame 把当前进度画成一帧 JPEG：上方是步骤格子，下方是成功/失败比例条。
func RenderFrame(p Progress) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, frameWidth, frameHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: frameBg}, image.Point{}, draw.Src)

	steps := StepCount()
	const margin, gap = 40, 8
	cell := (frameWidth - 2*margin - (steps-1)*gap) / steps
	active := frameIdle
	if p.Running {
		active = frameRunning
	}
	for i := 0; i < steps; i++ {
		x0 := margin + i*(cell+gap)
		r := image.Rect(x0, 120, x0+cell, 180)
		c := frameTrack
		if i < p.Step {
			c = active
		}
		fill(img, r, c)
	}

	bar := image.Rect(margin, 240, frameWidth-margin, 270)
	fill(img, bar, frameTrack)
	if total := p.Success + p.Fail; total > 0 {
		okWidth := bar.Dx() * p.Success / total
		fill(img, image.Rect(bar.Min.X, bar.Min.Y, bar.Min.X+okWidth, bar.Max.Y), frameSuccess)
		fill(img, image.Rect(bar.Min.X+okWidth, bar.Min.Y, bar.Max.X, bar.Max.Y), frameFail)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fill(img *image.RGBA, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, &image.Uniform{C: c}, image.Point{}, draw.Src)
}
