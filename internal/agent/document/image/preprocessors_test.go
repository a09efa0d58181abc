package image

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkerboard(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: 250, G: 250, B: 250, A: 255}
			if (x/4+y/4)%2 == 0 {
				c = color.RGBA{R: 10, G: 10, B: 10, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPipeline_PreservesSizeBelowMaxWidth(t *testing.T) {
	out, err := Apply(checkerboard(40, 30), NewPipeline(DefaultPreprocessConfig()))
	require.NoError(t, err)
	assert.Equal(t, 40, out.Bounds().Dx())
	assert.Equal(t, 30, out.Bounds().Dy())
}

func TestResize_CapsWidth(t *testing.T) {
	out, err := NewResizeProcessor(20).Process(checkerboard(80, 40))
	require.NoError(t, err)
	assert.Equal(t, 20, out.Bounds().Dx())
	assert.Equal(t, 10, out.Bounds().Dy())
}

func TestAdaptiveThreshold_Binarizes(t *testing.T) {
	out, err := NewAdaptiveThresholdProcessor(5, 2).Process(checkerboard(16, 16))
	require.NoError(t, err)

	gray, ok := out.(*image.Gray)
	require.True(t, ok)
	for _, v := range gray.Pix {
		assert.True(t, v == 0 || v == 255)
	}
	assert.Equal(t, uint8(0), gray.GrayAt(3, 3).Y)
	assert.Equal(t, uint8(255), gray.GrayAt(5, 1).Y)
}

func TestApply_NilImage(t *testing.T) {
	_, err := Apply(nil, nil)
	assert.Error(t, err)
}
