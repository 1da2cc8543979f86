package renderer

// maxVariance clamps per-pixel variance estimates to mitigate fireflies.
const maxVariance = 1.0e4

// VarianceBuffer is an accumulating framebuffer that additionally tracks
// the sum of squared main-color samples, yielding an unbiased per-pixel
// variance estimator.
//
// Per-pixel channel layout:
//
//	[weight, r, g, b, a, aov0..., r², g², b², a²]
type VarianceBuffer struct {
	width, height int
	aovCount      int
	channelCount  int
	data          []float32
}

// NewVarianceBuffer creates an empty buffer with the given AOV count
func NewVarianceBuffer(width, height, aovCount int) *VarianceBuffer {
	channelCount := 1 + 4 + 4*aovCount + 4
	return &VarianceBuffer{
		width:        width,
		height:       height,
		aovCount:     aovCount,
		channelCount: channelCount,
		data:         make([]float32, width*height*channelCount),
	}
}

// Width returns the buffer width in pixels
func (b *VarianceBuffer) Width() int {
	return b.width
}

// Height returns the buffer height in pixels
func (b *VarianceBuffer) Height() int {
	return b.height
}

// AOVCount returns the number of AOV stripes
func (b *VarianceBuffer) AOVCount() int {
	return b.aovCount
}

func (b *VarianceBuffer) pixel(x, y int) []float32 {
	offset := (y*b.width + x) * b.channelCount
	return b.data[offset : offset+b.channelCount]
}

// Add accumulates a sample with weight one. The squared main color
// feeds the variance estimator.
func (b *VarianceBuffer) Add(x, y int, main [4]float32, aovs [][4]float32) {
	pixel := b.pixel(x, y)

	pixel[0] += 1.0

	for c := 0; c < 4; c++ {
		pixel[1+c] += main[c]
	}

	for i := 0; i < b.aovCount && i < len(aovs); i++ {
		for c := 0; c < 4; c++ {
			pixel[5+i*4+c] += aovs[i][c]
		}
	}

	squaredOffset := 5 + b.aovCount*4
	for c := 0; c < 4; c++ {
		pixel[squaredOffset+c] += main[c] * main[c]
	}
}

// Clear zeroes all accumulators
func (b *VarianceBuffer) Clear() {
	for i := range b.data {
		b.data[i] = 0
	}
}

// DevelopToImage writes the weighted main color into an image, ignoring
// the squared-sample stripe.
func (b *VarianceBuffer) DevelopToImage(img *Image) {
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			pixel := b.pixel(x, y)

			weight := pixel[0]
			rcpWeight := float32(0)
			if weight != 0 {
				rcpWeight = 1.0 / weight
			}

			img.SetPixel(x, y, [4]float32{
				pixel[1] * rcpWeight,
				pixel[2] * rcpWeight,
				pixel[3] * rcpWeight,
				pixel[4] * rcpWeight,
			})
		}
	}
}

// DevelopAOVToImage writes one weighted AOV stripe into an image
func (b *VarianceBuffer) DevelopAOVToImage(aov int, img *Image) {
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			pixel := b.pixel(x, y)

			weight := pixel[0]
			rcpWeight := float32(0)
			if weight != 0 {
				rcpWeight = 1.0 / weight
			}

			offset := 5 + aov*4
			img.SetPixel(x, y, [4]float32{
				pixel[offset] * rcpWeight,
				pixel[offset+1] * rcpWeight,
				pixel[offset+2] * rcpWeight,
				pixel[offset+3] * rcpWeight,
			})
		}
	}
}

// pixelVariance estimates the clamped luminance variance of one pixel
func (b *VarianceBuffer) pixelVariance(pixel []float32) float32 {
	weight := pixel[0]
	if weight == 0 {
		return 0
	}

	squaredOffset := 5 + b.aovCount*4
	var channelVariance [3]float32
	for c := 0; c < 3; c++ {
		sum := pixel[1+c]
		sumSquares := pixel[squaredOffset+c]
		channelVariance[c] = sumSquares - sum*sum/weight
	}

	variance := 0.299*channelVariance[0] + 0.587*channelVariance[1] + 0.114*channelVariance[2]
	if variance > maxVariance {
		variance = maxVariance
	}
	if variance < 0 {
		variance = 0
	}
	return variance
}

// Variance sums the clamped per-pixel luminance variance estimates
func (b *VarianceBuffer) Variance() float32 {
	total := float32(0)
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			total += b.pixelVariance(b.pixel(x, y))
		}
	}
	return total
}

// VarianceToImage sums the variance like Variance and additionally
// writes the per-pixel estimates into a heatmap image.
func (b *VarianceBuffer) VarianceToImage(heatmap *Image) float32 {
	total := float32(0)
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			variance := b.pixelVariance(b.pixel(x, y))
			heatmap.SetPixel(x, y, [4]float32{variance, variance, variance, 1})
			total += variance
		}
	}
	return total
}
