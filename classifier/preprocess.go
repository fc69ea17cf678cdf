package classifier

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"

	"github.com/nfnt/resize"
)

// InputSize is the square edge CLIP vision encoders expect.
const InputSize = 224

var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Thumbnail scales img to InputSize x InputSize.
func Thumbnail(img image.Image) image.Image {
	return resize.Resize(InputSize, InputSize, img, resize.Bilinear)
}

// Preprocess returns the CLIP-normalised pixel values of img in CHW order,
// 3*InputSize*InputSize floats.
func Preprocess(img image.Image) []float32 {
	resized := Thumbnail(img)
	bounds := resized.Bounds()
	plane := InputSize * InputSize
	data := make([]float32, 3*plane)

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			data[i] = (float32(r>>8)/255 - clipMean[0]) / clipStd[0]
			data[plane+i] = (float32(g>>8)/255 - clipMean[1]) / clipStd[1]
			data[2*plane+i] = (float32(b>>8)/255 - clipMean[2]) / clipStd[2]
			i++
		}
	}
	return data
}

// encodePNG base64-encodes a thumbnail of img for transport.
func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, Thumbnail(img)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
