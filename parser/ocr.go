package parser

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"golang.org/x/image/draw"
)

// OCRLanguage selects the tesseract language pack (e.g. "eng", "fra"). The
// root package sets this from Config.OCRLanguage before an OCR-eligible
// ingest runs; parser cannot import the root package's Config directly
// without introducing an import cycle.
var OCRLanguage = "eng"

// ocrExtract runs when a PDF carries no text layer at all (a scan). Each
// page is rasterized with pdftoppm, preprocessed (grayscale, denoise,
// deskew, Otsu binarize), and handed to tesseract. The external binaries
// are a hard dependency of this path only — every other Extractor is pure
// Go.
func ocrExtract(path string, totalPages int) ([]Block, error) {
	if _, err := exec.LookPath("pdftoppm"); err != nil {
		return nil, fmt.Errorf("ocr fallback requires pdftoppm: %w", err)
	}
	if _, err := exec.LookPath("tesseract"); err != nil {
		return nil, fmt.Errorf("ocr fallback requires tesseract: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "pdf-ocr-*")
	if err != nil {
		return nil, fmt.Errorf("creating OCR workdir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	rasterPrefix := filepath.Join(tmpDir, "page")
	// -r 200: 2x-ish the default 96 DPI print rasterization, enough for
	// tesseract to resolve body text reliably.
	cmd := exec.Command("pdftoppm", "-png", "-r", "200", path, rasterPrefix)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("rasterizing PDF for OCR: %w: %s", err, out)
	}

	var blocks []Block
	order := 0

	for i := 1; i <= totalPages; i++ {
		rasterPath := fmt.Sprintf("%s-%d.png", rasterPrefix, i)
		if _, err := os.Stat(rasterPath); err != nil {
			// pdftoppm pads page numbers when totalPages >= 100.
			rasterPath = fmt.Sprintf("%s-%0*d.png", rasterPrefix, len(strconv.Itoa(totalPages)), i)
			if _, err := os.Stat(rasterPath); err != nil {
				continue
			}
		}

		preprocessed, err := preprocessForOCR(rasterPath)
		if err != nil {
			return nil, fmt.Errorf("preprocessing page %d for OCR: %w", i, err)
		}

		text, err := runTesseract(preprocessed)
		if err != nil {
			return nil, fmt.Errorf("OCR on page %d: %w", i, err)
		}
		if text == "" {
			continue
		}

		blocks = append(blocks, Block{
			Type:       BlockText,
			Text:       text,
			PageNumber: i,
			Order:      order,
		})
		order++
	}

	return blocks, nil
}

// preprocessForOCR grayscales, denoises with a 3x3 median filter, deskews
// when the estimated skew exceeds 0.3 degrees, and Otsu-binarizes the
// rasterized page, writing the result next to the source image.
func preprocessForOCR(pngPath string) (string, error) {
	f, err := os.Open(pngPath)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return "", err
	}

	gray := toGrayscale(img)
	denoised := medianDenoise(gray)

	if angle := estimateSkew(denoised); math.Abs(angle) > 0.3 {
		denoised = rotateGray(denoised, -angle)
	}

	binary := otsuBinarize(denoised)

	outPath := pngPath + ".prep.png"
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if err := png.Encode(out, binary); err != nil {
		return "", err
	}
	return outPath, nil
}

func toGrayscale(img image.Image) *image.Gray {
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, img, bounds.Min, draw.Src)
	return gray
}

// medianDenoise applies a 3x3 median filter, which removes scan speckle
// without blurring character edges the way a box blur would.
func medianDenoise(img *image.Gray) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(b)
	window := make([]uint8, 0, 9)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			window = window[:0]
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					px, py := x+dx, y+dy
					if px < b.Min.X || px >= b.Max.X || py < b.Min.Y || py >= b.Max.Y {
						px, py = x, y
					}
					window = append(window, img.GrayAt(px, py).Y)
				}
			}
			out.SetGray(x, y, color.Gray{Y: median9(window)})
		}
	}
	return out
}

func median9(values []uint8) uint8 {
	sorted := append([]uint8(nil), values...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[len(sorted)/2]
}

// estimateSkew approximates page rotation by finding the angle, in a small
// search range, that maximizes the variance of row-wise dark-pixel counts —
// text lines align into sharp peaks at the correct angle.
func estimateSkew(img *image.Gray) float64 {
	bestAngle := 0.0
	bestVariance := -1.0

	for angle := -5.0; angle <= 5.0; angle += 0.5 {
		rotated := rotateGray(img, angle)
		variance := rowDarkVariance(rotated)
		if variance > bestVariance {
			bestVariance = variance
			bestAngle = angle
		}
	}
	return bestAngle
}

func rowDarkVariance(img *image.Gray) float64 {
	b := img.Bounds()
	counts := make([]float64, b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		dark := 0
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.GrayAt(x, y).Y < 128 {
				dark++
			}
		}
		counts[y-b.Min.Y] = float64(dark)
	}
	mean := 0.0
	for _, c := range counts {
		mean += c
	}
	mean /= float64(len(counts))

	variance := 0.0
	for _, c := range counts {
		variance += (c - mean) * (c - mean)
	}
	return variance / float64(len(counts))
}

func rotateGray(img *image.Gray, degrees float64) *image.Gray {
	if degrees == 0 {
		return img
	}
	b := img.Bounds()
	out := image.NewGray(b)
	theta := degrees * math.Pi / 180
	sin, cos := math.Sin(theta), math.Cos(theta)
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			srcX := int(dx*cos+dy*sin+cx) + b.Min.X
			srcY := int(-dx*sin+dy*cos+cy) + b.Min.Y
			if srcX >= b.Min.X && srcX < b.Max.X && srcY >= b.Min.Y && srcY < b.Max.Y {
				out.SetGray(x, y, img.GrayAt(srcX, srcY))
			} else {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

// otsuBinarize picks the threshold that minimizes intra-class pixel-value
// variance between foreground and background, then thresholds the image.
func otsuBinarize(img *image.Gray) *image.Gray {
	var histogram [256]int
	b := img.Bounds()
	total := b.Dx() * b.Dy()

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			histogram[img.GrayAt(x, y).Y]++
		}
	}

	sumAll := 0.0
	for i, count := range histogram {
		sumAll += float64(i * count)
	}

	sumBackground, weightBackground := 0.0, 0
	bestThreshold, bestVariance := 0, -1.0

	for t := 0; t < 256; t++ {
		weightBackground += histogram[t]
		if weightBackground == 0 {
			continue
		}
		weightForeground := total - weightBackground
		if weightForeground == 0 {
			break
		}
		sumBackground += float64(t * histogram[t])

		meanBackground := sumBackground / float64(weightBackground)
		meanForeground := (sumAll - sumBackground) / float64(weightForeground)

		variance := float64(weightBackground) * float64(weightForeground) * (meanBackground - meanForeground) * (meanBackground - meanForeground)
		if variance > bestVariance {
			bestVariance = variance
			bestThreshold = t
		}
	}

	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if int(img.GrayAt(x, y).Y) > bestThreshold {
				out.SetGray(x, y, color.Gray{Y: 255})
			} else {
				out.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	return out
}

func runTesseract(imagePath string) (string, error) {
	outBase := imagePath + ".out"
	cmd := exec.Command("tesseract", imagePath, outBase, "-l", OCRLanguage)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, stderr.String())
	}

	data, err := os.ReadFile(outBase + ".txt")
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(data)), nil
}
