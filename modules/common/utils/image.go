package utils

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log"
	"net/http"
	"strings"

	_ "github.com/gen2brain/webp" // WebP 디코더 등록
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
)

var ErrUnsupportedFormat = errors.New("unsupported output format")

// OutputFormat - 다운로드 가능한 포맷
type OutputFormat string

const (
	FormatPNG  OutputFormat = "png"
	FormatJPEG OutputFormat = "jpeg"
	FormatWebP OutputFormat = "webp"
)

// ParseFormat - "jpg" 같은 별칭 포함, 빈 값은 png
func ParseFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, s)
}

// MimeType - Content-Type 헤더 값
func (f OutputFormat) MimeType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	}
	return "image/png"
}

// Extension - 파일 확장자
func (f OutputFormat) Extension() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// Converter - 다운로드 시점 포맷 변환
type Converter struct {
	WebPQuality float32
	JPEGQuality int
}

func NewConverter(webpQuality float32) *Converter {
	if webpQuality <= 0 || webpQuality > 100 {
		webpQuality = 90
	}
	return &Converter{WebPQuality: webpQuality, JPEGQuality: 92}
}

// Convert - 저장된 이미지(PNG/JPEG/WebP)를 요청 포맷으로 다시 인코딩.
// 이미 같은 포맷이면 원본 그대로 반환
func (c *Converter) Convert(data []byte, format OutputFormat) ([]byte, error) {
	if http.DetectContentType(data) == format.MimeType() {
		return data, nil
	}

	img, srcFormat, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	var buf bytes.Buffer
	switch format {
	case FormatPNG:
		err = png.Encode(&buf, img)
	case FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.JPEGQuality})
	case FormatWebP:
		var options *encoder.Options
		options, err = encoder.NewLossyEncoderOptions(encoder.PresetDefault, c.WebPQuality)
		if err == nil {
			err = webp.Encode(&buf, img, options)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", format, err)
	}

	log.Printf("🔄 Converted %s → %s: %d bytes → %d bytes", srcFormat, format, len(data), buf.Len())
	return buf.Bytes(), nil
}

// IsSupportedInputType - 업로드 허용 타입
func IsSupportedInputType(mimeType string) bool {
	switch mimeType {
	case "image/png", "image/jpeg", "image/webp":
		return true
	}
	return false
}
