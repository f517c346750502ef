package pagegen

// ImageSize represents the output resolution for generated images.
type ImageSize string

const (
	ImageSize1K ImageSize = "1K"
	ImageSize2K ImageSize = "2K"
	ImageSize4K ImageSize = "4K"
)

// AspectRatio represents the aspect ratio for generated images.
type AspectRatio string

const (
	AspectRatio1x1  AspectRatio = "1:1"
	AspectRatio16x9 AspectRatio = "16:9"
	AspectRatio9x16 AspectRatio = "9:16"
	AspectRatio4x3  AspectRatio = "4:3"
	AspectRatio3x4  AspectRatio = "3:4"
	AspectRatio2x3  AspectRatio = "2:3"
	AspectRatio3x2  AspectRatio = "3:2"
	AspectRatioAuto AspectRatio = ""
)

// Request is the input to a single Generate call.
type Request struct {
	// Prompt is the user text. Required.
	Prompt string

	// SystemPrompt is used by text generators only.
	SystemPrompt string

	// PageIndex is the outline page this request belongs to, -1 when unrelated.
	PageIndex int

	// Size of the output image (1K, 2K, 4K). OpenAI-compatible providers
	// use the provider's DefaultSize instead when set.
	Size ImageSize

	// AspectRatio of the output image.
	AspectRatio AspectRatio

	// ReferenceImages are passed to providers that accept image input.
	ReferenceImages []InputImage

	// Metadata to attach to requests (for logging/tracking)
	Metadata map[string]string
}

// NewTextRequest returns a text request not tied to a page.
func NewTextRequest(system, prompt string) *Request {
	return &Request{SystemPrompt: system, Prompt: prompt, PageIndex: -1}
}

// InputImage represents an image input for reference.
type InputImage struct {
	// Data is the raw image bytes
	Data []byte

	// MIMEType of the image (e.g., "image/jpeg", "image/png")
	MIMEType string

	// URI is an optional URI reference (for cloud-stored images)
	URI string
}

func (s ImageSize) String() string {
	return string(s)
}

func (a AspectRatio) String() string {
	return string(a)
}

// PixelSize maps an ImageSize onto the WxH form used by OpenAI-style APIs.
func (s ImageSize) PixelSize() string {
	switch s {
	case ImageSize2K:
		return "2048x2048"
	case ImageSize4K:
		return "4096x4096"
	default:
		return "1024x1024"
	}
}
