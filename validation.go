package pagegen

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validation errors
var (
	ErrEmptyPrompt     = errors.New("prompt cannot be empty")
	ErrEmptyImageData  = errors.New("image data cannot be empty")
	ErrInvalidMIMEType = errors.New("invalid or unsupported MIME type")
	ErrImageTooLarge   = errors.New("image data exceeds maximum size")
	ErrTooManyImages   = errors.New("too many input images")
	ErrEmptyOutline    = errors.New("outline has no pages")
)

// Image size limits
const (
	// MaxImageSize is the maximum allowed image size in bytes (20MB)
	MaxImageSize = 20 * 1024 * 1024

	// MaxInputImages is the maximum number of reference images per request
	MaxInputImages = 14
)

// ValidMIMETypes contains the supported image MIME types
var ValidMIMETypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// ValidatePrompt validates a text prompt.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	return nil
}

// ValidateRequest validates a generation request.
func ValidateRequest(req *Request) error {
	if req == nil {
		return ErrEmptyPrompt
	}
	if err := ValidatePrompt(req.Prompt); err != nil {
		return err
	}
	if len(req.ReferenceImages) > 0 {
		return ValidateInputImages(req.ReferenceImages)
	}
	return nil
}

// ValidateInputImage validates an input image.
func ValidateInputImage(img InputImage) error {
	if len(img.Data) == 0 && img.URI == "" {
		return ErrEmptyImageData
	}

	if len(img.Data) > 0 {
		if len(img.Data) > MaxImageSize {
			return fmt.Errorf("%w: %d bytes (max %d)", ErrImageTooLarge, len(img.Data), MaxImageSize)
		}

		if img.MIMEType == "" {
			return fmt.Errorf("%w: MIME type is required", ErrInvalidMIMEType)
		}

		if !ValidMIMETypes[img.MIMEType] {
			return fmt.Errorf("%w: %s", ErrInvalidMIMEType, img.MIMEType)
		}
	}

	return nil
}

// ValidateInputImages validates a slice of input images.
func ValidateInputImages(images []InputImage) error {
	if len(images) == 0 {
		return ErrEmptyImageData
	}

	if len(images) > MaxInputImages {
		return fmt.Errorf("%w: %d (max %d)", ErrTooManyImages, len(images), MaxInputImages)
	}

	for i, img := range images {
		if err := ValidateInputImage(img); err != nil {
			return fmt.Errorf("image %d: %w", i, err)
		}
	}

	return nil
}

// ValidateOutline checks that pages are non-empty and indexed 0..n-1 without gaps.
func ValidateOutline(outline Outline) error {
	if len(outline) == 0 {
		return &ValidationError{Field: "outline", Reason: "no pages", Err: ErrEmptyOutline}
	}
	seen := make(map[int]bool, len(outline))
	for _, p := range outline {
		if p.Index < 0 || p.Index >= len(outline) {
			return &ValidationError{Field: "outline", Reason: fmt.Sprintf("page index %d out of range", p.Index)}
		}
		if seen[p.Index] {
			return &ValidationError{Field: "outline", Reason: fmt.Sprintf("duplicate page index %d", p.Index)}
		}
		seen[p.Index] = true
	}
	return nil
}

type fieldProblem struct {
	field  string
	reason string
}

// configProblems returns every rule cfg violates for capability c.
func configProblems(c Capability, cfg ProviderConfig) []fieldProblem {
	var problems []fieldProblem

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []fieldProblem{{field: "", reason: err.Error()}}
		}
		for _, fe := range verrs {
			problems = append(problems, fieldProblem{field: fe.Field(), reason: describeTag(fe)})
		}
	}

	info, ok := LookupProvider(cfg.Type)
	if !ok {
		return problems
	}
	if c != "" && !info.Supports(c) {
		problems = append(problems, fieldProblem{
			field:  "provider_type",
			reason: fmt.Sprintf("%s does not serve %s", cfg.Type, c),
		})
	}
	if info.RequiresBaseURL && cfg.BaseURL == "" {
		problems = append(problems, fieldProblem{field: "base_url", reason: "is required for " + string(cfg.Type)})
	}
	if cfg.EndpointType != "" && !info.SupportsEndpointType {
		problems = append(problems, fieldProblem{field: "endpoint_type", reason: "not supported by " + string(cfg.Type)})
	}
	return problems
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be a URL"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
}

// ValidateProviderConfig checks cfg for store operations. Violations are
// reported as *ValidationError.
func ValidateProviderConfig(c Capability, cfg ProviderConfig) error {
	if problems := configProblems(c, cfg); len(problems) > 0 {
		p := problems[0]
		return &ValidationError{Field: p.field, Reason: p.reason}
	}
	return nil
}

// CheckProviderConfig checks cfg before building a generator. Violations are
// reported as *ConfigurationError.
func CheckProviderConfig(c Capability, cfg ProviderConfig) error {
	if problems := configProblems(c, cfg); len(problems) > 0 {
		p := problems[0]
		return &ConfigurationError{Capability: c, Provider: cfg.Name, Field: p.field, Reason: p.reason}
	}
	return nil
}
