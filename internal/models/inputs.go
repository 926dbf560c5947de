package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
)

// ClipPipelineInput is the payload of CLIP_PIPELINE_V1.
type ClipPipelineInput struct {
	TranscriptRef string       `json:"transcriptRef" validate:"required_without=MediaRef"`
	MediaRef      string       `json:"mediaRef"`
	MaxClips      int          `json:"maxClips" validate:"omitempty,min=1,max=20"`
	ClipSeconds   *ClipSeconds `json:"clipSeconds"`
	Format        string       `json:"format" validate:"omitempty,oneof=VERTICAL_9_16 SQUARE_1_1 HORIZONTAL_16_9"`
	Captions      bool         `json:"captions"`
	Branding      *Branding    `json:"branding"`
}

type ClipSeconds struct {
	Min int `json:"min" validate:"min=1"`
	Max int `json:"max" validate:"gtefield=Min"`
}

type Branding struct {
	Watermark bool   `json:"watermark"`
	Handle    string `json:"handle"`
}

// CaptionInput is the payload of CAPTION_V1.
type CaptionInput struct {
	TranscriptRef string `json:"transcriptRef" validate:"required"`
	Language      string `json:"language" validate:"omitempty,bcp47_language_tag"`
}

// ExportInput is the payload of EXPORT_MP4_V1.
type ExportInput struct {
	MediaRef string   `json:"mediaRef" validate:"required"`
	ClipRefs []string `json:"clipRefs"`
	Format   string   `json:"format" validate:"omitempty,oneof=VERTICAL_9_16 SQUARE_1_1 HORIZONTAL_16_9"`
}

// PublishInput is the payload of PUBLISH_TIKTOK_V1.
type PublishInput struct {
	ArtifactRef string `json:"artifactRef" validate:"required"`
	Caption     string `json:"caption" validate:"max=2200"`
}

// ThumbnailInput is the payload of THUMBNAIL_V1.
type ThumbnailInput struct {
	SourceURL string `json:"sourceUrl" validate:"required,url"`
	Width     int    `json:"width" validate:"min=0,max=4096"`
	Height    int    `json:"height" validate:"min=0,max=4096"`
	Grayscale bool   `json:"grayscale"`
	Format    string `json:"format" validate:"omitempty,oneof=jpg png"`
}

var inputSchemas = map[JobType]func() any{
	TypeClipPipeline:  func() any { return &ClipPipelineInput{} },
	TypeCaption:       func() any { return &CaptionInput{} },
	TypeExportMP4:     func() any { return &ExportInput{} },
	TypePublishTikTok: func() any { return &PublishInput{} },
	TypeThumbnail:     func() any { return &ThumbnailInput{} },
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// KnownType reports whether t has an input schema.
func KnownType(t JobType) bool {
	_, ok := inputSchemas[t]
	return ok
}

// DecodeInput decodes raw into the schema registered for t and validates it.
// The returned value is a pointer to one of the *Input structs.
func DecodeInput(t JobType, raw json.RawMessage) (any, error) {
	newSchema, ok := inputSchemas[t]
	if !ok {
		return nil, NewValidationError("type", "no input schema for %q", t)
	}
	v := newSchema()
	if err := sonic.Unmarshal(raw, v); err != nil {
		return nil, NewValidationError("input", "decode: %v", err)
	}
	if err := Validator().Struct(v); err != nil {
		return nil, validationFromError("input", err)
	}
	return v, nil
}

// validationFromError flattens validator errors into a single ValidationError.
func validationFromError(prefix string, err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return NewValidationError(prefix, "%v", err)
	}
	fe := fieldErrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	if prefix != "" {
		field = prefix + "." + field
	}
	return &ValidationError{Field: field, Message: fmt.Sprintf("failed %q validation", fe.Tag())}
}

// ValidateStruct runs the shared validator and converts failures into a ValidationError.
func ValidateStruct(v any) error {
	if err := Validator().Struct(v); err != nil {
		return validationFromError("", err)
	}
	return nil
}
