package model

import (
	"strings"
)

const (
	EngineCycles    = "cycles"
	EngineEevee     = "eevee"
	EngineWorkbench = "workbench"
)

const (
	FormatPNG     = "PNG"
	FormatJPEG    = "JPEG"
	FormatOpenEXR = "OPEN_EXR"
	FormatTIFF    = "TIFF"
	FormatBMP     = "BMP"
	FormatWEBP    = "WEBP"
)

// RenderOptions are the engine settings of a job. Zero values mean "keep
// whatever the input file says".
type RenderOptions struct {
	Engine      string `json:"engine,omitempty" yaml:"engine,omitempty" validate:"omitempty,oneof=cycles eevee workbench"`
	Samples     int    `json:"samples,omitempty" yaml:"samples,omitempty" validate:"gte=0"`
	ResolutionX int    `json:"resolution_x,omitempty" yaml:"resolution_x,omitempty" validate:"gte=0"`
	ResolutionY int    `json:"resolution_y,omitempty" yaml:"resolution_y,omitempty" validate:"gte=0"`
	Format      string `json:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=PNG JPEG OPEN_EXR TIFF BMP WEBP"`
	Quality     int    `json:"quality,omitempty" yaml:"quality,omitempty" validate:"gte=0,lte=100"`
	Threads     int    `json:"threads,omitempty" yaml:"threads,omitempty" validate:"gte=0"`
	GPU         bool   `json:"gpu,omitempty" yaml:"gpu,omitempty"`
}

// IsDefault is true when nothing has to be injected into the engine.
func (o RenderOptions) IsDefault() bool {
	return o == RenderOptions{}
}

// BlenderEngine maps the engine name to the identifier used by bpy.
func (o RenderOptions) BlenderEngine() string {
	switch strings.ToLower(o.Engine) {
	case EngineCycles:
		return "CYCLES"
	case EngineEevee:
		return "BLENDER_EEVEE_NEXT"
	case EngineWorkbench:
		return "BLENDER_WORKBENCH"
	default:
		return ""
	}
}
