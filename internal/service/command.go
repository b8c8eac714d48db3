package service

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/renderq/internal/model"
)

// Command is a prototype of an engine invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// BlenderCommand returns the headless invocation of the engine at path
// rendering spec.
func BlenderCommand(path string, spec model.JobSpec) Command {
	return Command{
		Path: path,
		Args: BlenderArgs(spec),
	}
}

// BlenderArgs builds the command line arguments. Blender evaluates them in
// order, so the frame flags must come last.
func BlenderArgs(spec model.JobSpec) []string {
	args := []string{"-b", spec.InputFile}
	if script := SettingsScript(spec.Options); script != "" {
		args = append(args, "--python-expr", script)
	}
	args = append(args, "-o", OutputPattern(spec.OutputTarget, spec.FrameRange))

	switch fr := spec.FrameRange; {
	case fr == nil:
		// start relative frame: the file's own start frame
		args = append(args, "-f", "+0")
	case fr.Single():
		args = append(args, "-f", strconv.Itoa(fr.Start))
	default:
		args = append(args,
			"-s", strconv.Itoa(fr.Start),
			"-e", strconv.Itoa(fr.End),
			"-a",
		)
	}
	return args
}

// OutputPattern adds a frame number placeholder to output when a multi
// frame range is rendered and output has none.
func OutputPattern(output string, frames *model.FrameRange) string {
	if frames == nil || frames.Single() || strings.Contains(output, "#") {
		return output
	}
	if strings.HasSuffix(output, "/") || strings.HasSuffix(output, string(filepath.Separator)) {
		return output + "####"
	}
	return output + "_####"
}

// SettingsScript returns python code applying o to the scene, or an empty
// string when there is nothing to change.
func SettingsScript(o model.RenderOptions) string {
	if o.IsDefault() {
		return ""
	}

	lines := []string{
		"import bpy",
		"scene = bpy.context.scene",
	}
	if engine := o.BlenderEngine(); engine != "" {
		lines = append(lines, fmt.Sprintf("scene.render.engine = %q", engine))
	}
	if o.Samples > 0 {
		lines = append(lines,
			"if scene.render.engine == 'CYCLES':",
			fmt.Sprintf("    scene.cycles.samples = %d", o.Samples),
			"elif hasattr(scene, 'eevee'):",
			fmt.Sprintf("    scene.eevee.taa_render_samples = %d", o.Samples),
		)
	}
	if o.ResolutionX > 0 {
		lines = append(lines, fmt.Sprintf("scene.render.resolution_x = %d", o.ResolutionX))
	}
	if o.ResolutionY > 0 {
		lines = append(lines, fmt.Sprintf("scene.render.resolution_y = %d", o.ResolutionY))
	}
	if o.ResolutionX > 0 || o.ResolutionY > 0 {
		lines = append(lines, "scene.render.resolution_percentage = 100")
	}
	if o.Format != "" {
		lines = append(lines, fmt.Sprintf("scene.render.image_settings.file_format = %q", strings.ToUpper(o.Format)))
	}
	if o.Quality > 0 {
		lines = append(lines, fmt.Sprintf("scene.render.image_settings.quality = %d", o.Quality))
	}
	if o.Threads > 0 {
		lines = append(lines,
			"scene.render.threads_mode = 'FIXED'",
			fmt.Sprintf("scene.render.threads = %d", o.Threads),
		)
	}
	if o.GPU {
		lines = append(lines,
			"prefs = bpy.context.preferences.addons['cycles'].preferences",
			"for kind in ('OPTIX', 'CUDA', 'HIP', 'METAL', 'ONEAPI'):",
			"    try:",
			"        prefs.compute_device_type = kind",
			"        break",
			"    except TypeError:",
			"        pass",
			"prefs.get_devices()",
			"for device in prefs.devices:",
			"    device.use = True",
			"scene.cycles.device = 'GPU'",
		)
	}
	return strings.Join(lines, "\n")
}
