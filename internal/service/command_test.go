package service_test

import (
	"strings"
	"testing"

	"github.com/CZERTAINLY/renderq/internal/model"
	"github.com/CZERTAINLY/renderq/internal/service"
	"github.com/stretchr/testify/require"
)

func TestBlenderArgs(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    model.JobSpec
		then     []string
	}{
		{
			scenario: "no range",
			given:    model.JobSpec{InputFile: "scene.blend", OutputTarget: "//out/still"},
			then:     []string{"-b", "scene.blend", "-o", "//out/still", "-f", "+0"},
		},
		{
			scenario: "single frame",
			given: model.JobSpec{
				InputFile:    "scene.blend",
				OutputTarget: "//out/still",
				FrameRange:   &model.FrameRange{Start: 7, End: 7},
			},
			then: []string{"-b", "scene.blend", "-o", "//out/still", "-f", "7"},
		},
		{
			scenario: "range adds placeholder",
			given: model.JobSpec{
				InputFile:    "scene.blend",
				OutputTarget: "//out/frame",
				FrameRange:   &model.FrameRange{Start: 1, End: 10},
			},
			then: []string{"-b", "scene.blend", "-o", "//out/frame_####", "-s", "1", "-e", "10", "-a"},
		},
		{
			scenario: "range keeps placeholder",
			given: model.JobSpec{
				InputFile:    "scene.blend",
				OutputTarget: "/tmp/f_##.png",
				FrameRange:   &model.FrameRange{Start: 3, End: 4},
			},
			then: []string{"-b", "scene.blend", "-o", "/tmp/f_##.png", "-s", "3", "-e", "4", "-a"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, service.BlenderArgs(tc.given))
		})
	}
}

func TestBlenderArgsSettings(t *testing.T) {
	t.Parallel()
	spec := model.JobSpec{
		InputFile:    "scene.blend",
		OutputTarget: "//out/",
		FrameRange:   &model.FrameRange{Start: 1, End: 2},
		Options: model.RenderOptions{
			Engine:      model.EngineCycles,
			Samples:     64,
			ResolutionX: 1920,
			ResolutionY: 1080,
			Format:      model.FormatJPEG,
			Quality:     90,
			Threads:     8,
			GPU:         true,
		},
	}
	cmd := service.BlenderCommand("/usr/bin/blender", spec)
	require.Equal(t, "/usr/bin/blender", cmd.Path)
	args := cmd.Args
	require.Equal(t, []string{"-b", "scene.blend", "--python-expr"}, args[:3])
	require.Equal(t, []string{"-o", "//out/####", "-s", "1", "-e", "2", "-a"}, args[4:])

	script := args[3]
	for _, expected := range []string{
		`scene.render.engine = "CYCLES"`,
		"scene.cycles.samples = 64",
		"scene.render.resolution_x = 1920",
		"scene.render.resolution_y = 1080",
		`scene.render.image_settings.file_format = "JPEG"`,
		"scene.render.image_settings.quality = 90",
		"scene.render.threads = 8",
		"scene.cycles.device = 'GPU'",
	} {
		require.Contains(t, script, expected)
	}
	require.True(t, strings.HasPrefix(script, "import bpy\n"))
}

func TestSettingsScriptDefault(t *testing.T) {
	t.Parallel()
	require.Empty(t, service.SettingsScript(model.RenderOptions{}))
	script := service.SettingsScript(model.RenderOptions{Threads: 2})
	require.NotContains(t, script, "render.engine")
	require.Contains(t, script, "threads_mode = 'FIXED'")
}
