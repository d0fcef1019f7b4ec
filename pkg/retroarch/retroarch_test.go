package retroarch

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, cfgContents string) string {
	oldFs := fs
	oldExpand := homedirExpand
	fs = afero.NewMemMapFs()
	homedirExpand = func(path string) (string, error) {
		return strings.Replace(path, "~", "/home/deck", 1), nil
	}
	t.Cleanup(func() {
		fs = oldFs
		homedirExpand = oldExpand
	})

	path := filepath.Join("/home/deck/.config/retroarch", "retroarch.cfg")
	if cfgContents != "" {
		require.NoError(t, afero.WriteFile(fs, path, []byte(cfgContents), 0644))
	}
	return path
}

func warningTypes(warnings []Warning) []WarningType {
	var types []WarningType
	for _, warning := range warnings {
		types = append(types, warning.Type)
	}
	return types
}

func TestCheckNoInstallation(t *testing.T) {
	setup(t, "")
	assert.Empty(t, Check())
}

func TestCheckAllGood(t *testing.T) {
	setup(t, `network_cmd_enable = "true"
network_cmd_port = "55355"
savestate_thumbnail_enable = "true"
`)
	assert.Empty(t, Check())
}

func TestCheckDisabledSettings(t *testing.T) {
	setup(t, `network_cmd_enable = "false"
savestate_thumbnail_enable = "false"
`)
	warnings := Check()
	assert.ElementsMatch(t,
		[]WarningType{WarningNetworkCommands, WarningSavestateThumbnails},
		warningTypes(warnings))
}

func TestCheckWrongPort(t *testing.T) {
	setup(t, `network_cmd_enable = "true"
network_cmd_port = "12345"
savestate_thumbnail_enable = "true"
`)
	warnings := Check()
	require.Len(t, warnings, 1)
	assert.Equal(t, WarningNetworkCommands, warnings[0].Type)
	assert.Contains(t, warnings[0].Message, "12345")
}

func TestEnableSettingRewritesExistingLines(t *testing.T) {
	path := setup(t, `video_driver = "gl"
network_cmd_enable = "false"
network_cmd_port = "12345"
savestate_thumbnail_enable = "true"
`)

	_, err := EnableSetting(WarningNetworkCommands)
	require.NoError(t, err)

	contents, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), `network_cmd_enable = "true"`)
	assert.Contains(t, string(contents), `network_cmd_port = "55355"`)
	// Unrelated lines are untouched.
	assert.Contains(t, string(contents), `video_driver = "gl"`)
	assert.NotContains(t, string(contents), "12345")
	assert.Empty(t, Check())
}

func TestEnableSettingAppendsMissingLines(t *testing.T) {
	path := setup(t, `video_driver = "gl"
`)

	_, err := EnableSetting(WarningSavestateThumbnails)
	require.NoError(t, err)

	contents, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), `savestate_thumbnail_enable = "true"`)
}

func TestEnableSettingUnknownType(t *testing.T) {
	setup(t, `video_driver = "gl"`)
	_, err := EnableSetting("rumble")
	require.Error(t, err)
}

func TestEnableSettingNoInstallation(t *testing.T) {
	setup(t, "")
	_, err := EnableSetting(WarningNetworkCommands)
	require.Error(t, err)
}
