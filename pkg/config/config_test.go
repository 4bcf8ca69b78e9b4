package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "storyboard", cfg.Storyboard.Mode)
	assert.Equal(t, 1080, cfg.Image.Width)
	assert.Equal(t, 1920, cfg.Image.Height)
	assert.Equal(t, 30, cfg.Image.Steps)
	assert.InDelta(t, 7.5, cfg.Image.Guidance, 1e-9)
	assert.InDelta(t, 0.80, cfg.Pricing.InputPerMillion, 1e-9)
	assert.InDelta(t, 4.00, cfg.Pricing.OutputPerMillion, 1e-9)
	assert.Equal(t, 90*time.Second, cfg.Storyboard.BackendTimeout)
	assert.Equal(t, "cache/storyboard", cfg.Cache.Dir)
	assert.Empty(t, cfg.Cache.Redis.Addr)
	assert.Equal(t, 300*time.Second, cfg.Image.DrawThings.Timeout)
	assert.Greater(t, cfg.Roster().Len(), 0)
	assert.Equal(t, "voices/narrator_neutral.wav", cfg.Voices().For("nobody"))
	assert.True(t, cfg.Database.Enabled)
	assert.Empty(t, cfg.Database.Path)
	assert.Equal(t, "videos", cfg.Paths.VideoDir)
	assert.Equal(t, 1920, cfg.Video.Width)
	assert.Equal(t, "ffmpeg", cfg.Video.FFmpegPath)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storyboard:
  mode: keyword
  backend_timeout: 30s
llm:
  provider: openai
  model: gpt-4o-mini
pricing:
  input_per_million: 0.15
image:
  backend: placeholder
  width: 512
  height: 768
tts:
  voices:
    narrator: voices/n.wav
    Emma: voices/e.wav
characters:
  - name: Nadia
    face: sharp-featured woman in her thirties
    hair: cropped black hair
    clothing: grey field jacket
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "keyword", cfg.Storyboard.Mode)
	assert.Equal(t, 30*time.Second, cfg.Storyboard.BackendTimeout)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.InDelta(t, 0.15, cfg.Pricing.InputPerMillion, 1e-9)
	assert.InDelta(t, 4.00, cfg.Pricing.OutputPerMillion, 1e-9)
	assert.Equal(t, 512, cfg.Image.Width)

	roster := cfg.Roster()
	assert.Equal(t, 1, roster.Len())
	nadia, ok := roster.Lookup("nadia")
	require.True(t, ok)
	assert.Equal(t, "grey field jacket", nadia.Clothing)

	assert.Equal(t, "voices/e.wav", cfg.Voices().For("emma"))
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NOVEL_LLM_MODEL", "llama3")
	t.Setenv("NOVEL_SERVER_ADDR", ":9090")

	cfg, err := Load(filepath.Join("testdata", "does-not-matter.yaml"))
	assert.Error(t, err)
	assert.Nil(t, cfg)

	cfg = Default()
	assert.Equal(t, "llama3", cfg.LLM.Model)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storyboard:\n  mode: vibes\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("image:\n  width: 1000\n  height: 1001\n"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}
