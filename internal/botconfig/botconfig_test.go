package botconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

const sampleConfig = `{
  "bot_token": "123:abc",
  "bot_name": "WillWay",
  "description": "Long text",
  "about_text": "Short text",
  "commands": {"/start": "Start", "help": "Help", "/menu": "Menu"},
  "botpic_url": "pic.jpg",
  "unknown_key": 42
}`

// TestLoad 测试正常加载及字段映射
func TestLoad(t *testing.T) {
	p := writeFile(t, t.TempDir(), "main_bot.json", sampleConfig)

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "main_bot", cfg.Name)
	assert.Equal(t, "123:abc", cfg.Token)
	assert.Equal(t, "WillWay", cfg.DisplayName)
	assert.Equal(t, "Long text", cfg.LongDescription)
	assert.Equal(t, "Short text", cfg.ShortDescription)
	assert.Equal(t, "pic.jpg", cfg.AvatarPath)
	assert.Equal(t, Commands{
		{Keyword: "/start", Description: "Start"},
		{Keyword: "help", Description: "Help"},
		{Keyword: "/menu", Description: "Menu"},
	}, cfg.Commands)
}

// TestLoadPrefersAbsoluteAvatarPath 测试 botpic_absolute_path 优先
func TestLoadPrefersAbsoluteAvatarPath(t *testing.T) {
	p := writeFile(t, t.TempDir(), "b.json", `{"bot_token":"t","botpic_url":"rel.jpg","botpic_absolute_path":"/abs/pic.jpg"}`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/abs/pic.jpg", cfg.AvatarPath)
	assert.Nil(t, cfg.Commands)
}

// TestLoadInvalid 测试各种非法配置
func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "absent.json")},
		{"malformed json", writeFile(t, dir, "bad.json", `{"bot_token": "t",`)},
		{"missing token", writeFile(t, dir, "notoken.json", `{"bot_name": "x"}`)},
		{"blank token", writeFile(t, dir, "blank.json", `{"bot_token": "  "}`)},
		{"commands not object", writeFile(t, dir, "cmdarr.json", `{"bot_token":"t","commands":["start"]}`)},
		{"command description not string", writeFile(t, dir, "cmdnum.json", `{"bot_token":"t","commands":{"start":1}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

type mapResolver map[string]string

func (m mapResolver) ResolveToken(ref string) (string, error) {
	if v, ok := m[ref]; ok {
		return v, nil
	}
	return "", errors.New("unknown secret")
}

// TestLoaderResolvesToken 测试 token 引用解析
func TestLoaderResolvesToken(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "b.json", `{"bot_token":"secret:main"}`)

	cfg, err := Loader{Resolver: mapResolver{"secret:main": "999:real"}}.Load(p)
	require.NoError(t, err)
	assert.Equal(t, "999:real", cfg.Token)

	_, err = Loader{Resolver: mapResolver{}}.Load(p)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// TestFingerprintStable 测试内容不变指纹不变，内容变化指纹变化
func TestFingerprintStable(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "b.json", sampleConfig)

	h1, err := Fingerprint(p)
	require.NoError(t, err)
	h2, err := Fingerprint(p)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	changed, h := HasChanged(p, h1)
	assert.False(t, changed)
	assert.Equal(t, h1, h)

	writeFile(t, dir, "b.json", sampleConfig+"\n")
	changed, h = HasChanged(p, h1)
	assert.True(t, changed)
	assert.NotEqual(t, h1, h)
}

// TestHasChangedIOError 测试读取失败时保持旧指纹
func TestHasChangedIOError(t *testing.T) {
	changed, h := HasChanged(filepath.Join(t.TempDir(), "gone.json"), "old")
	assert.False(t, changed)
	assert.Equal(t, "old", h)
}

// TestValidateFile 测试 JSON 预检
func TestValidateFile(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, ValidateFile(writeFile(t, dir, "ok.json", `{"a":1}`)))
	assert.ErrorIs(t, ValidateFile(writeFile(t, dir, "bad.json", `{`)), ErrInvalidConfig)
	assert.ErrorIs(t, ValidateFile(filepath.Join(dir, "none.json")), ErrInvalidConfig)
}

// TestCommandsEqual 测试命令多重集比较
func TestCommandsEqual(t *testing.T) {
	a := Commands{{"/start", "Start"}, {"help", "Help"}}
	tests := []struct {
		name  string
		other Commands
		want  bool
	}{
		{"same order and slash stripped", Commands{{"start", "Start"}, {"help", "Help"}}, true},
		{"different order", Commands{{"help", "Help"}, {"start", "Start"}}, true},
		{"different description", Commands{{"start", "Begin"}, {"help", "Help"}}, false},
		{"case sensitive", Commands{{"Start", "Start"}, {"help", "Help"}}, false},
		{"missing entry", Commands{{"start", "Start"}}, false},
		{"duplicate instead of distinct", Commands{{"start", "Start"}, {"start", "Start"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Equal(tt.other))
		})
	}
}

// TestCommandsDuplicateKeys 测试重复 key 保留首次位置、使用最后的描述
func TestCommandsDuplicateKeys(t *testing.T) {
	var c Commands
	require.NoError(t, c.UnmarshalJSON([]byte(`{"a":"1","b":"2","a":"3"}`)))
	assert.Equal(t, Commands{{"a", "3"}, {"b", "2"}}, c)

	out, err := c.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"3","b":"2"}`, string(out))
}

// TestCommandsDuplicateAfterNormalize 测试 "/help" 与 "help" 合并为一条
func TestCommandsDuplicateAfterNormalize(t *testing.T) {
	var c Commands
	require.NoError(t, c.UnmarshalJSON([]byte(`{"/help":"H","/start":"S","help":"H2"}`)))
	assert.Equal(t, Commands{{"/help", "H2"}, {"/start", "S"}}, c)
	assert.True(t, c.Equal(Commands{{"start", "S"}, {"help", "H2"}}))
}

// TestNormalizeKeyword 测试只去掉一个前导 "/"
func TestNormalizeKeyword(t *testing.T) {
	assert.Equal(t, "start", NormalizeKeyword("/start"))
	assert.Equal(t, "start", NormalizeKeyword("start"))
	assert.Equal(t, "/start", NormalizeKeyword("//start"))
}
