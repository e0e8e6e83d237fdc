package botconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Command 单条机器人命令
type Command struct {
	Keyword     string `json:"command"`
	Description string `json:"description"`
}

// Commands 有序的命令表，保持配置文件中的声明顺序
type Commands []Command

// NormalizeKeyword 去掉开头的 "/"，大小写敏感
func NormalizeKeyword(keyword string) string {
	return strings.TrimPrefix(keyword, "/")
}

// Normalized 返回去掉 "/" 前缀后的命令列表（推送到平台的格式）
func (c Commands) Normalized() Commands {
	if c == nil {
		return nil
	}
	out := make(Commands, 0, len(c))
	for _, cmd := range c {
		out = append(out, Command{Keyword: NormalizeKeyword(cmd.Keyword), Description: cmd.Description})
	}
	return out
}

// Equal 按多重集比较两组命令：(规范化 keyword, description) 计数相同即相等，顺序无关
func (c Commands) Equal(other Commands) bool {
	if len(c) != len(other) {
		return false
	}
	counts := make(map[Command]int, len(c))
	for _, cmd := range c.Normalized() {
		counts[cmd]++
	}
	for _, cmd := range other.Normalized() {
		counts[cmd]--
		if counts[cmd] < 0 {
			return false
		}
	}
	return true
}

// UnmarshalJSON 从 JSON 对象解析命令表，保留 key 顺序。
// 规范化后相同的 key（"/help" 与 "help"）视为重复：以后出现的描述为准，
// 位置和写法保持第一次出现时的样子。
func (c *Commands) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("commands must be an object of keyword -> description")
	}

	out := Commands{}
	index := map[string]int{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		var desc string
		if err := dec.Decode(&desc); err != nil {
			return fmt.Errorf("command %q: description must be a string", key)
		}
		if strings.TrimSpace(NormalizeKeyword(key)) == "" {
			return fmt.Errorf("command keyword is empty")
		}
		norm := NormalizeKeyword(key)
		if i, ok := index[norm]; ok {
			out[i].Description = desc
			continue
		}
		index[norm] = len(out)
		out = append(out, Command{Keyword: key, Description: desc})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*c = out
	return nil
}

// MarshalJSON 按顺序输出为 JSON 对象
func (c Commands) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, cmd := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(cmd.Keyword)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(cmd.Description)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
