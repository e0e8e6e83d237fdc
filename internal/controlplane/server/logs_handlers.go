package server

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// 合并日志里每行带 "[name] " 前缀，按 bot 过滤
func linePrefix(name string) string {
	return "[" + name + "] "
}

func (s *Server) handleBotLogsTail(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "name")
	if _, ok := s.cfg.Supervisor.StatusOf(name); !ok {
		writeError(w, 404, "bot not found")
		return
	}

	tailN := queryInt(r, "tail", 200, 5000)
	lines, err := tailLines(s.cfg.WorkerLog, linePrefix(name), tailN, 1024*1024)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, 200, map[string]any{"bot": name, "lines": []string{}})
			return
		}
		writeError(w, 500, fmt.Sprintf("read log: %v", err))
		return
	}
	writeJSON(w, 200, map[string]any{"bot": name, "lines": lines})
}

func (s *Server) handleBotLogsStream(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "name")
	if _, ok := s.cfg.Supervisor.StatusOf(name); !ok {
		writeError(w, 404, "bot not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")

	// 打开日志文件并 seek 到末尾，后续轮询读取追加内容
	f, err := os.Open(s.cfg.WorkerLog)
	if err != nil {
		fmt.Fprintf(w, "event: info\ndata: log file not found yet\n\n")
		flusher.Flush()
		<-r.Context().Done()
		return
	}
	defer f.Close()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		writeError(w, 500, fmt.Sprintf("seek log: %v", err))
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	prefix := linePrefix(name)
	notify := r.Context().Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	buf := make([]byte, 32*1024)
	var partial strings.Builder

	for {
		select {
		case <-notify:
			return
		case <-keepAlive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-ticker.C:
			n, err := f.Read(buf)
			if n > 0 {
				partial.Write(buf[:n])
				rest := partial.String()
				sent := false
				for {
					idx := strings.IndexByte(rest, '\n')
					if idx < 0 {
						break
					}
					line := strings.TrimRight(rest[:idx], "\r")
					rest = rest[idx+1:]
					if strings.HasPrefix(line, prefix) {
						// SSE 一行一个 data
						fmt.Fprintf(w, "data: %s\n\n", escapeSSE(line))
						sent = true
					}
				}
				partial.Reset()
				partial.WriteString(rest)
				if sent {
					flusher.Flush()
				}
			}
			if err != nil && err != io.EOF {
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", escapeSSE(err.Error()))
				flusher.Flush()
				return
			}
		}
	}
}

// tailLines 从文件末尾最多读取 maxBytes，取带 prefix 的最后 n 行。
func tailLines(path, prefix string, n int, maxBytes int64) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size <= 0 {
		return []string{}, nil
	}

	start := int64(0)
	if size > maxBytes {
		start = size - maxBytes
	}
	// 从 start-1 开始读，借此判断第一行是否被截断
	skipFirst := false
	if start > 0 {
		start--
		skipFirst = true
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}

	r := bufio.NewReader(f)
	if skipFirst {
		// 前一个字节是换行时第一行完整，只消耗这个换行
		if _, err := r.ReadString('\n'); err != nil {
			return []string{}, nil
		}
	}
	lines := []string{}
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" && strings.HasPrefix(line, prefix) {
			lines = append(lines, line)
			if len(lines) > n {
				// 只保留最后 n 行（滑动窗口）
				lines = lines[len(lines)-n:]
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	return lines, nil
}

func escapeSSE(s string) string {
	// 防止注入多行事件：把 CR/LF 变成可见符号
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
