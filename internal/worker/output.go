package worker

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// lockedWriter 多个 worker 共用同一个合并日志时串行化写入
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lockedWriter) Close() error {
	if l.c == nil {
		return nil
	}
	return l.c.Close()
}

// OpenCombinedLog 打开（追加）所有 worker 共用的输出日志
func OpenCombinedLog(path string) (io.WriteCloser, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &lockedWriter{w: f, c: f}, nil
}

// SyncWriter 给任意 writer 加锁
func SyncWriter(w io.Writer) io.Writer {
	return &lockedWriter{w: w}
}

// maxLineBytes 单行缓冲上限，超过后不等换行先输出
const maxLineBytes = 64 << 10

// prefixWriter 按行加 "[name] " 前缀，整行一次写出。
// 没有换行的超长输出按 maxLineBytes 切成多行。
type prefixWriter struct {
	prefix []byte
	out    io.Writer
	mu     sync.Mutex
	buf    []byte
}

func newPrefixWriter(out io.Writer, name string) *prefixWriter {
	return &prefixWriter{prefix: []byte("[" + name + "] "), out: out}
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, b...)
	for {
		var line []byte
		consumed := 0
		if i := bytes.IndexByte(p.buf, '\n'); i >= 0 && i < maxLineBytes {
			consumed = i + 1
			line = p.buf[:consumed]
		} else if len(p.buf) >= maxLineBytes {
			consumed = maxLineBytes
			line = append(append([]byte{}, p.buf[:consumed]...), '\n')
		} else {
			break
		}
		err := p.emit(line)
		p.buf = p.buf[consumed:]
		if err != nil {
			return len(b), err
		}
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return len(b), nil
}

// emit 写出一行（line 需以换行结尾）
func (p *prefixWriter) emit(line []byte) error {
	out := make([]byte, 0, len(p.prefix)+len(line))
	out = append(out, p.prefix...)
	out = append(out, line...)
	_, err := p.out.Write(out)
	return err
}

// Flush 输出不以换行结尾的残留内容
func (p *prefixWriter) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return
	}
	line := append(append([]byte{}, p.buf...), '\n')
	p.buf = nil
	_ = p.emit(line)
}
