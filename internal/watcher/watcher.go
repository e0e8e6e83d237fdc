// Package watcher 监听配置文件变更，去抖后发出非阻塞信号。
// 信号只是提前触发一次检查，是否真正变更仍以指纹为准。
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce 默认去抖窗口
const DefaultDebounce = 200 * time.Millisecond

// Watcher 监听一组文件所在目录，只关心列出的文件本身。
// 编辑器常用"写临时文件再 rename"的方式保存，直接监听文件会丢事件，所以监听目录。
type Watcher struct {
	fsw      *fsnotify.Watcher
	log      logrus.FieldLogger
	debounce time.Duration

	mu    sync.RWMutex
	files map[string]struct{}

	signal   chan struct{}
	stopOnce sync.Once
}

// New 创建监听器；files 为需要关心的文件路径
func New(files []string, debounce time.Duration, log logrus.FieldLogger) (*Watcher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:      fsw,
		log:      log.WithField("component", "watcher"),
		debounce: debounce,
		files:    make(map[string]struct{}),
		signal:   make(chan struct{}, 1),
	}
	for _, f := range files {
		if err := w.Add(f); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Add 追加一个需要关心的文件
func (w *Watcher) Add(file string) error {
	abs, err := filepath.Abs(file)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)

	w.mu.Lock()
	_, known := w.files[abs]
	w.files[abs] = struct{}{}
	w.mu.Unlock()
	if known {
		return nil
	}
	// 同一目录重复 Add 是幂等的
	return w.fsw.Add(filepath.Dir(abs))
}

// C 变更信号（容量为 1，合并多次通知）
func (w *Watcher) C() <-chan struct{} {
	return w.signal
}

// Run 事件循环，ctx 取消后返回
func (w *Watcher) Run(ctx context.Context) {
	defer w.Close()

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending []string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			pending = append(pending, filepath.Base(ev.Name))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.log.WithField("files", pending).Debug("配置文件有变更")
			pending = nil
			w.emit()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("文件监听出错")
		}
	}
}

// Close 释放底层监听
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
		!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.files[filepath.Clean(ev.Name)]
	return ok
}

// emit 发送信号（非阻塞）
func (w *Watcher) emit() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}
