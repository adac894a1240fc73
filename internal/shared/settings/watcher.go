package settings

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"liuproxy_rotator/internal/shared/logger"
)

const watchDebounce = 200 * time.Millisecond

// Watcher 监视 settings.json 的外部修改，并在变更后触发 SettingsManager.Reload。
// 编辑器保存时通常产生多个事件，因此使用去抖定时器合并。
type Watcher struct {
	manager *SettingsManager
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher 为给定的 SettingsManager 创建一个文件监视器。
// 监视的是所在目录而不是文件本身：很多编辑器通过 rename 替换文件。
func NewWatcher(manager *SettingsManager) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(manager.FilePath())); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		manager: manager,
		fsw:     fsw,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start 启动监视循环。非阻塞。
func (w *Watcher) Start() {
	go w.loop()
}

// Stop 停止监视循环并释放 fsnotify 资源。
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	defer w.fsw.Close()

	l := logger.WithComponent("Settings/Watcher")
	target := filepath.Clean(w.manager.FilePath())

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				debounce.Reset(watchDebounce)
			}
			debounceCh = debounce.C

		case <-debounceCh:
			debounceCh = nil
			l.Info().Str("path", target).Msg("settings.json changed on disk, reloading.")
			if err := w.manager.Reload(); err != nil {
				l.Error().Err(err).Msg("Failed to reload settings after file change.")
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			l.Warn().Err(err).Msg("Settings watcher error.")

		case <-w.stopCh:
			return
		}
	}
}
