package runner

import (
	"io/fs"
	"path/filepath"
	"time"
)

// latestMtime walks root and returns the newest modification time seen.
// Unreadable entries are skipped; an agent may hold files open or
// delete them mid-walk.
func latestMtime(root string) time.Time {
	var latest time.Time
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	return latest
}

// activityWatch signals done when the workspace sees no file
// modification for the window. It is independent of the per-action
// deadline: a run producing steady output can use its full deadline,
// while a hung one is cut off early.
type activityWatch struct {
	root   string
	window time.Duration
	stop   chan struct{}
	// Hung fires at most once.
	Hung chan struct{}
}

func newActivityWatch(root string, window time.Duration) *activityWatch {
	w := &activityWatch{
		root:   root,
		window: window,
		stop:   make(chan struct{}),
		Hung:   make(chan struct{}, 1),
	}
	go w.loop()
	return w
}

func (w *activityWatch) loop() {
	interval := w.window / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			last := latestMtime(w.root)
			if last.IsZero() {
				last = start
			}
			if time.Since(last) > w.window {
				select {
				case w.Hung <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

func (w *activityWatch) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}
