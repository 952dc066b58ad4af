// Package freespace 在挂载点可用空间过低时发出警告
package freespace

import (
	"context"
	"os/exec"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Hara602/deviceNotifier/internal/actions"
	"github.com/Hara602/deviceNotifier/pkg/logging"
)

// Warning 是一条低空间警告
type Warning struct {
	ID           uuid.UUID
	Name         string
	Path         string
	AvailMiB     int64
	AvailPercent int
	Text         string
	// ActionText 是警告上“打开”按钮的文字
	ActionText string
}

// Notifier 负责展示警告，Show 之后可能多次 Update，最后 Close
type Notifier interface {
	Show(w Warning)
	Update(w Warning)
	Close(id uuid.UUID)
}

// LogNotifier 把警告写入日志
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logging.Named("freespace")}
}

func (n *LogNotifier) Show(w Warning) {
	n.log.Warn(w.Text,
		zap.Stringer("id", w.ID),
		zap.String("name", w.Name),
		zap.String("path", w.Path),
		zap.Int64("avail_mib", w.AvailMiB),
		zap.Int("avail_percent", w.AvailPercent),
		zap.String("action", w.ActionText))
}

func (n *LogNotifier) Update(w Warning) {
	n.log.Debug("warning updated", zap.Stringer("id", w.ID), zap.String("text", w.Text))
}

func (n *LogNotifier) Close(id uuid.UUID) {
	n.log.Info("warning closed", zap.Stringer("id", id))
}

// Explorer 打开警告对应的路径，查看空间被什么占用
type Explorer struct {
	Text string
	Open actions.Opener
}

// DefaultExplorer 安装了 Filelight 时用它打开，否则交给文件管理器
func DefaultExplorer() Explorer {
	bin, err := exec.LookPath("filelight")
	if err != nil {
		return Explorer{Text: "Open in File Manager", Open: actions.XDGOpen}
	}
	return Explorer{
		Text: "Open in Filelight",
		Open: func(ctx context.Context, path string) error {
			return exec.CommandContext(ctx, bin, path).Start()
		},
	}
}
