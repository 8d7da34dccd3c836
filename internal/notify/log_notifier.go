package notify

import (
	"context"
	"log/slog"
)

// LogNotifier はメールを送らず構造化ログに記録するだけのNotifier。
// SMTPが無効な環境（開発・シミュレーション）で使用する。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Send は通知内容をログに出力し、常に成功を返す。
func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	n.logger.InfoContext(ctx, "notification (delivery disabled)",
		slog.String("kind", string(msg.Kind)),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
	)
	return nil
}
