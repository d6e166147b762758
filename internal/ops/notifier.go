package ops

import "log/slog"

// Notifier receives user-facing operation outcomes. The UI surface plugs
// in its toast implementation; the default logs.
type Notifier interface {
	Success(msg string)
	Warning(msg string)
	Error(msg string)
}

// LogNotifier routes outcome notifications to structured logging.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

func (n *LogNotifier) Success(msg string) { n.logger().Info("operation succeeded", slog.String("message", msg)) }
func (n *LogNotifier) Warning(msg string) { n.logger().Warn("operation warning", slog.String("message", msg)) }
func (n *LogNotifier) Error(msg string)   { n.logger().Error("operation failed", slog.String("message", msg)) }
