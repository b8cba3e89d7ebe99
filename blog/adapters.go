// This file points the loggers of libraries we depend on at our own logger.
package blog

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
)

// InitAdapters routes the mysql driver, go-redis and the stdlib log package
// through logger.
func InitAdapters(logger *slog.Logger) {
	_ = mysql.SetLogger(mysqlLogger{logger})
	redis.SetLogger(redisLogger{logger})
	log.SetFlags(0)
	log.SetOutput(logWriter{logger})
}

// mysqlLogger implements the mysql.Logger interface.
type mysqlLogger struct {
	*slog.Logger
}

func (l mysqlLogger) Print(v ...any) {
	l.Error(fmt.Sprintf("[mysql] %s", fmt.Sprint(v...)))
}

// redisLogger implements the go-redis internal.Logging interface.
type redisLogger struct {
	*slog.Logger
}

func (l redisLogger) Printf(ctx context.Context, format string, v ...any) {
	l.Info(fmt.Sprintf("[redis] "+format, v...))
}

// logWriter implements io.Writer for the stdlib log package.
type logWriter struct {
	*slog.Logger
}

func (lw logWriter) Write(p []byte) (int, error) {
	lw.Info(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
