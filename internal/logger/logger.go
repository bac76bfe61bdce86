// Package logger предоставляет логирование с префиксом сервиса и асинхронной записью,
// чтобы не блокировать основное приложение. Поддерживается логирование времени выполнения функций
// и correlation id, переданный через context.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

const asyncBufferSize = 8192

var (
	mu     sync.RWMutex
	base   zerolog.Logger
	prefix string
	out    io.Writer
	once   sync.Once
)

type ctxKey struct{}

func initWorker() {
	// diode не блокирует запись: при переполнении буфера сообщения теряются.
	out = diode.NewWriter(os.Stderr, asyncBufferSize, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(os.Stderr, "logger: dropped %d messages\n", missed)
	})
	base = zerolog.New(out).With().Timestamp().Logger().Level(parseLevel(os.Getenv("LOG_LEVEL")))
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init задаёт уровень логирования; pretty включает человекочитаемый вывод (для -dev).
func Init(level string, pretty bool) {
	once.Do(initWorker)
	mu.Lock()
	defer mu.Unlock()
	var w io.Writer = out
	if pretty {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	base = zerolog.New(w).With().Timestamp().Logger().Level(parseLevel(level))
	if prefix != "" {
		base = base.With().Str("service", prefix).Logger()
	}
}

// SetPrefix задаёт имя сервиса для всех последующих логов (например "api").
func SetPrefix(p string) {
	once.Do(initWorker)
	mu.Lock()
	defer mu.Unlock()
	prefix = p
	base = base.With().Str("service", p).Logger()
}

func get() *zerolog.Logger {
	once.Do(initWorker)
	mu.RLock()
	l := base
	mu.RUnlock()
	return &l
}

// Info пишет сообщение уровня info (асинхронно).
func Info(v ...any) {
	get().Info().Msg(fmt.Sprint(v...))
}

// Infof форматирует и пишет сообщение уровня info.
func Infof(format string, v ...any) {
	get().Info().Msgf(format, v...)
}

// Debugf пишется только при LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	get().Debug().Msgf(format, v...)
}

// Warnf форматирует предупреждение.
func Warnf(format string, v ...any) {
	get().Warn().Msgf(format, v...)
}

// Error пишет ошибку.
func Error(v ...any) {
	get().Error().Msg(fmt.Sprint(v...))
}

// Errorf форматирует ошибку.
func Errorf(format string, v ...any) {
	get().Error().Msgf(format, v...)
}

// WithCorrelationID кладёт correlation id в контекст; Ctx добавляет его в каждую запись.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CorrelationID возвращает correlation id из контекста или "".
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// Ctx возвращает логгер с полем corr_id (если он есть в контексте).
func Ctx(ctx context.Context) *zerolog.Logger {
	l := get()
	if id := CorrelationID(ctx); id != "" {
		cl := l.With().Str("corr_id", id).Logger()
		return &cl
	}
	return l
}

// LogDuration логирует имя функции и время выполнения в миллисекундах.
// При уровне info логирует только вызовы дольше 100ms; при debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	l := get()
	if l.GetLevel() <= zerolog.DebugLevel || elapsed >= 100*time.Millisecond {
		l.Info().Str("fn", fn).Int64("duration_ms", elapsed.Milliseconds()).Msg("timing")
	}
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("HandlerName", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
