package logging

import (
	"context"
	"net/url"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

type Option func(*zap.Config)

func WithLogLevel(level string) Option {
	return func(c *zap.Config) {
		ll := zapcore.InfoLevel
		_ = ll.Set(level)
		c.Level.SetLevel(ll)
	}
}

func WithLogFormat(format string) Option {
	return func(c *zap.Config) {
		switch format {
		case LogFormatJSON, LogFormatConsole:
			c.Encoding = format
		default:
			c.Encoding = LogFormatJSON
		}
	}
}

const rotateScheme = "rotate"

// WithOutputPaths routes file paths through the rotating sink. "stdout" and
// "stderr" pass through untouched.
func WithOutputPaths(paths []string) Option {
	return func(c *zap.Config) {
		p := make([]string, 0, len(paths))
		for _, path := range paths {
			switch path {
			case "stdout", "stderr":
				p = append(p, path)
			default:
				u := &url.URL{Scheme: rotateScheme, Path: path}
				p = append(p, u.String())
			}
		}
		c.OutputPaths = p
	}
}

type rotateSink struct {
	*lumberjack.Logger
}

func (s *rotateSink) Sync() error {
	return nil
}

type sinkRegistry struct {
	sync.Map
}

func (r *sinkRegistry) Register(path string) (zap.Sink, error) {
	if sink, ok := r.Load(path); ok {
		return sink.(zap.Sink), nil
	}

	sink := &rotateSink{Logger: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 10,
	}}
	r.Store(path, sink)
	return sink, nil
}

var registry = &sinkRegistry{}

func init() {
	err := zap.RegisterSink(rotateScheme, func(u *url.URL) (zap.Sink, error) {
		return registry.Register(u.Path)
	})
	if err != nil {
		panic(err)
	}
}

// Init creates a new zap logger and attaches it to the provided context.
func Init(ctx context.Context, opts ...Option) (context.Context, error) {
	zc := zap.NewProductionConfig()
	zc.Sampling = nil
	zc.DisableStacktrace = true

	for _, opt := range opts {
		opt(&zc)
	}

	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(l)

	l.Debug("logger created", zap.String("log_level", zc.Level.String()))

	return ctxzap.ToContext(ctx, l), nil
}
