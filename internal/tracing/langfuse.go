// Package tracing wires Langfuse into Eino's callback system so analysis
// calls and ask-agent runs are traced when credentials are configured.
package tracing

import (
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// defaultHost is a local Langfuse deployment.
const defaultHost = "http://localhost:3000"

// Config holds Langfuse settings.
type Config struct {
	Host      string
	PublicKey string
	SecretKey string
	// Name tags every trace, e.g. "ragkit-ask".
	Name string
	// Release tags every trace with the binary version.
	Release string
}

// ConfigFromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY.
func ConfigFromEnv() Config {
	return Config{
		Host:      os.Getenv("LANGFUSE_HOST"),
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	}
}

// Enabled reports whether both keys are present.
func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.SecretKey != ""
}

// Setup builds the Langfuse callback handler. It returns ok == false, and nil
// handler and flush, when cfg is not enabled. flush must be called before
// process exit so buffered traces are sent.
func Setup(cfg Config) (handler callbacks.Handler, flush func(), ok bool) {
	if !cfg.Enabled() {
		return nil, nil, false
	}
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}

	handler, flush = langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      cfg.Host,
		PublicKey: cfg.PublicKey,
		SecretKey: cfg.SecretKey,
		Name:      cfg.Name,
		Release:   cfg.Release,
	})
	return handler, flush, true
}

// Install registers the handler globally so every Eino component run in the
// process is traced. It returns a flush func, which is a no-op when tracing
// is disabled.
func Install(cfg Config) func() {
	handler, flush, ok := Setup(cfg)
	if !ok {
		return func() {}
	}
	callbacks.AppendGlobalHandlers(handler)
	return flush
}
