package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"rpcsession/internal/adapter/journal"
	"rpcsession/internal/adapter/schema"
	"rpcsession/internal/domain"
	"rpcsession/internal/infra/config"
	"rpcsession/internal/infra/logger"
	"rpcsession/internal/infra/tracer"
	"rpcsession/internal/usecase/session"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
		return
	case "serve":
		err = runServe()
	case "stdio":
		err = runStdio()
	case "call":
		err = runCall(os.Args[2:])
	case "notify":
		err = runNotify(os.Args[2:])
	case "journal":
		err = runJournal(os.Args[2:])
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'rpcsession --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`rpcsession - bidirectional JSON-RPC sessions

USAGE:
    rpcsession <COMMAND> [FLAGS]

COMMANDS:
    serve                       Run the WebSocket gateway
    stdio                       Serve one session over stdin/stdout
    call <method> [params]      Send a request to a gateway and print the result
    notify <method> [params]    Send a notification to a gateway
    journal                     List journaled envelopes
    encrypt <value>             Encrypt a secret for use in the config file

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./rpcsession.yaml)
    --url URL          Gateway URL for call/notify
    --token TOKEN      Gateway token for call/notify
    --timeout DUR      Response timeout for call
    --repeat N         Send the call N times (call)
    --session ID       Filter journal by session
    --method NAME      Filter journal by method
    --limit N          Maximum journal entries

CONFIGURATION:
    Config file: ./rpcsession.yaml or ./rpcsession.toml
    Environment: RPCSESSION_* variables override config
    Secrets:     "enc:" values are decrypted with RPCSESSION_CONFIG_KEY`)
}

// cliArgs holds --flag values and positional arguments.
type cliArgs struct {
	flags      map[string]string
	positional []string
}

// parseArgs accepts "--name value" and "--name=value". Everything else is
// positional.
func parseArgs(args []string) cliArgs {
	a := cliArgs{flags: make(map[string]string)}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") || arg == "--" {
			a.positional = append(a.positional, arg)
			continue
		}
		name := strings.TrimPrefix(arg, "--")
		if k, v, ok := strings.Cut(name, "="); ok {
			a.flags[k] = v
			continue
		}
		if i+1 < len(args) {
			a.flags[name] = args[i+1]
			i++
		} else {
			a.flags[name] = ""
		}
	}
	return a
}

func (a cliArgs) get(name, def string) string {
	if v, ok := a.flags[name]; ok && v != "" {
		return v
	}
	return def
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("RPCSESSION_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("rpcsession.toml"); err == nil {
		return "rpcsession.toml"
	}
	return "rpcsession.yaml"
}

// app holds what every command needs after startup.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	closer func()
}

// bootstrap loads config and sets up logging and tracing. stdio keeps
// stdout free for the protocol.
func bootstrap(stdio bool) (*app, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}

	newLogger := logger.New
	if stdio {
		newLogger = logger.NewForStdio
	}
	log, logCloser, err := newLogger(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(context.Background(), cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	return &app{
		cfg: cfg,
		log: log,
		closer: func() {
			tracerShutdown(context.Background())
			logCloser()
		},
	}, nil
}

// sessionOptions builds the options shared by every session this process
// creates.
func sessionOptions(cfg *config.Config) ([]session.Option, error) {
	opts := []session.Option{session.WithReadTimeout(cfg.Session.ReadTimeout)}
	if len(cfg.Schemas) > 0 {
		reg := schema.NewRegistry()
		if err := reg.Load(cfg.Schemas); err != nil {
			return nil, fmt.Errorf("schemas: %w", err)
		}
		opts = append(opts, session.WithValidator(reg))
	}
	if cfg.Tracer.Enabled {
		opts = append(opts, session.WithPropagator(tracer.NewPropagator()))
	}
	return opts, nil
}

// newMux returns the handler served by serve and stdio.
func newMux(cfg *config.Config, log *slog.Logger) *session.Mux {
	mux := session.NewMux(log)
	mux.PassUnknown(cfg.Session.PassUnknown)
	mux.HandleRequest("echo", func(_ context.Context, req *domain.Request) (any, error) {
		if len(req.Params) == 0 || string(req.Params) == "null" {
			return struct{}{}, nil
		}
		return stripMeta(req.Params)
	})
	return mux
}

// stripMeta drops the reserved _meta field so echo returns what the caller
// meant to send.
func stripMeta(params json.RawMessage) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(params, &obj); err != nil {
		// Not an object; echo as-is.
		return params, nil
	}
	if _, ok := obj[domain.MetaKey]; !ok {
		return params, nil
	}
	delete(obj, domain.MetaKey)
	return json.Marshal(obj)
}

func openJournal(path string) (*journal.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return journal.Open(path)
}
