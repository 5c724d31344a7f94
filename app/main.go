package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/jobsrv/app/store"
	"github.com/umputun/jobsrv/app/web"
)

var opts struct {
	Listen     string  `short:"l" long:"listen" env:"LISTEN" default:":5000" description:"listen address"`
	DataFile   string  `short:"d" long:"data" env:"DATA_FILE" default:"data/jobs.json" description:"jobs JSON document"`
	Strict     bool    `long:"strict" env:"STRICT" description:"fail on unreadable jobs document instead of treating it as empty"`
	BaseURL    string  `long:"base-url" env:"BASE_URL" description:"base URL path for reverse proxy (e.g., /jobsrv)"`
	CORSOrigin string  `long:"cors-origin" env:"CORS_ORIGIN" default:"*" description:"allowed CORS origin, empty to disable"`
	WriteLimit float64 `long:"write-limit" env:"WRITE_LIMIT" default:"10" description:"max write requests per second per client, 0 to disable"`
	MaxBody    int64   `long:"max-body" env:"MAX_BODY" default:"102400" description:"max request body size in bytes"`
	Dbg        bool    `long:"dbg" env:"DEBUG" description:"debug mode"`

	Store struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times to try writing the document"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"100ms" description:"initial retry delay"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"2" description:"backoff factor"`
	} `group:"store" namespace:"store" env-namespace:"STORE"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"logs/jobsrv.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in MB"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("jobsrv %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogger(setupLogs(), opts.Dbg)

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	storeOpts := []store.Option{store.Strict(opts.Strict)}
	if opts.Store.Attempts > 1 {
		storeOpts = append(storeOpts, store.WithRepeater(repeater.New(&strategy.Backoff{
			Repeats: opts.Store.Attempts, Duration: opts.Store.Duration, Factor: opts.Store.Factor, Jitter: true})))
	}

	srv, err := web.New(web.Config{
		Store:       store.NewJSON(opts.DataFile, storeOpts...),
		Version:     revision,
		BaseURL:     validateBaseURL(opts.BaseURL),
		CORSOrigin:  opts.CORSOrigin,
		WriteLimit:  opts.WriteLimit,
		MaxBodySize: opts.MaxBody,
	})
	if err != nil {
		return fmt.Errorf("failed to make web server: %w", err)
	}
	return srv.Run(ctx, opts.Listen)
}

// setupLogs returns log destination, rotated file if logging to file enabled, stdout otherwise
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxAge:     opts.Log.MaxAge,
		MaxBackups: opts.Log.MaxBackups,
		Compress:   opts.Log.EnabledCompress,
	}
}

func setupLogger(out io.Writer, dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.Msec, log.LevelBraces, log.CallerFunc, log.CallerPkg, log.CallerFile, log.Out(out))
		return
	}
	log.Setup(log.Msec, log.LevelBraces, log.Out(out))
}

// validateBaseURL normalizes base URL, drops trailing slash and treats "/" as empty
func validateBaseURL(u string) string {
	u = strings.TrimSuffix(u, "/")
	if u != "" && !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return u
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] %v received, shutting down", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
