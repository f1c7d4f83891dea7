// rmsync reads notebooks from a reMarkable tablet over SSH.
//
// Sub-commands:
//
//	rmsync tree [--json]                 Print the document hierarchy
//	rmsync pages <item-id>               List the pages of a document
//	rmsync export <item-id> [--dest dir] Export one document
//	rmsync sync [--dest dir | --s3]      Export every document
//	rmsync mount <dir>                   Mount a read-only view
//	rmsync cache [status|clear|evict]    Manage the page cache
//
// Global flags go before the sub-command.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/fruitsalade/rmsync/internal/cache"
	"github.com/fruitsalade/rmsync/internal/config"
	"github.com/fruitsalade/rmsync/internal/export"
	"github.com/fruitsalade/rmsync/internal/export/local"
	"github.com/fruitsalade/rmsync/internal/export/s3"
	"github.com/fruitsalade/rmsync/internal/fusefs"
	"github.com/fruitsalade/rmsync/internal/logging"
	"github.com/fruitsalade/rmsync/internal/metrics"
	"github.com/fruitsalade/rmsync/internal/remote"
	"github.com/fruitsalade/rmsync/internal/xochitl"
	"github.com/fruitsalade/rmsync/pkg/models"
	"github.com/fruitsalade/rmsync/pkg/tree"
)

// app carries what every sub-command needs.
type app struct {
	cfg     *config.Config
	timeout time.Duration
}

func main() {
	global := pflag.NewFlagSet("rmsync", pflag.ExitOnError)
	global.SetInterspersed(false)
	configPath := global.String("config", "", "YAML config file (default $RMSYNC_CONFIG)")
	host := global.String("host", "", "Device host (overrides config)")
	timeout := global.Duration("timeout", 2*time.Minute, "Deadline for the whole command (0 disables)")
	verbose := global.BoolP("verbose", "v", false, "Debug logging")
	global.Usage = usage(global)
	global.Parse(os.Args[1:])

	if global.NArg() < 1 {
		global.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Device.Host = *host
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPath: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	a := &app{cfg: cfg, timeout: *timeout}
	cmd, args := global.Arg(0), global.Args()[1:]

	switch cmd {
	case "tree":
		err = a.cmdTree(args)
	case "pages":
		err = a.cmdPages(args)
	case "export":
		err = a.cmdExport(args)
	case "sync":
		err = a.cmdSync(args)
	case "mount":
		err = a.cmdMount(args)
	case "cache":
		err = a.cmdCache(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		global.Usage()
		os.Exit(2)
	}

	if err != nil {
		logging.Fatal("command failed", logging.String("command", cmd), logging.Err(err))
	}
}

func usage(global *pflag.FlagSet) func() {
	return func() {
		fmt.Fprintf(os.Stderr, "Usage: rmsync [flags] <tree|pages|export|sync|mount|cache> [args]\n\nFlags:\n")
		global.PrintDefaults()
	}
}

// commandContext returns the command context. It is canceled on SIGINT/SIGTERM and
// after the configured timeout.
func (a *app) commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if a.timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// connect opens the device session, prompting for a password when neither a
// password nor a key file is configured.
func (a *app) connect(ctx context.Context) (*remote.SFTPSession, *xochitl.Library, error) {
	dev := a.cfg.Device
	if dev.Password == "" && dev.KeyFile == "" {
		pw, err := promptPassword(dev.User, dev.Host)
		if err != nil {
			return nil, nil, err
		}
		dev.Password = pw
	}

	logging.Debug("connecting", logging.String("host", dev.Host), logging.Int("port", dev.Port))
	sess, err := remote.Dial(ctx, remote.Config{
		Host:           dev.Host,
		Port:           dev.Port,
		User:           dev.User,
		Password:       dev.Password,
		KeyFile:        dev.KeyFile,
		KnownHostsFile: dev.KnownHostsFile,
		Timeout:        dev.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return sess, xochitl.NewLibrary(sess, dev.ContentRoot), nil
}

func promptPassword(user, host string) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("no password or key file configured and stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", user, host)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func (a *app) cmdTree(args []string) error {
	fs := pflag.NewFlagSet("tree", pflag.ExitOnError)
	asJSON := fs.Bool("json", false, "Print the hierarchy as JSON")
	fs.Parse(args)

	ctx, cancel := a.commandContext()
	defer cancel()

	sess, lib, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	forest, err := lib.Hierarchy(ctx)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(forest)
	}
	fmt.Print(tree.Render(a.cfg.Device.Host+":"+lib.Root(), forest))
	fmt.Printf("\n%d items\n", tree.CountNodes(forest))
	return nil
}

// findItem scans the hierarchy and returns the item with the given ID.
func findItem(ctx context.Context, lib *xochitl.Library, id string) (*models.Item, error) {
	forest, err := lib.Hierarchy(ctx)
	if err != nil {
		return nil, err
	}
	item := tree.FindByID(forest, id)
	if item == nil {
		return nil, fmt.Errorf("item %s not found", id)
	}
	return item, nil
}

func (a *app) cmdPages(args []string) error {
	fs := pflag.NewFlagSet("pages", pflag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("usage: rmsync pages <item-id>")
	}

	ctx, cancel := a.commandContext()
	defer cancel()

	sess, lib, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	item, err := findItem(ctx, lib, fs.Arg(0))
	if err != nil {
		return err
	}
	doc, err := lib.Resolve(ctx, item)
	if err != nil {
		return err
	}

	m := doc.Manifest()
	fmt.Printf("%s (%s, %d pages)\n", item.Name, m.FileType, m.PageCount)
	for i, id := range m.PageIDs {
		fmt.Printf("  %3d  %s\n", i+1, id)
	}
	return nil
}

func (a *app) cmdExport(args []string) error {
	fs := pflag.NewFlagSet("export", pflag.ExitOnError)
	dest := fs.String("dest", a.cfg.Export.Dir, "Destination directory")
	force := fs.Bool("force", false, "Export even when up to date")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("usage: rmsync export <item-id> [--dest dir]")
	}

	ctx, cancel := a.commandContext()
	defer cancel()

	sink, err := local.New(local.Config{RootPath: *dest, CreateDirs: true})
	if err != nil {
		return err
	}
	defer sink.Close()

	sess, lib, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	item, err := findItem(ctx, lib, fs.Arg(0))
	if err != nil {
		return err
	}
	if item.IsFolder() {
		return fmt.Errorf("%s: %w", item.ID, xochitl.ErrNotDocument)
	}

	exp := export.NewExporter(lib, sink)
	exp.Force = *force
	res, err := exp.ExportDocument(ctx, item, tree.SanitizeName(item.Name))
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Printf("%s is up to date\n", item.Name)
	} else {
		fmt.Printf("Exported %s (%d pages) to %s\n", item.Name, res.Pages, *dest)
	}
	return nil
}

func (a *app) cmdSync(args []string) error {
	fs := pflag.NewFlagSet("sync", pflag.ExitOnError)
	dest := fs.String("dest", a.cfg.Export.Dir, "Destination directory")
	toS3 := fs.Bool("s3", false, "Export to the configured S3 bucket instead")
	force := fs.Bool("force", false, "Export even when up to date")
	fs.Parse(args)

	ctx, cancel := a.commandContext()
	defer cancel()

	var sink export.Sink
	if *toS3 {
		c := a.cfg.Export.S3
		s, err := s3.New(ctx, s3.Config{
			Endpoint:  c.Endpoint,
			Bucket:    c.Bucket,
			AccessKey: c.AccessKey,
			SecretKey: c.SecretKey,
			Region:    c.Region,
			Prefix:    c.Prefix,
		})
		if err != nil {
			return err
		}
		sink = s
	} else {
		s, err := local.New(local.Config{RootPath: *dest, CreateDirs: true})
		if err != nil {
			return err
		}
		sink = s
	}
	defer sink.Close()

	sess, lib, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	forest, err := lib.Hierarchy(ctx)
	if err != nil {
		return err
	}

	exp := export.NewExporter(lib, sink)
	exp.Force = *force
	start := time.Now()
	report, err := exp.Sync(ctx, forest)
	if err != nil {
		return err
	}

	logging.Info("sync complete",
		logging.String("sink", sink.Type()),
		logging.Int("exported", report.Exported),
		logging.Int("skipped", report.Skipped),
		logging.Int("pages", report.Pages),
		logging.Duration("elapsed", time.Since(start)),
	)
	fmt.Printf("Exported %d documents (%d pages), %d up to date\n", report.Exported, report.Pages, report.Skipped)
	return nil
}

func (a *app) cmdMount(args []string) error {
	fs := pflag.NewFlagSet("mount", pflag.ExitOnError)
	metricsAddr := fs.String("metrics-addr", a.cfg.MetricsAddr, "Serve Prometheus metrics on this address")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("usage: rmsync mount <dir>")
	}
	mountPoint := fs.Arg(0)

	// The session stays open for the lifetime of the mount, so only the
	// initial scan is bounded by the timeout.
	scanCtx, cancel := a.commandContext()
	defer cancel()

	c, err := cache.New(a.cfg.Cache.Dir, a.cfg.Cache.MaxSize)
	if err != nil {
		return err
	}

	sess, lib, err := a.connect(context.Background())
	if err != nil {
		return err
	}
	defer sess.Close()

	logging.Info("scanning device", logging.String("host", a.cfg.Device.Host))
	forest, err := lib.Hierarchy(scanCtx)
	if err != nil {
		return err
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server failed", logging.Err(err))
			}
		}()
		defer srv.Close()
		logging.Info("metrics enabled", logging.String("addr", *metricsAddr))
	}

	server, err := fusefs.New(lib, c, forest).Mount(mountPoint)
	if err != nil {
		return err
	}

	logging.Info("filesystem mounted",
		logging.String("mount", mountPoint),
		logging.Int("items", tree.CountNodes(forest)),
	)
	fmt.Fprintln(os.Stderr, "Press Ctrl+C to unmount and exit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("unmounting")
	if err := server.Unmount(); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}
	return nil
}

func (a *app) cmdCache(args []string) error {
	fs := pflag.NewFlagSet("cache", pflag.ExitOnError)
	fs.Parse(args)

	c, err := cache.New(a.cfg.Cache.Dir, a.cfg.Cache.MaxSize)
	if err != nil {
		return err
	}

	action := "status"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}

	switch action {
	case "status":
		size, maxSize, count := c.Stats()
		fmt.Printf("Cache: %s\n", c.Dir())
		fmt.Printf("  Pages: %d\n", count)
		fmt.Printf("  Size:  %d / %d MB\n", size/(1<<20), maxSize/(1<<20))
	case "clear":
		n := c.Clear()
		fmt.Printf("Removed %d cached pages\n", n)
	case "evict":
		if fs.NArg() < 3 {
			return errors.New("usage: rmsync cache evict <item-id> <page-id>")
		}
		key := tree.CacheKey(fs.Arg(1), fs.Arg(2))
		if !c.IsCached(key) {
			return fmt.Errorf("page %s of %s is not cached", fs.Arg(2), fs.Arg(1))
		}
		c.Evict(key)
		fmt.Printf("Evicted %s\n", key)
	default:
		return fmt.Errorf("unknown cache action %q", action)
	}
	return nil
}
