// Command hls-vault: download HLS streams into local bundles and manage
// their lifecycle.
//
//	add      Track a manifest URL, download its bundle, resolve keys
//	list     Print the catalog
//	suspend  Pause a running download
//	resume   Resume a suspended download (re-issues it when the task is gone)
//	remove   Cancel and delete an asset with its bundle
//	history  Print the transition journal for an asset
//	check    Probe a manifest URL for reachability
//	serve    Daemon: key responder, status API, /metrics, /healthz
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hlsvault/hls-vault/internal/asset"
	"github.com/hlsvault/hls-vault/internal/config"
	"github.com/hlsvault/hls-vault/internal/downloader"
	"github.com/hlsvault/hls-vault/internal/health"
	"github.com/hlsvault/hls-vault/internal/httpclient"
	"github.com/hlsvault/hls-vault/internal/journal"
	"github.com/hlsvault/hls-vault/internal/manager"
	"github.com/hlsvault/hls-vault/internal/metrics"
	"github.com/hlsvault/hls-vault/internal/repository"
	"github.com/hlsvault/hls-vault/internal/safeurl"
)

// vault bundles the wired-up components a subcommand works with.
type vault struct {
	cfg  *config.Config
	repo *repository.Repository
	mgr  *manager.Manager
	jnl  *journal.Journal
}

func openVault(cfg *config.Config) (*vault, error) {
	repo, err := repository.Open(cfg.StateDir, cfg.BundleRoot)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	var jnl *journal.Journal
	if cfg.JournalDB != "" {
		jnl, err = journal.Open(cfg.JournalDB)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}
	client := httpclient.WithTimeout(cfg.HTTPTimeout)
	if cfg.RateLimitRPS > 0 {
		client = httpclient.RateLimited(client, cfg.RateLimitRPS)
	}
	keyClient := httpclient.WithTimeout(cfg.KeyFetchTimeout)
	m := manager.New(repo, cfg.BundleRoot, cfg.BaseURL, keyClient, jnl)
	dl := downloader.NewHTTP(cfg.BundleRoot, client, cfg.Concurrency, httpclient.PolicyWithRetries(cfg.RetryMax), m.TaskEvents())
	m.Bind(dl)
	return &vault{cfg: cfg, repo: repo, mgr: m, jnl: jnl}, nil
}

func (v *vault) close() {
	if v.jnl != nil {
		v.jnl.Close()
	}
}

// waiter blocks a one-shot command until its asset reaches a terminal
// outcome.
type waiter struct {
	manager.NopDelegate
	done chan error
}

func newWaiter() *waiter { return &waiter{done: make(chan error, 1)} }

func (w *waiter) OnProgress(a asset.Asset, percent int) {
	if percent%10 == 0 {
		log.Printf("download: %s %d%%", a.ID, percent)
	}
}

func (w *waiter) OnBundleReady(a asset.Asset) {
	log.Printf("download: %s bundle complete, resolving keys", a.ID)
}

func (w *waiter) OnDownloaded(a asset.Asset) {
	select {
	case w.done <- nil:
	default:
	}
}

func (w *waiter) OnFailure(a asset.Asset, reason manager.FailReason) {
	select {
	case w.done <- fmt.Errorf("%s", reason):
	default:
	}
}

func (w *waiter) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-w.done:
		return err
	}
}

// findAsset resolves ref as an asset ID first, then as a source URL.
func findAsset(repo *repository.Repository, ref string) (asset.Asset, error) {
	a, ok, err := repo.FindByID(ref)
	if err != nil {
		return asset.Asset{}, err
	}
	if ok {
		return a, nil
	}
	a, ok, err = repo.FindByURL(ref)
	if err != nil {
		return asset.Asset{}, err
	}
	if !ok {
		return asset.Asset{}, fmt.Errorf("no asset with id or URL %q", ref)
	}
	return a, nil
}

func main() {
	_ = config.LoadEnvFile(".env")

	addCmd := flag.NewFlagSet("add", flag.ExitOnError)
	addNoWait := addCmd.Bool("no-wait", false, "Create the asset without downloading (serve picks it up later)")

	listCmd := flag.NewFlagSet("list", flag.ExitOnError)

	suspendCmd := flag.NewFlagSet("suspend", flag.ExitOnError)
	resumeCmd := flag.NewFlagSet("resume", flag.ExitOnError)
	removeCmd := flag.NewFlagSet("remove", flag.ExitOnError)
	retryKeysCmd := flag.NewFlagSet("retry-keys", flag.ExitOnError)

	historyCmd := flag.NewFlagSet("history", flag.ExitOnError)
	historyLimit := historyCmd.Int("limit", 50, "Max entries to print")

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveAddr := serveCmd.String("addr", "", "Listen address (default: HLS_VAULT_LISTEN)")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <add|list|suspend|resume|remove|history|check|serve> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  add <url>      Track and download an HLS stream\n")
		fmt.Fprintf(os.Stderr, "  list           Print the catalog\n")
		fmt.Fprintf(os.Stderr, "  suspend <id>   Pause a running download\n")
		fmt.Fprintf(os.Stderr, "  resume <id>    Resume (re-issues the download when the task is gone)\n")
		fmt.Fprintf(os.Stderr, "  remove <id>    Cancel and delete an asset with its bundle\n")
		fmt.Fprintf(os.Stderr, "  retry-keys <id> Re-run key resolution for a missingKey asset (no re-download)\n")
		fmt.Fprintf(os.Stderr, "  history <id>   Print the transition journal (needs HLS_VAULT_JOURNAL_DB)\n")
		fmt.Fprintf(os.Stderr, "  check <url>    Probe a manifest URL\n")
		fmt.Fprintf(os.Stderr, "  serve          Run the daemon (key responder, status API, metrics)\n")
		os.Exit(1)
	}

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "add":
		_ = addCmd.Parse(os.Args[2:])
		if addCmd.NArg() < 1 {
			log.Print("add: need a manifest URL")
			os.Exit(1)
		}
		v, err := openVault(cfg)
		if err != nil {
			log.Printf("add: %v", err)
			os.Exit(1)
		}
		defer v.close()
		a, err := v.mgr.CreateAsset(addCmd.Arg(0))
		if err != nil {
			log.Printf("add: %v", err)
			os.Exit(1)
		}
		fmt.Println(a.ID)
		if *addNoWait {
			return
		}
		w := newWaiter()
		v.mgr.Subscribe(w)
		if err := v.mgr.StartDownload(a); err != nil {
			log.Printf("add: %v", err)
			os.Exit(1)
		}
		if err := w.wait(ctx); err != nil {
			log.Printf("add: download failed: %v", err)
			os.Exit(1)
		}
		final, _, _ := v.repo.FindByID(a.ID)
		log.Printf("add: %s downloaded to %s", a.ID, final.BundleAbsPath(cfg.BundleRoot))

	case "list":
		_ = listCmd.Parse(os.Args[2:])
		repo, err := repository.Open(cfg.StateDir, cfg.BundleRoot)
		if err != nil {
			log.Printf("list: %v", err)
			os.Exit(1)
		}
		cat, err := repo.Query()
		if err != nil {
			log.Printf("list: %v", err)
			os.Exit(1)
		}
		if len(cat.Assets) == 0 {
			fmt.Println("catalog is empty")
			return
		}
		for _, a := range cat.Assets {
			fmt.Printf("%s  %-11s %3d%%  %s\n", a.ID, a.State, a.ProgressPercent, safeurl.Redact(a.SourceURL))
		}

	case "suspend":
		_ = suspendCmd.Parse(os.Args[2:])
		if suspendCmd.NArg() < 1 {
			log.Print("suspend: need an asset id or URL")
			os.Exit(1)
		}
		v, err := openVault(cfg)
		if err != nil {
			log.Printf("suspend: %v", err)
			os.Exit(1)
		}
		defer v.close()
		a, err := findAsset(v.repo, suspendCmd.Arg(0))
		if err == nil {
			err = v.mgr.Suspend(a)
		}
		if err != nil {
			log.Printf("suspend: %v", err)
			os.Exit(1)
		}

	case "resume":
		_ = resumeCmd.Parse(os.Args[2:])
		if resumeCmd.NArg() < 1 {
			log.Print("resume: need an asset id or URL")
			os.Exit(1)
		}
		v, err := openVault(cfg)
		if err != nil {
			log.Printf("resume: %v", err)
			os.Exit(1)
		}
		defer v.close()
		a, err := findAsset(v.repo, resumeCmd.Arg(0))
		if err != nil {
			log.Printf("resume: %v", err)
			os.Exit(1)
		}
		w := newWaiter()
		v.mgr.Subscribe(w)
		if err := v.mgr.Restore(a); err != nil {
			log.Printf("resume: %v", err)
			os.Exit(1)
		}
		// In a one-shot process the original task is gone, so Restore
		// re-issued the download. Wait it out.
		if err := w.wait(ctx); err != nil {
			log.Printf("resume: download failed: %v", err)
			os.Exit(1)
		}

	case "remove":
		_ = removeCmd.Parse(os.Args[2:])
		if removeCmd.NArg() < 1 {
			log.Print("remove: need an asset id or URL")
			os.Exit(1)
		}
		v, err := openVault(cfg)
		if err != nil {
			log.Printf("remove: %v", err)
			os.Exit(1)
		}
		defer v.close()
		a, err := findAsset(v.repo, removeCmd.Arg(0))
		if err == nil {
			err = v.mgr.Remove(a)
		}
		if err != nil {
			log.Printf("remove: %v", err)
			os.Exit(1)
		}
		log.Printf("remove: %s deleted", a.ID)

	case "retry-keys":
		_ = retryKeysCmd.Parse(os.Args[2:])
		if retryKeysCmd.NArg() < 1 {
			log.Print("retry-keys: need an asset id or URL")
			os.Exit(1)
		}
		v, err := openVault(cfg)
		if err != nil {
			log.Printf("retry-keys: %v", err)
			os.Exit(1)
		}
		defer v.close()
		a, err := findAsset(v.repo, retryKeysCmd.Arg(0))
		if err == nil {
			err = v.mgr.ResolveKeys(a)
		}
		if err != nil {
			log.Printf("retry-keys: %v", err)
			os.Exit(1)
		}
		log.Printf("retry-keys: %s downloaded", a.ID)

	case "history":
		_ = historyCmd.Parse(os.Args[2:])
		if cfg.JournalDB == "" {
			log.Print("history: set HLS_VAULT_JOURNAL_DB to enable the journal")
			os.Exit(1)
		}
		jnl, err := journal.Open(cfg.JournalDB)
		if err != nil {
			log.Printf("history: %v", err)
			os.Exit(1)
		}
		defer jnl.Close()
		assetID := ""
		if historyCmd.NArg() > 0 {
			assetID = historyCmd.Arg(0)
		}
		entries, err := jnl.History(assetID, *historyLimit)
		if err != nil {
			log.Printf("history: %v", err)
			os.Exit(1)
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %s  %s -> %s", e.At.Format(time.RFC3339), e.AssetID, orDash(e.FromState), orDash(e.ToState))
			if e.Reason != "" {
				line += "  (" + e.Reason + ")"
			}
			fmt.Println(line)
		}

	case "check":
		_ = checkCmd.Parse(os.Args[2:])
		if checkCmd.NArg() < 1 {
			log.Print("check: need a manifest URL")
			os.Exit(1)
		}
		checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := health.CheckSource(checkCtx, checkCmd.Arg(0)); err != nil {
			log.Printf("check: %v", err)
			os.Exit(1)
		}
		log.Print("check: source OK")

	case "serve":
		_ = serveCmd.Parse(os.Args[2:])
		addr := cfg.ListenAddr
		if *serveAddr != "" {
			addr = *serveAddr
		}
		v, err := openVault(cfg)
		if err != nil {
			log.Printf("serve: %v", err)
			os.Exit(1)
		}
		defer v.close()
		if err := serve(ctx, v, addr); err != nil {
			log.Printf("serve: %v", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// logDelegate mirrors lifecycle events into the daemon log.
type logDelegate struct{ manager.NopDelegate }

func (logDelegate) OnDownloaded(a asset.Asset) {
	log.Printf("serve: %s downloaded", a.ID)
}

func (logDelegate) OnRemoved(a asset.Asset) {
	log.Printf("serve: %s removed", a.ID)
}

func (logDelegate) OnFailure(a asset.Asset, reason manager.FailReason) {
	log.Printf("serve: %s failed: %s", a.ID, reason)
}

// serveHandler builds the daemon's HTTP surface: key responder, status API,
// metrics and health.
func serveHandler(v *vault) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/keys", v.mgr.KeyResponder())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/assets", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			cat, err := v.mgr.Catalog()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(cat.Assets)
		case http.MethodPost:
			url := r.FormValue("url")
			a, err := v.mgr.CreateAsset(url)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := v.mgr.StartDownload(a); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			a, _, _ = v.repo.FindByID(a.ID)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(a)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	assetOp := func(op func(asset.Asset) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			a, err := findAsset(v.repo, r.FormValue("id"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			if err := op(a); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusOK)
		}
	}
	mux.HandleFunc("/assets/suspend", assetOp(v.mgr.Suspend))
	mux.HandleFunc("/assets/resume", assetOp(v.mgr.Restore))
	mux.HandleFunc("/assets/remove", assetOp(v.mgr.Remove))
	mux.HandleFunc("/assets/retry-keys", assetOp(v.mgr.ResolveKeys))
	return mux
}

func serve(ctx context.Context, v *vault, addr string) error {
	v.mgr.Subscribe(logDelegate{})
	v.mgr.RestoreAll()
	reissueOrphans(v)

	srv := &http.Server{Addr: addr, Handler: serveHandler(v)}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Printf("serve: listening on %s (keys at /keys, status at /assets)", addr)

	// Startup self-check: hit our own endpoints through the configured base
	// URL so a bad HLS_VAULT_BASE_URL shows up in the log right away.
	go func() {
		checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		time.Sleep(200 * time.Millisecond)
		if err := health.CheckEndpoints(checkCtx, v.cfg.BaseURL); err != nil {
			log.Printf("serve: self-check %s: %v", v.cfg.BaseURL, err)
			return
		}
		log.Printf("serve: self-check %s OK", v.cfg.BaseURL)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errc:
		return err
	}
}

// reissueOrphans restarts downloads that a previous process left mid-flight.
// The stored task tokens are stale after a restart, so the records are moved
// to suspended and pushed through the restore path, which re-issues them.
func reissueOrphans(v *vault) {
	cat, err := v.mgr.Catalog()
	if err != nil {
		log.Printf("serve: reconcile: %v", err)
		return
	}
	for _, a := range cat.Assets {
		if a.State != asset.StateDownloading {
			continue
		}
		a.State = asset.StateSuspended
		if err := v.repo.Update(a); err != nil {
			log.Printf("serve: reconcile %s: %v", a.ID, err)
			continue
		}
		if err := v.mgr.Restore(a); err != nil {
			log.Printf("serve: reconcile %s: %v", a.ID, err)
		}
	}
}
