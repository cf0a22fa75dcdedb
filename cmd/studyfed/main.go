// Package main is the studyfed CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/studyfed/internal/cli"
	"github.com/hyperjump/studyfed/internal/config"
	"github.com/hyperjump/studyfed/internal/export"
	"github.com/hyperjump/studyfed/internal/importer"
	"github.com/hyperjump/studyfed/internal/keyword"
	"github.com/hyperjump/studyfed/internal/local"
	"github.com/hyperjump/studyfed/internal/models"
	"github.com/hyperjump/studyfed/internal/paging"
	"github.com/hyperjump/studyfed/internal/query"
	"github.com/hyperjump/studyfed/internal/remote"
	"github.com/hyperjump/studyfed/internal/server"
	"github.com/hyperjump/studyfed/internal/session"
	"github.com/hyperjump/studyfed/internal/storage"
	"github.com/hyperjump/studyfed/internal/watcher"
	"github.com/hyperjump/studyfed/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/studyfed/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded (for saving, etc.).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "search":
		runSearch()
	case "browse":
		runBrowse()
	case "import":
		runImport()
	case "delete":
		runDelete()
	case "clear":
		runClear()
	case "export":
		runExport()
	case "watch":
		runWatch()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("studyfed version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (import events, reconciliation, requests)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	cfg.Debug = cfg.Debug || *debug
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", cfg.Debug),
		zap.Int("sources", len(cfg.Sources)),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	components.Session.Start(ctx)

	watchOpts := []watcher.Option{
		watcher.WithRecursive(cfg.Watch.RecursiveOrDefault()),
		watcher.WithDebounce(watcher.DefaultDebounce),
	}
	if cfg.Debug {
		watchOpts = append(watchOpts, watcher.WithLogger(logger))
	}
	watchSvc := watcher.New(cfg.Watch.Directories, components.Importer.Extensions(), components.Importer, watchOpts...)
	if err := watchSvc.Start(ctx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	watchSvc.SyncExistingFiles()

	srv := server.NewServer(
		components.Session,
		components.Executor,
		components.Importer,
		components.Storage,
		cfg,
		logger,
		watchSvc,
		resolvedConfigPath,
	)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchSvc.Stop()
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = srv.Stop(stopCtx)
}

// Components holds initialized services.
type Components struct {
	Storage  storage.Storage
	Index    keyword.StudyIndex
	Executor *query.Executor
	Session  *session.Session
	Importer *importer.Importer
}

// Close releases the session, storage, and index.
func (c *Components) Close() {
	if c.Session != nil {
		_ = c.Session.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
	if c.Index != nil {
		_ = c.Index.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	index, err := keyword.NewBleveIndex(cfg.Storage.BleveIndexPath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize study index: %w", err)
	}
	components := &Components{Storage: store, Index: index}

	client := remote.NewClient(remote.WithTimeout(cfg.Remote.Timeout()), remote.WithLogger(logger))
	exec := query.NewExecutor(client,
		query.WithProviderKey(cfg.Session.LocalProvider),
		query.WithRequiredFields(cfg.Session.RequiredFields),
		query.WithLogger(logger),
	)
	exec.RegisterLocal(exec.ProviderKey(), local.NewProvider(store, index))
	components.Executor = exec

	sess, err := session.New(session.Config{
		Sources:          cfg.Sources,
		DefaultGroup:     cfg.Session.DefaultGroup,
		FilterDuplicates: cfg.Session.FilterDuplicates,
		DebounceDelay:    cfg.Session.DebounceDelay(),
		ResyncOnFailure:  cfg.Session.ResyncOnFailure,
		MaxConcurrent:    cfg.Session.MaxConcurrentSources,
	}, exec, session.WithLogger(logger))
	if err != nil {
		components.Close()
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}
	components.Session = sess

	impOpts := []importer.Option{
		importer.WithSink(importer.SinkFunc(sess.Post)),
		importer.WithExtensions(cfg.Watch.Extensions),
	}
	if cfg.Debug {
		impOpts = append(impOpts, importer.WithLogger(logger))
	}
	components.Importer = importer.New(store, index, impOpts...)
	return components, nil
}

// directComponents loads config and opens the datastore for commands run without a server.
func directComponents(configPath string) (*Components, *config.Config, func()) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	// drain import events so the importer never blocks on a full queue
	components.Session.Start(context.Background())
	return components, cfg, func() {
		components.Close()
		_ = logger.Sync()
	}
}

// searchArgsReorder moves any flags (and their values) that appear after the
// predicates to the front so that flag.Parse() sees them.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// parsePredicates turns Key=Value arguments into query parameters in argument order.
func parsePredicates(args []string) (*models.QueryParameters, error) {
	params := models.NewQueryParameters()
	for _, a := range args {
		key, value, ok := strings.Cut(a, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("predicate %q must be Key=Value", a)
		}
		params.Set(key, strings.TrimSpace(value))
	}
	return params, nil
}

// buildParamSets returns one parameter set per modality, or the predicates alone.
func buildParamSets(args []string, modalities []string) ([]*models.QueryParameters, error) {
	base, err := parsePredicates(args)
	if err != nil {
		return nil, err
	}
	if len(modalities) == 0 {
		return []*models.QueryParameters{base}, nil
	}
	sets := make([]*models.QueryParameters, 0, len(modalities))
	for _, m := range modalities {
		set := base.Clone()
		set.Set(models.FieldModalitiesInStudy, m)
		sets = append(sets, set)
	}
	return sets, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: studyfed search [flags] [Key=Value ...]\n\n")
	fmt.Fprintf(fs.Output(), "Predicates use the archive syntax: wildcards (* ?), ranges (20240101-20240131), multiple values (A\\B).\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  studyfed search PatientName='DOE^*'
  studyfed search --modality CT,MR StudyDate=20240101-
  studyfed search --sources local,pacs PatientID=A100
  studyfed search --confirm --sources pacs          # open search against a remote archive
`)
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = query directly without a running server)")
	sources := fs.String("sources", "", "comma-separated source group to select before searching")
	modality := fs.String("modality", "", "comma-separated modalities; one query per modality")
	confirm := fs.Bool("confirm", false, "allow an open search against remote sources")
	outputFormat := fs.String("output", "text", "output format: text or json")
	columns := fs.String("columns", "", "comma-separated columns for text output")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	format := outputFormatOrExit(*outputFormat)
	sets, err := buildParamSets(fs.Args(), splitList(*modality))
	if err != nil {
		fatalf("Invalid search: %v", err)
	}
	req := models.SearchRequest{
		ParameterSets:     sets,
		ConfirmOpenSearch: *confirm,
		Sources:           splitList(*sources),
	}

	var response *models.SearchResponse
	if *serverURL != "" {
		response, err = searchViaHTTP(*serverURL, &req)
	} else {
		response, err = searchDirect(*configPath, &req)
	}
	if err != nil {
		fatalf("Search failed: %v", err)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format, splitList(*columns)); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func searchDirect(configPath string, req *models.SearchRequest) (*models.SearchResponse, error) {
	components, _, done := directComponents(configPath)
	defer done()
	ctx := context.Background()
	if len(req.Sources) > 0 {
		if _, err := components.Session.ChangeSourceGroup(ctx, req.Sources); err != nil {
			return nil, err
		}
	}
	report, err := components.Session.Search(ctx, req.ParameterSets, session.SearchOptions{ConfirmOpenSearch: req.ConfirmOpenSearch})
	if err != nil {
		return nil, err
	}
	resp := server.ReportResponse(report)
	return &resp, nil
}

func searchViaHTTP(serverURL string, req *models.SearchRequest) (*models.SearchResponse, error) {
	var response models.SearchResponse
	if err := callAPI(http.MethodPost, serverURL+"/api/v1/search", req, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// callAPI sends body as JSON (when non-nil), checks the status, and decodes the reply into out (when non-nil).
func callAPI(method, endpoint string, body interface{}, wantStatus int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// browseQuery renders the archive page request for params. A move steps the
// server's cursor instead of jumping to page.
func browseQuery(params *models.QueryParameters, page, pageSize int, move string) string {
	q := params.Clone()
	if move != "" {
		q.Set("move", move)
	} else {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	return remote.EncodeParams(q, 0, 0)
}

func runBrowse() {
	fs := flag.NewFlagSet("browse", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = read the local datastore directly)")
	page := fs.Int("page", 0, "zero-based page number")
	pageSize := fs.Int("page-size", 0, "rows per page (default from config)")
	move := fs.String("move", "", "first, next or previous")
	outputFormat := fs.String("output", "text", "output format: text or json")
	columns := fs.String("columns", "", "comma-separated columns for text output")
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	params, err := parsePredicates(fs.Args())
	if err != nil {
		fatalf("Invalid predicates: %v", err)
	}
	var resp models.PageResponse
	if *serverURL != "" {
		err = callAPI(http.MethodGet, *serverURL+"/api/v1/archive/page?"+browseQuery(params, *page, *pageSize, *move), nil, http.StatusOK, &resp)
	} else {
		resp, err = browseDirect(*configPath, params, *page, *pageSize, paging.Move(*move))
	}
	if err != nil {
		fatalf("Browse failed: %v", err)
	}
	switch outputFormatOrExit(*outputFormat) {
	case cli.OutputJSON:
		writeJSON(resp)
	default:
		cli.WritePage(os.Stdout, &resp, splitList(*columns))
	}
}

// browseDirect loads page and then applies move from there, since there is no
// server cursor to step from.
func browseDirect(configPath string, params *models.QueryParameters, page, pageSize int, move paging.Move) (models.PageResponse, error) {
	components, cfg, done := directComponents(configPath)
	defer done()
	if pageSize <= 0 {
		pageSize = cfg.Session.PageSize
	}
	var got paging.Page
	cursor := paging.New(pageSize, func(ctx context.Context, firstRow, maxRows int) ([]*models.Study, error) {
		return components.Executor.Page(ctx, params, firstRow, maxRows)
	}, paging.OnPageChanged(func(p paging.Page) { got = p }))
	ctx := context.Background()
	var err error
	if page == 0 {
		err = cursor.First(ctx)
	} else {
		err = cursor.Goto(ctx, page)
	}
	if err == nil && move != "" && move != paging.MoveFirst {
		err = cursor.Step(ctx, move)
	}
	if err != nil {
		return models.PageResponse{}, err
	}
	return models.PageResponse{
		Page:        got.Number,
		PageSize:    cursor.PageSize(),
		FirstRow:    got.FirstRow,
		Rows:        got.Items,
		HasNext:     got.HasNext,
		HasPrevious: got.HasPrevious,
	}, nil
}

func runImport() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = write the local datastore directly)")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: studyfed import [flags] <file-or-directory>")
		os.Exit(1)
	}
	path, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		fatalf("Invalid path: %v", err)
	}

	var resp models.ImportResponse
	if *serverURL != "" {
		err = callAPI(http.MethodPost, *serverURL+"/api/v1/import", models.ImportRequest{Path: path}, http.StatusOK, &resp)
	} else {
		resp, err = importDirect(*configPath, path)
	}
	if err != nil {
		fatalf("Import failed: %v", err)
	}
	fmt.Printf("Imported %d file(s) from %s\n", resp.Imported, resp.Path)
	if resp.Error != "" {
		fmt.Fprintf(os.Stderr, "Some files failed:\n%s\n", resp.Error)
	}
}

func importDirect(configPath, path string) (models.ImportResponse, error) {
	components, _, done := directComponents(configPath)
	defer done()
	ctx := context.Background()
	resp := models.ImportResponse{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		return resp, err
	}
	if info.IsDir() {
		resp.Imported, err = components.Importer.ImportDirectory(ctx, path)
	} else if err = components.Importer.ImportFile(ctx, path); err == nil {
		resp.Imported = 1
	}
	if err != nil {
		if resp.Imported == 0 {
			return resp, err
		}
		resp.Error = err.Error()
	}
	return resp, nil
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = write the local datastore directly)")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: studyfed delete [flags] <imported-file>")
		os.Exit(1)
	}
	path, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		fatalf("Invalid path: %v", err)
	}
	if *serverURL != "" {
		err = callAPI(http.MethodDelete, *serverURL+"/api/v1/import?path="+url.QueryEscape(path), nil, http.StatusOK, nil)
	} else {
		components, _, done := directComponents(*configPath)
		err = components.Importer.RemoveFile(context.Background(), path)
		done()
	}
	if errors.Is(err, models.ErrNotFound) {
		fatalf("No instance was imported from %s", path)
	}
	if err != nil {
		fatalf("Deletion failed: %v", err)
	}
	fmt.Printf("Instance removed: %s\n", path)
}

func runClear() {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = write the local datastore directly)")
	_ = fs.Parse(os.Args[2:])

	var err error
	if *serverURL != "" {
		err = callAPI(http.MethodPost, *serverURL+"/api/v1/store/clear", nil, http.StatusOK, nil)
	} else {
		components, _, done := directComponents(*configPath)
		err = components.Importer.Clear(context.Background())
		done()
	}
	if err != nil {
		fatalf("Clear failed: %v", err)
	}
	fmt.Println("Local datastore cleared")
}

func runExport() {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = search directly without a running server)")
	sources := fs.String("sources", "", "comma-separated source group to search (direct mode)")
	columns := fs.String("columns", "", "comma-separated columns to export")
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	if fs.NArg() < 1 {
		fmt.Println("Usage: studyfed export [flags] <out.xlsx> [Key=Value ...]")
		os.Exit(1)
	}
	out := fs.Arg(0)
	f, err := os.Create(out)
	if err != nil {
		fatalf("Create %s: %v", out, err)
	}
	defer f.Close()

	if *serverURL != "" {
		err = exportViaHTTP(*serverURL, f, *columns)
	} else {
		err = exportDirect(*configPath, f, fs.Args()[1:], splitList(*sources), splitList(*columns))
	}
	if err != nil {
		_ = os.Remove(out)
		fatalf("Export failed: %v", err)
	}
	fmt.Printf("Exported current results to %s\n", out)
}

// exportViaHTTP downloads the server's current result table.
func exportViaHTTP(serverURL string, w io.Writer, columns string) error {
	endpoint := serverURL + "/api/v1/results/export"
	if columns != "" {
		endpoint += "?columns=" + url.QueryEscape(columns)
	}
	resp, err := http.Get(endpoint)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// exportDirect runs a search in-process and writes its table.
func exportDirect(configPath string, w io.Writer, args, sources, columns []string) error {
	components, cfg, done := directComponents(configPath)
	defer done()
	ctx := context.Background()
	if len(sources) > 0 {
		if _, err := components.Session.ChangeSourceGroup(ctx, sources); err != nil {
			return err
		}
	}
	sets, err := buildParamSets(args, nil)
	if err != nil {
		return err
	}
	report, err := components.Session.Search(ctx, sets, session.SearchOptions{ConfirmOpenSearch: true})
	if err != nil {
		return err
	}
	if msg := report.Message(); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	if len(columns) == 0 {
		columns = cfg.Session.RequiredFields
	}
	return export.WriteXLSX(w, report.Result, columns)
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = read the local datastore directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status models.StatusResponse
	var err error
	if *serverURL != "" {
		err = callAPI(http.MethodGet, *serverURL+"/api/v1/status", nil, http.StatusOK, &status)
	} else {
		status, err = statusDirect(*configPath)
	}
	if err != nil {
		fatalf("Status failed: %v", err)
	}
	switch outputFormatOrExit(*outputFormat) {
	case cli.OutputJSON:
		writeJSON(status)
	default:
		cli.WriteStatus(os.Stdout, &status)
	}
}

func statusDirect(configPath string) (models.StatusResponse, error) {
	components, cfg, done := directComponents(configPath)
	defer done()
	ctx := context.Background()
	studies, err := components.Storage.CountStudies(ctx)
	if err != nil {
		return models.StatusResponse{}, fmt.Errorf("count studies: %w", err)
	}
	instances, err := components.Storage.CountInstances(ctx)
	if err != nil {
		return models.StatusResponse{}, fmt.Errorf("count instances: %w", err)
	}
	status := models.StatusResponse{
		Studies:          studies,
		Instances:        instances,
		DatabasePath:     cfg.Storage.DatabasePath,
		BleveIndexPath:   cfg.Storage.BleveIndexPath,
		WatchDirectories: cfg.Watch.Directories,
	}
	if g := components.Session.ActiveGroup(); g != nil {
		status.ActiveGroup = g.Names()
	}
	paths := append(storage.DatabaseFiles(cfg.Storage.DatabasePath), cfg.Storage.BleveIndexPath)
	if n, err := storage.DiskUsageBytes(paths...); err == nil {
		status.DiskUsageBytes = n
	}
	return status, nil
}

func outputFormatOrExit(s string) cli.SearchOutputFormat {
	switch s {
	case "text", "json":
		return cli.ParseFormat(s)
	}
	fatalf("Unknown output format %q; use text or json", s)
	return cli.OutputText
}

func writeJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: studyfed watch <add|remove|list> [path]")
		fmt.Println("  studyfed watch add <path>     Add an inbox directory")
		fmt.Println("  studyfed watch remove <path>  Stop watching a directory")
		fmt.Println("  studyfed watch list           List watched directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(os.Args[3:])
	endpoint := *serverURL + "/api/v1/watch/directories"
	switch sub {
	case "add":
		if fs.NArg() < 1 {
			fmt.Println("Usage: studyfed watch add <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		body := map[string]interface{}{"path": path, "sync": true}
		if err := callAPI(http.MethodPost, endpoint, body, http.StatusCreated, nil); err != nil {
			fatalf("Add failed: %v", err)
		}
		fmt.Printf("Added: %s\n", path)
	case "remove":
		if fs.NArg() < 1 {
			fmt.Println("Usage: studyfed watch remove <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		if err := callAPI(http.MethodDelete, endpoint+"?path="+url.QueryEscape(path), nil, http.StatusOK, nil); err != nil {
			fatalf("Remove failed: %v", err)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		var out struct {
			Directories []string `json:"directories"`
		}
		if err := callAPI(http.MethodGet, endpoint, nil, http.StatusOK, &out); err != nil {
			fatalf("List failed: %v", err)
		}
		for _, d := range out.Directories {
			fmt.Println(d)
		}
	default:
		fatalf("Unknown watch subcommand: %s", sub)
	}
}

func printUsage() {
	fmt.Println(`studyfed - federated study queries with a live local datastore

Usage:
  studyfed server [flags]                     Start the HTTP server, watcher, and live sync
  studyfed search [flags] [Key=Value ...]     Query the active source group
  studyfed browse [flags] [Key=Value ...]     Page through the local datastore
  studyfed import [flags] <file|dir>          Import instance descriptors
  studyfed delete [flags] <file>              Remove the instance imported from a file
  studyfed clear [flags]                      Wipe the local datastore
  studyfed export [flags] <out.xlsx>          Export the current result table
  studyfed status [flags]                     Show datastore and session status
  studyfed watch <add|remove|list>            Manage inbox directories
  studyfed version                            Show version
  studyfed help                               Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/studyfed/config.yaml)
  --server string    Server URL (default: http://localhost:8080). Use --server "" to work
                     on the local datastore directly when no server is running.

Search Flags:
  --sources string   Comma-separated source group to select first
  --modality string  Comma-separated modalities; one query per modality
  --confirm          Allow an open search against remote sources
  --output string    text or json (default: text)
  --columns string   Comma-separated columns to show

Browse Flags:
  --page int         Zero-based page number
  --page-size int    Rows per page (default from config)
  --move string      first, next or previous. Steps the server's cursor for the
                     same filter; in direct mode steps from --page

Examples:
  studyfed server
  studyfed search PatientName='DOE^*' StudyDate=20240101-
  studyfed search --sources local,pacs --modality CT,MR PatientID=A100
  studyfed browse --page 2
  studyfed browse --move next
  studyfed import ./inbox
  studyfed export results.xlsx
  studyfed status --output json
  studyfed watch add /data/inbox`)
}
