// memkeep is a long-term memory server for AI agents.
//
// It keeps a pool of memory clients, each pairing a record database with a
// vector index, and serves save, list and search over JSON-RPC on a Unix
// socket and optionally TCP.
//
// Usage:
//
//	memkeep [flags]
//	memkeep rpc [-user ID] <method> [args]
//	memkeep web [-listen ADDR]
//	memkeep tui [-user ID]
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.memkeep/config.toml")
//	-name string
//	    Server name (overrides config)
//	-data-dir string
//	    Data directory (overrides config)
//	-db string
//	    Database URL (overrides config and DATABASE_URL)
//	-tcp string
//	    TCP address for RPC (overrides config)
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/memkeep/memkeep/lib/core"
	"github.com/memkeep/memkeep/lib/rpc"
	"github.com/memkeep/memkeep/lib/tui"
	"github.com/memkeep/memkeep/lib/web"
	"github.com/memkeep/memkeep/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".memkeep", "config.toml")

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	serverName := flag.String("name", "", "Server name (overrides config)")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	dbURL := flag.String("db", "", "Database URL: postgres://, mysql:// or sqlite:// (overrides config)")
	tcpAddr := flag.String("tcp", "", "TCP address for RPC, e.g. 127.0.0.1:8050 (overrides config)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "memkeep - long-term memory server\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  memkeep [flags]            Start the server\n")
		fmt.Fprintf(os.Stderr, "  memkeep rpc <method>       Execute RPC method\n")
		fmt.Fprintf(os.Stderr, "  memkeep web                Serve the HTTP gateway\n")
		fmt.Fprintf(os.Stderr, "  memkeep tui                Open the interactive console\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("memkeep version %s\n", version.Full())
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	args := flag.Args()
	clientDataDir := *dataDir
	if clientDataDir == "" {
		clientDataDir = filepath.Join(homeDir, ".memkeep")
	}
	if len(args) > 0 && args[0] == "rpc" {
		return handleRPC(args[1:], clientDataDir)
	}
	if len(args) > 0 && args[0] == "web" {
		return handleWeb(args[1:], clientDataDir, logger)
	}
	if len(args) > 0 && args[0] == "tui" {
		return handleTUI(args[1:], clientDataDir)
	}
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		return 2
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	if *serverName != "" {
		cfg.Server.Name = *serverName
	}
	if *dataDir != "" {
		cfg.Server.DataDir = *dataDir
	}
	if *dbURL != "" {
		cfg.Storage.URL = *dbURL
	}
	if *tcpAddr != "" {
		cfg.RPC.TCPAddress = *tcpAddr
	}

	server, err := core.NewServer(cfg, logger)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := server.Start(ctx); err != nil {
		logger.Error("failed to start server", "error", err)
		return 1
	}

	logger.Info("memkeep started", "name", cfg.Server.Name, "version", version.Full())

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-server.Done():
		logger.Info("server stopped unexpectedly")
		return 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return 1
	}

	logger.Info("memkeep stopped")
	return 0
}

// rpcPaths returns the socket and auth file of the server in dataDir,
// overridden by MEMKEEP_RPC_SOCKET and MEMKEEP_RPC_AUTH.
func rpcPaths(dataDir string) (socketPath, authFile string) {
	socketPath = filepath.Join(dataDir, core.DefaultRPCSocket)
	if envSocket := os.Getenv("MEMKEEP_RPC_SOCKET"); envSocket != "" {
		socketPath = envSocket
	}

	authFile = filepath.Join(dataDir, core.DefaultAuthFile)
	if envAuth := os.Getenv("MEMKEEP_RPC_AUTH"); envAuth != "" {
		authFile = envAuth
	}
	return socketPath, authFile
}

// handleWeb runs the HTTP gateway until interrupted.
func handleWeb(args []string, dataDir string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("web", flag.ContinueOnError)
	listen := fs.String("listen", web.DefaultListenAddr, "Address for the HTTP gateway")
	rate := fs.Float64("rate", web.DefaultRateLimitConfig().RequestsPerSecond, "Requests per second allowed per client IP")
	burst := fs.Int("burst", web.DefaultRateLimitConfig().BurstSize, "Request burst allowed per client IP")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	socketPath, authFile := rpcPaths(dataDir)
	rl := web.DefaultRateLimitConfig()
	rl.RequestsPerSecond = *rate
	rl.BurstSize = *burst

	srv, err := web.New(web.Config{
		ListenAddr:    *listen,
		RPCSocketPath: socketPath,
		RPCAuthFile:   authFile,
		RateLimit:     rl,
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to RPC: %v\n", err)
		fmt.Fprintf(os.Stderr, "Is the memkeep server running?\n")
		return 1
	}
	if err := srv.Start(); err != nil {
		logger.Error("failed to start web gateway", "error", err)
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal, shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// handleTUI runs the interactive console until the user quits.
func handleTUI(args []string, dataDir string) int {
	fs := flag.NewFlagSet("tui", flag.ContinueOnError)
	userID := fs.String("user", "", "User whose memories are shown (default \"user\")")
	refresh := fs.Duration("refresh", tui.DefaultRefreshInterval, "How often to poll the server")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	socketPath, authFile := rpcPaths(dataDir)
	model, err := tui.New(tui.Config{
		RPCSocketPath:   socketPath,
		RPCAuthFile:     authFile,
		UserID:          *userID,
		RefreshInterval: *refresh,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to RPC: %v\n", err)
		fmt.Fprintf(os.Stderr, "Is the memkeep server running?\n")
		return 1
	}
	defer model.Close()

	if _, err := tea.NewProgram(*model, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// handleRPC handles the "rpc" subcommand.
func handleRPC(args []string, dataDir string) int {
	fs := flag.NewFlagSet("rpc", flag.ContinueOnError)
	userID := fs.String("user", "", "User the memories belong to (default \"user\")")
	fs.Usage = printRPCUsage
	if err := fs.Parse(args); err != nil {
		return 2
	}
	args = fs.Args()

	if len(args) == 0 {
		printRPCUsage()
		return 1
	}

	method := args[0]
	methodArgs := args[1:]

	socketPath, authFile := rpcPaths(dataDir)
	client, err := rpc.NewClient(rpc.ClientConfig{
		UnixSocketPath: socketPath,
		AuthFile:       authFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to RPC: %v\n", err)
		fmt.Fprintf(os.Stderr, "Is the memkeep server running?\n")
		return 1
	}
	defer client.Close()

	ctx := context.Background()

	switch method {
	case rpc.MethodStatus:
		return rpcStatus(ctx, client)
	case rpc.MethodPoolStats:
		return rpcPoolStats(ctx, client)
	case rpc.MethodMetrics:
		return rpcMetrics(ctx, client)
	case rpc.MethodMemorySave:
		return rpcMemorySave(ctx, client, *userID, methodArgs)
	case rpc.MethodMemoryList:
		return printText(client.ListMemories(ctx, *userID))
	case rpc.MethodMemorySearch:
		return rpcMemorySearch(ctx, client, *userID, methodArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown method: %s\n\n", method)
		printRPCUsage()
		return 1
	}
}

func printRPCUsage() {
	fmt.Fprintln(os.Stderr, "Usage: memkeep rpc [-user ID] <method> [args...]")
	fmt.Fprintln(os.Stderr, "\nAvailable methods:")
	fmt.Fprintln(os.Stderr, "  status                      Show server status")
	fmt.Fprintln(os.Stderr, "  pool.stats                  Show memory client pool statistics")
	fmt.Fprintln(os.Stderr, "  metrics                     Print metrics in Prometheus format")
	fmt.Fprintln(os.Stderr, "  memory.save TEXT            Save a memory")
	fmt.Fprintln(os.Stderr, "  memory.list                 List all memories")
	fmt.Fprintln(os.Stderr, "  memory.search QUERY [N]     Find the N most relevant memories (default 3)")
}

func rpcStatus(ctx context.Context, client *rpc.Client) int {
	result, err := client.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Name:         %s\n", result.Name)
	fmt.Printf("State:        %s\n", result.State)
	fmt.Printf("Clients:      %d\n", result.PoolEntries)
	if result.DatabaseSessions >= 0 {
		fmt.Printf("DB Sessions:  %d\n", result.DatabaseSessions)
	} else {
		fmt.Printf("DB Sessions:  unknown\n")
	}
	if result.Uptime != "" {
		fmt.Printf("Uptime:       %s\n", result.Uptime)
	}
	fmt.Printf("Version:      %s\n", result.Version)

	return 0
}

func rpcPoolStats(ctx context.Context, client *rpc.Client) int {
	result, err := client.PoolStats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Clients:          %d/%d (%d draining)\n", result.Entries, result.MaxSize, result.Draining)
	fmt.Printf("References:       %d\n", result.Refs)
	fmt.Printf("Acquires:         %d (%d failed)\n", result.Acquires, result.AcquireFailed)
	fmt.Printf("Created:          %d\n", result.Created)
	fmt.Printf("Releases:         %d\n", result.Releases)
	fmt.Printf("Evictions:        %d\n", result.Evictions)
	fmt.Printf("Teardown errors:  %d\n", result.TeardownErrors)
	fmt.Printf("Reclaimer:        %s\n", result.Reclaimer)
	for _, key := range result.Keys {
		fmt.Printf("  %s\n", key)
	}

	return 0
}

func rpcMetrics(ctx context.Context, client *rpc.Client) int {
	text, err := client.Metrics(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(text)
	return 0
}

func rpcMemorySave(ctx context.Context, client *rpc.Client, userID string, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: memkeep rpc memory.save <text>")
		return 1
	}
	return printText(client.SaveMemory(ctx, args[0], userID))
}

func rpcMemorySearch(ctx context.Context, client *rpc.Client, userID string, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: memkeep rpc memory.search <query> [limit]")
		return 1
	}

	limit := 0
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid limit %q: %v\n", args[1], err)
			return 1
		}
		limit = n
	}

	return printText(client.SearchMemories(ctx, args[0], userID, limit))
}

// printText prints the text result of a memory method. Failed operations are
// reported by the server as text, so they print like any other result.
func printText(text string, err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(text)
	return 0
}
