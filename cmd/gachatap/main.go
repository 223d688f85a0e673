package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/fatih/color"

	"github.com/iamgaru/gachatap/internal/config"
	"github.com/iamgaru/gachatap/internal/gacha"
	"github.com/iamgaru/gachatap/internal/logging"
	"github.com/iamgaru/gachatap/internal/proxy"
	"github.com/iamgaru/gachatap/internal/relay"
)

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow)
	addressColor = color.New(color.FgCyan, color.Bold)
	urlColor     = color.New(color.FgGreen)
)

type args struct {
	Config  string `arg:"-c,--config,env:GACHATAP_CONFIG" help:"path to a JSON or YAML config file"`
	CertDir string `arg:"--cert-dir,env:GACHATAP_CERT_DIR" help:"directory holding ca.cer and ca.key"`
	Listen  string `arg:"-l,--listen,env:GACHATAP_LISTEN" help:"proxy listen address (default 0.0.0.0:0)"`
	Debug   bool   `arg:"-d,--debug,env:GACHATAP_DEBUG" help:"enable debug logging"`
	Timeout int    `arg:"-t,--timeout,env:GACHATAP_TIMEOUT" help:"give up after this many seconds (0 waits forever)"`
	Verify  bool   `arg:"--verify,env:GACHATAP_VERIFY" help:"query the config list endpoint with the captured URL"`
	Fetch   bool   `arg:"--fetch-log,env:GACHATAP_FETCH_LOG" help:"page through the wish history of every banner"`
	Version bool   `arg:"-V,--version" help:"print version information"`
}

func printVersion() {
	version := "unknown"

	buildInfo, ok := debug.ReadBuildInfo()
	if ok && buildInfo.Main.Version != "" {
		version = buildInfo.Main.Version
	}

	fmt.Printf("Version: %s\n", version)
}

func main() {
	if err := run(); err != nil {
		errorColor.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var a args
	arg.MustParse(&a)

	if a.Version {
		printVersion()
		return nil
	}

	cfg, err := loadConfig(&a)
	if err != nil {
		return err
	}

	_, err = logging.InitGlobalLogger(logging.Config{
		LogFile:     cfg.Logging.LogFile,
		MaxSizeMB:   cfg.Logging.MaxFileSize,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
		EnableDebug: cfg.Logging.EnableDebug,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseGlobalLogger()

	log := logging.L()

	if a.Config != "" {
		watcher, err := watchConfig(a.Config, cfg)
		if err != nil {
			log.Warn().Err(err).Str("file", a.Config).Msg("config reload disabled")
		} else {
			defer watcher.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(a.Timeout)*time.Second)
		defer cancel()
	}

	url, err := proxy.TapForURL(ctx, cfg, log, printListening)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timed out waiting for the gacha log URL: %w", err)
		}
		return err
	}

	fmt.Println()
	fmt.Println("Captured gacha log URL:")
	urlColor.Println(url)

	q, err := gacha.ParseQuery(url)
	if err != nil {
		warnColor.Printf("The URL is missing data needed to query the history: %v\n", err)
		return nil
	}
	log.Info().Str("region", q.Get("region")).Str("lang", q.Get("lang")).Msg("captured URL is usable")

	if a.Verify || a.Fetch {
		return queryHistory(cfg, q, a.Fetch)
	}
	return nil
}

// loadConfig reads the config file if given and applies flag overrides
func loadConfig(a *args) (*config.Config, error) {
	cfg := config.Default()
	if a.Config != "" {
		loaded, err := config.NewLoader().Load(a.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}

	if a.CertDir != "" {
		cfg.TLS.CertDir = a.CertDir
	}
	if a.Listen != "" {
		cfg.Proxy.ListenAddr = a.Listen
	}
	if a.Debug {
		cfg.Logging.EnableDebug = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// watchConfig lets debug logging be switched while the proxy waits
func watchConfig(file string, cfg *config.Config) (*config.ConfigWatcher, error) {
	log := logging.L()
	watcher, err := config.NewConfigWatcher(file, config.NewLoader(), log)
	if err != nil {
		return nil, err
	}

	watcher.AddCallback(func(oldConfig, newConfig *config.Config) error {
		if oldConfig.Logging.EnableDebug != newConfig.Logging.EnableDebug {
			log.SetDebug(newConfig.Logging.EnableDebug)
			log.Info().Bool("debug", newConfig.Logging.EnableDebug).Msg("debug logging toggled")
		}
		return nil
	})

	if err := watcher.Start(cfg); err != nil {
		return nil, err
	}
	return watcher, nil
}

func printListening(info proxy.ListenInfo) {
	if info.Root.Generated {
		warnColor.Printf("A new root certificate was generated at %s\n", info.Root.CertPath)
		warnColor.Println("Install it as a trusted root CA before opening the wish history in game.")
		warnColor.Println("Anyone holding its key can impersonate any site to this machine. Remove it when done.")
	} else {
		fmt.Printf("Using root certificate %s\n", info.Root.CertPath)
	}
	fmt.Printf("Intercepting %s\n", strings.Join(info.Domains, ", "))

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		logging.L().Debug().Err(err).Msg("failed to list interface addresses")
	}

	fmt.Println("Set the HTTP proxy of the game device to one of:")
	for _, addr := range proxyAddrs(info.Addr, ifaceAddrs) {
		fmt.Print("  ")
		addressColor.Println(addr)
	}
	fmt.Println("then open the wish history in game.")
}

// proxyAddrs lists the addresses a client can use to reach the listener.
// An unspecified listen IP expands to loopback plus every non-loopback
// unicast interface address, so other devices on the network can connect.
func proxyAddrs(listen net.Addr, ifaceAddrs []net.Addr) []string {
	tcp, ok := listen.(*net.TCPAddr)
	if !ok || !tcp.IP.IsUnspecified() {
		return []string{listen.String()}
	}

	port := strconv.Itoa(tcp.Port)
	addrs := []string{net.JoinHostPort("127.0.0.1", port)}
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || !ip.IsGlobalUnicast() {
			continue
		}
		// An IPv4 listener cannot be reached over IPv6
		if tcp.IP.To4() != nil && ip.To4() == nil {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(ip.String(), port))
	}
	return addrs
}

// queryHistory checks the captured URL against the API and optionally pages
// through every banner. It uses the proxy's outbound client policy.
func queryHistory(cfg *config.Config, q *gacha.Query, fetchLog bool) error {
	log := logging.L()
	relayer := relay.NewRelayer(proxy.RelayOptions(cfg), log)
	defer relayer.Close()
	client := relayer.Client()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pools, err := gacha.FetchPools(ctx, client, q)
	if err != nil {
		return fmt.Errorf("captured URL was rejected: %w", err)
	}

	fmt.Printf("The URL is accepted; %d banners available:\n", len(pools))
	for _, pool := range pools {
		if !fetchLog {
			fmt.Printf("  %s  %s\n", pool.Key, pool.Name)
			continue
		}

		pulls, err := gacha.FetchLog(ctx, client, q, pool)
		if err != nil {
			return err
		}
		log.Info().Str("pool", pool.Name).Int("pulls", len(pulls)).Msg("wish history fetched")

		byRank := map[int64]int{}
		for _, pull := range pulls {
			byRank[pull.RankType]++
		}
		fmt.Printf("  %s  %-28s %5d pulls  5*: %d  4*: %d\n", pool.Key, pool.Name, len(pulls), byRank[5], byRank[4])
		for _, pull := range pulls {
			if pull.RankType == 5 {
				urlColor.Printf("      %s  %s\n", pull.Time, pull.Name)
			}
		}
	}
	return nil
}
