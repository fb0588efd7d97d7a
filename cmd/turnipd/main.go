package main

import (
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/getturnip/turnip/internal/activity"
	"github.com/getturnip/turnip/internal/api"
	"github.com/getturnip/turnip/internal/backend"
	"github.com/getturnip/turnip/internal/config"
	"github.com/getturnip/turnip/internal/createrepo"
	"github.com/getturnip/turnip/internal/frontend"
	"github.com/getturnip/turnip/internal/hookrpc"
	"github.com/getturnip/turnip/internal/midend"
	"github.com/getturnip/turnip/internal/process"
	"github.com/getturnip/turnip/internal/repo"
	"github.com/getturnip/turnip/internal/stats"
	"github.com/getturnip/turnip/internal/virtinfo"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Environment overrides for the settings that differ per host.
	if endpoint := os.Getenv("TURNIP_VIRTINFO_ENDPOINT"); endpoint != "" {
		cfg.VirtinfoEndpoint = endpoint
	}
	if store := os.Getenv("TURNIP_REPO_STORE"); store != "" {
		cfg.RepoStore = store
	}

	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("Failed to create directories: %v", err)
	}
	if cfg.HookBin == "" {
		// Default to a turnip-hook next to this binary.
		if exe, err := os.Executable(); err == nil {
			cfg.HookBin = filepath.Join(filepath.Dir(exe), "turnip-hook")
		}
	}

	client := virtinfo.New(cfg.VirtinfoEndpoint, cfg.VirtinfoTimeout())
	registry := hookrpc.NewRegistry()

	ticketStore, err := createrepo.NewStore(cfg.DBPath())
	if err != nil {
		log.Fatalf("Failed to open ticket store: %v", err)
	}
	defer ticketStore.Close()

	coordinator := createrepo.New(ticketStore, cfg.RepoStore, cfg.HookBin, cfg.CreateTimeout())
	coordinator.StartJanitor(0)
	defer coordinator.Stop()

	// Hook RPC bridge on a unix socket next to the repo store.
	bridge := hookrpc.NewServer(registry, client, cfg.VirtinfoTimeout())
	hookSock, err := bridge.Listen(cfg.HookRPCSockPath())
	if err != nil {
		log.Fatalf("Failed to listen on hook RPC socket: %v", err)
	}
	go serve("hookrpc", func() error { return bridge.Serve(hookSock) })

	// Backend pack service.
	procs := process.NewManager(0)
	backendSrv := backend.New(
		cfg.RepoStore, cfg.HookBin, cfg.HookRPCSockPath(), registry, coordinator, procs)
	go listenAndServe("backend", cfg.PackBackendAddr, backendSrv.Serve)

	// Virtualization proxy.
	sessions := activity.NewLog(500)
	midendSrv := midend.New(midend.Config{
		BackendAddr: cfg.BackendConnectAddr,
		RepoStore:   cfg.RepoStore,
		Activity:    sessions,
		AuthTimeout: cfg.VirtinfoTimeout(),
	}, client, registry, coordinator)
	go listenAndServe("midend", cfg.PackVirtAddr, midendSrv.Serve)

	// Client-facing frontends.
	packFrontend := frontend.NewPackFrontend(cfg.MidendConnectAddr)
	go listenAndServe("pack frontend", cfg.PackFrontendAddr, packFrontend.Serve)

	httpFrontend := frontend.NewHTTPFrontend(cfg.MidendConnectAddr, client)
	go func() {
		log.Printf("smart HTTP frontend listening on %s", cfg.SmartHTTPAddr)
		if err := http.ListenAndServe(cfg.SmartHTTPAddr, httpFrontend); err != nil {
			log.Fatalf("smart HTTP frontend: %v", err)
		}
	}()

	if cfg.SSHHostKey != "" {
		hostKey, err := frontend.LoadHostKey(cfg.SSHHostKey)
		if err != nil {
			log.Fatalf("Failed to load SSH host key: %v", err)
		}
		sshFrontend := frontend.NewSSHFrontend(cfg.MidendConnectAddr, client, hostKey)
		go listenAndServe("smart SSH frontend", cfg.SmartSSHAddr, sshFrontend.Serve)
	} else {
		log.Printf("ssh_host_key not configured; smart SSH frontend disabled")
	}

	// Internal admin API for repo-create confirm/abort plus node
	// introspection.
	adminSrv := api.NewServer(coordinator, registry, procs, sessions,
		repo.NewInventory(cfg.RepoStore), stats.NewCollector(cfg.RepoStore))
	go func() {
		log.Printf("admin API listening on %s", cfg.AdminAddr)
		if err := http.ListenAndServe(cfg.AdminAddr, adminSrv); err != nil {
			log.Fatalf("admin API: %v", err)
		}
	}()

	log.Printf("turnipd starting")
	log.Printf("  Repo store: %s", cfg.RepoStore)
	log.Printf("  Virtinfo: %s", cfg.VirtinfoEndpoint)
	log.Printf("  Hook RPC socket: %s", cfg.HookRPCSockPath())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutting down...")
	bridge.Close()
	backendSrv.Close()
	midendSrv.Close()
	packFrontend.Close()
	procs.TerminateAll()
	os.Remove(cfg.HookRPCSockPath())
}

func listenAndServe(name, addr string, serveFn func(net.Listener) error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("%s: listen %s: %v", name, addr, err)
	}
	log.Printf("%s listening on %s", name, addr)
	if err := serveFn(l); err != nil {
		log.Printf("%s: %v", name, err)
	}
}

func serve(name string, fn func() error) {
	if err := fn(); err != nil {
		log.Printf("%s: %v", name, err)
	}
}
