package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quhxuxm/ppaass-v3/internal/adminapi"
	"github.com/quhxuxm/ppaass-v3/internal/config"
	"github.com/quhxuxm/ppaass-v3/internal/dnsresolve"
	"github.com/quhxuxm/ppaass-v3/internal/pool"
	"github.com/quhxuxm/ppaass-v3/internal/proxytun"
	"github.com/quhxuxm/ppaass-v3/internal/server"
	"github.com/quhxuxm/ppaass-v3/internal/userrepo"
)

var flagConfigPath string
var flagAdminAddr string

var rootCmd = &cobra.Command{
	Use:   "ppaass-proxy",
	Short: "Terminates the encrypted relay tunnel and forwards to a destination or cascades onward",
	RunE:  runProxy,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfigPath, "config", "proxy.toml", "path to the proxy TOML configuration file")
	flags.StringVar(&flagAdminAddr, "admin-addr", ":9091", "bind address for the admin HTTP surface")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("proxy exited with error")
	}
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadProxyConfig(flagConfigPath)
	if err != nil {
		return fmt.Errorf("loading proxy config: %w", err)
	}
	zerolog.SetGlobalLevel(parseLevel(cfg.Server.MaxLogLevel))

	userRepo, err := userrepo.NewFileSystemRepository(cfg.Server.UserDir, cfg.Server.UserInfoRepositoryRefreshInterval())
	if err != nil {
		return fmt.Errorf("loading proxy user repository: %w", err)
	}
	defer userRepo.Close()

	ownRec, err := userRepo.GetAny()
	if err != nil {
		return fmt.Errorf("resolving proxy identity: %w", err)
	}
	if ownRec.PrivateKey == nil {
		return fmt.Errorf("proxy identity %q has no private key in its manifest", ownRec.Username)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var forward *proxytun.Forward
	var forwardPool *pool.Pool
	if cfg.Forward != nil {
		var forwardUserRepo userrepo.Repository = userRepo
		if cfg.Forward.UserDir != "" {
			forwardRepo, err := userrepo.NewFileSystemRepository(cfg.Forward.UserDir, cfg.Server.UserInfoRepositoryRefreshInterval())
			if err != nil {
				return fmt.Errorf("loading forward user repository: %w", err)
			}
			defer forwardRepo.Close()
			forwardUserRepo = forwardRepo
		}
		forwardRec, err := forwardUserRepo.Get(cfg.Forward.Username)
		if err != nil {
			return fmt.Errorf("resolving forward identity %q: %w", cfg.Forward.Username, err)
		}
		if cfg.Forward.ConnectionPool != nil && cfg.Forward.ConnectionPool.MaxPoolSize > 0 {
			forwardPool = pool.New(cfg.Forward.ConnectionPool.ToPoolConfig(cfg.Forward.ProxyConnectTimeout()), cfg.Forward.Username, forwardRec.PrivateKey, forwardUserRepo, pool.DefaultSelector{})
			forwardPool.Start()
			defer forwardPool.Stop()
		}
		forward = &proxytun.Forward{
			Username: cfg.Forward.Username,
			OwnPriv:  forwardRec.PrivateKey,
			UserRepo: forwardUserRepo,
			Selector: pool.DefaultSelector{},
			Pool:     forwardPool,
		}
	}

	var resolver *dnsresolve.Resolver
	if len(cfg.DNS.Nameservers) > 0 {
		resolver, err = dnsresolve.New(dnsresolve.Config{
			Nameservers:  cfg.DNS.Nameservers,
			QueryTimeout: cfg.DNS.QueryTimeout(),
			CacheSize:    cfg.DNS.CacheSize,
		})
		if err != nil {
			return fmt.Errorf("building dns resolver: %w", err)
		}
	}

	stateMachine := proxytun.New(proxytun.Config{
		DestinationConnectTimeout:         cfg.DestinationConnectTimeout(),
		ProxyToDestinationRelayBufferSize: cfg.ProxyToDestinationRelayBufferSize,
		DestinationToProxyRelayBufferSize: cfg.DestinationToProxyRelayBufferSize,
	}, userRepo, ownRec.PrivateKey, forward, resolver)

	var poolStats adminapi.PoolStatsProvider
	if forwardPool != nil {
		poolStats = func() adminapi.PoolStats {
			return adminapi.PoolStats{IdleConnections: forwardPool.Size(), MaxPoolSize: forwardPool.MaxSize()}
		}
	}
	admin := adminapi.New(poolStats)
	adminSrv := &http.Server{Addr: flagAdminAddr, Handler: admin.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin http server error")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adminSrv.Shutdown(shutdownCtx)
	}()

	srv := server.New(server.Config{
		IPv6:              cfg.Server.IPv6,
		Port:              uint16(cfg.Server.ServerPort),
		ShutdownGraceTime: 5 * time.Second,
	}, stateMachine.HandleConnection)

	return srv.Serve(ctx)
}

func parseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
