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
	"github.com/quhxuxm/ppaass-v3/internal/agentfront"
	"github.com/quhxuxm/ppaass-v3/internal/config"
	"github.com/quhxuxm/ppaass-v3/internal/pool"
	"github.com/quhxuxm/ppaass-v3/internal/server"
	"github.com/quhxuxm/ppaass-v3/internal/userrepo"
)

var flagConfigPath string
var flagAdminAddr string

var rootCmd = &cobra.Command{
	Use:   "ppaass-agent",
	Short: "Client-facing HTTP/SOCKS5 front end of the encrypted relay tunnel",
	RunE:  runAgent,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfigPath, "config", "agent.toml", "path to the agent TOML configuration file")
	flags.StringVar(&flagAdminAddr, "admin-addr", ":9090", "bind address for the admin HTTP surface")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("agent exited with error")
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgentConfig(flagConfigPath)
	if err != nil {
		return fmt.Errorf("loading agent config: %w", err)
	}
	zerolog.SetGlobalLevel(parseLevel(cfg.Server.MaxLogLevel))

	userRepo, err := userrepo.NewFileSystemRepository(cfg.Server.UserDir, cfg.Server.UserInfoRepositoryRefreshInterval())
	if err != nil {
		return fmt.Errorf("loading agent user repository: %w", err)
	}
	defer userRepo.Close()

	if cfg.Username == "" {
		anyRec, err := userRepo.GetAny()
		if err != nil {
			return fmt.Errorf("resolving agent identity: %w", err)
		}
		cfg.Username = anyRec.Username
	}
	ownRec, err := userRepo.Get(cfg.Username)
	if err != nil {
		return fmt.Errorf("resolving agent identity %q: %w", cfg.Username, err)
	}
	if ownRec.PrivateKey == nil {
		return fmt.Errorf("agent identity %q has no private key in its manifest", cfg.Username)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var connPool *pool.Pool
	if cfg.Pool.MaxPoolSize > 0 {
		connPool = pool.New(cfg.Pool.ToPoolConfig(cfg.Connection.ProxyConnectTimeout()), cfg.Username, ownRec.PrivateKey, userRepo, pool.DefaultSelector{})
		connPool.Start()
		defer connPool.Stop()
	}

	dispatcher := agentfront.New(agentfront.Config{
		ConnectTimeout:              cfg.Connection.ProxyConnectTimeout(),
		AgentToProxyRelayBufferSize: cfg.Connection.AgentToProxyRelayBufferSize,
		ProxyToAgentRelayBufferSize: cfg.Connection.ProxyToAgentRelayBufferSize,
	}, cfg.Username, ownRec.PrivateKey, userRepo, pool.DefaultSelector{}, connPool)

	var poolStats adminapi.PoolStatsProvider
	if connPool != nil {
		poolStats = func() adminapi.PoolStats {
			return adminapi.PoolStats{IdleConnections: connPool.Size(), MaxPoolSize: connPool.MaxSize()}
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
	}, dispatcher.HandleConnection)

	return srv.Serve(ctx)
}

func parseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
