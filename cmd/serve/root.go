package serve

import (
	"context"
	"errors"
	"fmt"
	cmdUtil "github.com/ValentinKolb/dEcho/cmd/util"
	"github.com/ValentinKolb/dEcho/lib/common"
	"github.com/ValentinKolb/dEcho/lib/dispatcher"
	"github.com/ValentinKolb/dEcho/lib/echo"
	"github.com/ValentinKolb/dEcho/lib/transport/tcp"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var Logger = logger.GetLogger("cmd")

var (
	serveCmdConfig = common.DefaultServiceConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the echo service",
		Long:    `Start the echo service with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DECHO_<flag> (e.g. DECHO_PEER_ADDRESS=10.0.0.2)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "peer-address"
	ServeCmd.PersistentFlags().String(key, common.DefaultPeerAddress, cmdUtil.WrapString("The IPv4 address (dotted-quad) of the peer the service connects to"))

	key = "peer-port"
	ServeCmd.PersistentFlags().Uint16(key, common.DefaultPeerPort, cmdUtil.WrapString("The TCP port of the peer"))

	key = "buffer-size"
	ServeCmd.PersistentFlags().Int(key, common.DefaultBufferSize, cmdUtil.WrapString("The size of the receive buffer in bytes. At most this many bytes are read and echoed per readable event"))

	key = "reconnect-delay"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Delay in milliseconds before reconnecting after the peer closed or refused the connection. 0 reconnects immediately, which busy-loops (and logs every attempt) while the peer is absent. Restarts after registration failures are never delayed"))

	key = "max-sockets"
	ServeCmd.PersistentFlags().Int(key, common.DefaultMaxSockets, cmdUtil.WrapString("The number of sockets the event dispatcher accepts"))

	key = "transport-write-buffer"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The size of the socket send buffer (in KB, 0 = kernel default)"))

	key = "transport-read-buffer"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The size of the socket receive buffer (in KB, 0 = kernel default)"))

	key = "transport-tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY on the socket"))

	key = "transport-tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The keepalive interval of the socket (in seconds, 0 = disabled)"))

	key = "transport-tcp-linger"
	ServeCmd.PersistentFlags().Int(key, -1, cmdUtil.WrapString("The linger time of the socket (in seconds, -1 = kernel default)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The address on which prometheus metrics are served at /metrics (e.g. localhost:9100). Empty disables the endpoint"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the service configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.PeerAddress = viper.GetString("peer-address")
	serveCmdConfig.PeerPort = viper.GetUint16("peer-port")
	serveCmdConfig.BufferSize = viper.GetInt("buffer-size")
	serveCmdConfig.ReconnectDelayMillisecond = viper.GetInt("reconnect-delay")
	serveCmdConfig.MaxSockets = viper.GetInt("max-sockets")
	serveCmdConfig.Transport = common.TransportConfig{
		SocketConf: common.SocketConf{
			WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
		},
		TCPConf: common.TCPConf{
			TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		},
	}
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if err := serveCmdConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// run starts the echo service and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig); err != nil {
		return err
	}
	Logger.Infof("Starting dEcho with configuration:\n%s", serveCmdConfig.String())

	d, err := dispatcher.NewEpollDispatcher(serveCmdConfig.MaxSockets)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	defer d.Close()

	sockets, err := tcp.NewTCPSocketOps()
	if err != nil {
		return fmt.Errorf("failed to create socket transport: %w", err)
	}

	svc, err := echo.NewService(serveCmdConfig, d, sockets)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if serveCmdConfig.MetricsEndpoint != "" {
		srv := newMetricsServer(serveCmdConfig.MetricsEndpoint, svc)
		go func() {
			Logger.Infof("Starting metrics server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				Logger.Errorf("metrics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return svc.Serve(ctx)
}

// newMetricsServer exposes the process metrics and the service counters at /metrics
func newMetricsServer(endpoint string, svc *echo.Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WritePrometheus(w, true)
		svc.WritePrometheus(w)
	})
	return &http.Server{Addr: endpoint, Handler: mux}
}
