package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/rocket/cmd/util"
	"github.com/ValentinKolb/rocket/rpc/common"
	"github.com/ValentinKolb/rocket/rpc/server"
	"github.com/ValentinKolb/rocket/rpc/transport/base"
	vm "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = common.DefaultServerConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a rocket server",
		Long:    `Start a rocket server with the demo methods compare, echo and ping. The configuration can be set via command line flags or environment variables. The format of the environment variables is ROCKET_<flag> (e.g. ROCKET_RECEIVE_TIMEOUT=15s)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cmdUtil.SetupEndpointFlags(ServeCmd)

	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, serveCmdConfig.Endpoint, cmdUtil.WrapString("The address on which the server will listen (e.g. 127.0.0.1:4242, /tmp/rocket.sock)"))

	key = "credentials"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of accepted credentials. Format: LOGIN=KEY (e.g. alice=secret,bob=hunter2)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the http endpoint serving prometheus metrics at /metrics (e.g. 127.0.0.1:9090, empty = disabled)"))

	key = "stats-interval"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("Interval at which the server statistics are logged (0 = disabled)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	if err := cmdUtil.InitLogging(); err != nil {
		return err
	}

	credentials, err := cmdUtil.ParseCredentials(viper.GetString("credentials"))
	if err != nil {
		return err
	}

	serveCmdConfig.EndpointConfig = cmdUtil.GetEndpointConfig()
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.Credentials = credentials
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return nil
}

// run starts the server and blocks until the process is interrupted
func run(_ *cobra.Command, _ []string) error {
	connector, err := cmdUtil.GetServerConnector()
	if err != nil {
		return err
	}

	serv := server.NewServer(serveCmdConfig, connector, cmdUtil.GetSerializer())
	if err := RegisterDemoMethods(serv.Methods()); err != nil {
		return err
	}

	serv.OnAuthorized(func(login string, conn *base.Connection) {
		cmdUtil.Logger.Infof("client authorized (conn=%d, login=%s, clients=%d)", conn.ID(), login, serv.AuthorizedClientsCount())
	})

	fmt.Println(serveCmdConfig.String())

	if err := serv.Start(); err != nil {
		return err
	}
	cmdUtil.Logger.Infof("listening on %s (%s)", serv.Addr(), connector.GetName())

	var metricsServer *http.Server
	if serveCmdConfig.MetricsEndpoint != "" {
		metricsServer = startMetricsServer(serveCmdConfig.MetricsEndpoint)
	}

	if interval := viper.GetDuration("stats-interval"); interval > 0 {
		go gometrics.Log(serv.Stats().Registry(), interval, statsLogger{})
	}

	// wait for a termination signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cmdUtil.Logger.Infof("shutting down")

	var errs []error
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, metricsServer.Shutdown(ctx))
		cancel()
	}
	errs = append(errs, serv.Close())
	return errors.Join(errs...)
}

// startMetricsServer serves the process wide counters in the prometheus text format
func startMetricsServer(endpoint string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		vm.WritePrometheus(w, true)
	})

	srv := &http.Server{Addr: endpoint, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cmdUtil.Logger.Errorf("metrics endpoint failed: %v", err)
		}
	}()
	cmdUtil.Logger.Infof("serving metrics on http://%s/metrics", endpoint)
	return srv
}

// statsLogger adapts the cli logger for the go-metrics log reporter
type statsLogger struct{}

func (statsLogger) Printf(format string, v ...interface{}) {
	cmdUtil.Logger.Infof(format, v...)
}
