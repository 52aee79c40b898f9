package util

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/rocket/rpc/common"
	"github.com/ValentinKolb/rocket/rpc/serializer"
	"github.com/ValentinKolb/rocket/rpc/transport"
	"github.com/ValentinKolb/rocket/rpc/transport/tcp"
	"github.com/ValentinKolb/rocket/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables read by the cli
	EnvPrefix = "rocket"
)

var Logger = logger.GetLogger("cli")

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// InitConfig loads the env files and initializes viper
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// InitLogging sets the level of all loggers from the log-level setting
func InitLogging() error {
	return common.InitLoggers(viper.GetString("log-level"))
}

// SetupEndpointFlags adds the protocol and socket flags shared by client and server
func SetupEndpointFlags(cmd *cobra.Command) {
	def := common.DefaultEndpointConfig()

	key := "send-timeout"
	cmd.PersistentFlags().Duration(key, def.SendTimeout, WrapString("Maximum time to write a single frame"))

	key = "receive-timeout"
	cmd.PersistentFlags().Duration(key, def.ReceiveTimeout, WrapString("Maximum time to wait for a response or for the body of a frame"))

	key = "max-message-length"
	cmd.PersistentFlags().Int64(key, def.MaxMessageLength, WrapString("Largest accepted frame body in bytes. Larger frames are skipped"))

	key = "buffer-size"
	cmd.PersistentFlags().Int(key, def.BufferSize, WrapString("Size of the per connection receive buffer in bytes"))

	key = "inbound-rate"
	cmd.PersistentFlags().Float64(key, 0, WrapString("Maximum frames per second read from a single connection (0 = unlimited)"))

	key = "inbound-burst"
	cmd.PersistentFlags().Int(key, 0, WrapString("Burst size of the inbound rate limit"))

	key = "socket-write-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket write buffer (in KB, 0 = os default)"))

	key = "socket-read-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket read buffer (in KB, 0 = os default)"))

	key = "tcp-nodelay"
	cmd.PersistentFlags().Bool(key, def.Socket.TCPNoDelay, WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval (in seconds, only for tcp)"))

	key = "tcp-linger"
	cmd.PersistentFlags().Int(key, def.Socket.TCPLingerSec, WrapString("The linger time (in seconds, only for tcp, -1 = os default)"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "info", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// GetEndpointConfig reads the protocol and socket settings from viper
func GetEndpointConfig() common.EndpointConfig {
	return common.EndpointConfig{
		SendTimeout:            viper.GetDuration("send-timeout"),
		ReceiveTimeout:         viper.GetDuration("receive-timeout"),
		MaxMessageLength:       viper.GetInt64("max-message-length"),
		BufferSize:             viper.GetInt("buffer-size"),
		InboundFramesPerSecond: viper.GetFloat64("inbound-rate"),
		InboundBurst:           viper.GetInt("inbound-burst"),
		Socket: common.SocketConf{
			WriteBufferSize: viper.GetInt("socket-write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("socket-read-buffer") * 1024,
			TCPNoDelay:      viper.GetBool("tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("tcp-linger"),
		},
	}.WithDefaults()
}

// SetupClientFlags adds the flags of commands acting as client
func SetupClientFlags(cmd *cobra.Command) {
	def := common.DefaultClientConfig()

	SetupEndpointFlags(cmd)

	key := "host"
	cmd.PersistentFlags().String(key, def.Host, WrapString("Host of the rocket server"))

	key = "port"
	cmd.PersistentFlags().Int(key, def.Port, WrapString("Port of the rocket server"))

	key = "endpoint"
	cmd.PersistentFlags().String(key, "", WrapString("Address of the server, overrides host and port (e.g. localhost:4242, /tmp/rocket.sock)"))

	key = "login"
	cmd.PersistentFlags().String(key, "", WrapString("Login presented to the server"))

	key = "key"
	cmd.PersistentFlags().String(key, "", WrapString("Key presented to the server"))

	key = "reconnect-interval"
	cmd.PersistentFlags().Duration(key, 500*time.Millisecond, WrapString("Pause between two connection attempts"))

	key = "max-attempts"
	cmd.PersistentFlags().Int(key, 3, WrapString("Maximum number of connection attempts (0 = unbounded)"))
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() common.ClientConfig {
	return common.ClientConfig{
		EndpointConfig:        GetEndpointConfig(),
		Host:                  viper.GetString("host"),
		Port:                  viper.GetInt("port"),
		Endpoint:              viper.GetString("endpoint"),
		Login:                 viper.GetString("login"),
		Key:                   viper.GetString("key"),
		AutoReconnect:         false, // cli commands are short lived
		ReconnectInterval:     viper.GetDuration("reconnect-interval"),
		MaxConnectionAttempts: viper.GetInt("max-attempts"),
	}
}

// ParseCredentials parses a comma separated list of login=key pairs
func ParseCredentials(value string) ([]common.Credentials, error) {
	var credentials []common.Credentials
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		login, key, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(login) == "" {
			return nil, fmt.Errorf("invalid credentials format: %s (expected LOGIN=KEY)", pair)
		}
		credentials = append(credentials, common.NewCredentials(strings.TrimSpace(login), key))
	}
	return credentials, nil
}

// --------------------------------------------------------------------------
// Transport and serializer
// --------------------------------------------------------------------------

// GetSerializer creates the serializer of the payloads
func GetSerializer() serializer.IRPCSerializer {
	return serializer.NewJSONSerializer()
}

// GetClientConnector creates the client connector of the configured transport
func GetClientConnector() (transport.IClientConnector, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPClientConnector(), nil
	case "unix":
		return unix.NewUnixClientConnector(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// GetServerConnector creates the server connector of the configured transport
func GetServerConnector() (transport.IServerConnector, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPServerConnector(), nil
	case "unix":
		return unix.NewUnixServerConnector(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}
