package call

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/rocket/cmd/util"
	"github.com/ValentinKolb/rocket/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var CallCmd = &cobra.Command{
	Use:   "call <method> [json-param]",
	Short: "Invoke a method on a rocket server",
	Long: `Connect to a rocket server, invoke a single method and print its result.

The parameter is passed as JSON document, e.g.:
  rocket call compare 42
  rocket call echo '"hello"'
  rocket call ping`,
	Args:    cobra.RangeArgs(1, 2),
	PreRunE: processConfig,
	RunE:    run,
}

func init() {
	util.SetupClientFlags(CallCmd)

	key := "timeout"
	CallCmd.Flags().Duration(key, 10*time.Second, util.WrapString("Overall timeout of the command (connect and call)"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	return util.InitLogging()
}

func run(_ *cobra.Command, args []string) error {
	method := args[0]

	var param any
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("parameter is not a valid json document: %s", args[1])
		}
		param = json.RawMessage(args[1])
	}

	connector, err := util.GetClientConnector()
	if err != nil {
		return err
	}

	c := client.NewClient(util.GetClientConfig(), connector, util.GetSerializer())
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		return err
	}

	result, err := c.Invoke(ctx, method, param)
	if err != nil {
		return err
	}

	if len(result) == 0 {
		fmt.Println("ok")
		return nil
	}
	fmt.Println(string(result))
	return nil
}
