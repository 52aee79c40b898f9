package serve

import (
	"context"

	cmdUtil "github.com/ValentinKolb/rocket/cmd/util"
	"github.com/ValentinKolb/rocket/rpc/transport/base"
)

// Names of the demo methods served by rocket serve
const (
	MethodCompare = "compare"
	MethodEcho    = "echo"
	MethodPing    = "ping"
)

// RegisterDemoMethods registers compare, echo and ping
func RegisterDemoMethods(r *base.Registry) error {
	if err := base.RegisterFunc(r, MethodCompare, compare); err != nil {
		return err
	}
	if err := base.RegisterFunc(r, MethodEcho, echo); err != nil {
		return err
	}
	return base.RegisterAction(r, MethodPing, ping)
}

// compare returns the sign of value (-1, 0 or 1)
func compare(_ context.Context, value int) int {
	switch {
	case value < 0:
		return -1
	case value > 0:
		return 1
	default:
		return 0
	}
}

func echo(_ context.Context, value string) string {
	return value
}

func ping(ctx context.Context) {
	if conn, ok := base.ConnectionFromContext(ctx); ok {
		cmdUtil.Logger.Debugf("ping from %s", conn)
	}
}
