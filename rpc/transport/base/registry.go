package base

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ValentinKolb/rocket/rpc/common"
	"github.com/ValentinKolb/rocket/rpc/serializer"
	"github.com/puzpuzpuz/xsync/v3"
)

// methodShape tags the three supported handler signatures
type methodShape uint8

const (
	shapeAction   methodShape = iota // no parameter, no result
	shapeConsumer                    // parameter, no result
	shapeFunc                        // parameter and result
)

func (s methodShape) String() string {
	switch s {
	case shapeAction:
		return "action"
	case shapeConsumer:
		return "consumer"
	case shapeFunc:
		return "func"
	default:
		return "unknown"
	}
}

// invokeFunc decodes the parameter, runs the typed handlers and encodes the result (nil if none)
type invokeFunc func(ctx context.Context, s serializer.IRPCSerializer, param []byte) (result []byte, err error)

// inboundMethod is a registry entry. The typed handlers are captured by invoke.
type inboundMethod struct {
	name   string
	shape  methodShape
	invoke invokeFunc
}

// Registry maps network method names to locally registered handlers.
// Methods are meant to be registered at startup, before traffic is processed.
type Registry struct {
	methods *xsync.MapOf[string, *inboundMethod]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		methods: xsync.NewMapOf[string, *inboundMethod](),
	}
}

// Has reports whether a method is registered under name
func (r *Registry) Has(name string) bool {
	_, ok := r.methods.Load(name)
	return ok
}

// Len returns the number of registered methods
func (r *Registry) Len() int {
	return r.methods.Size()
}

// Names returns the sorted names of all registered methods
func (r *Registry) Names() []string {
	names := make([]string, 0, r.methods.Size())
	r.methods.Range(func(name string, _ *inboundMethod) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (*inboundMethod, bool) {
	return r.methods.Load(name)
}

// add stores the entry unless the name is invalid or already taken
func (r *Registry) add(m *inboundMethod) error {
	switch {
	case m.name == "":
		return errors.New("method name must not be empty")
	case m.name == common.AuthMethodName:
		return fmt.Errorf("%w: %s", common.ErrReservedMethod, m.name)
	}

	if existing, loaded := r.methods.LoadOrStore(m.name, m); loaded {
		return fmt.Errorf("%w: %s (%s)", common.ErrDuplicateMethod, m.name, existing.shape)
	}
	return nil
}

// --------------------------------------------------------------------------
// Registration
// --------------------------------------------------------------------------

// RegisterAction registers handlers without parameter and result.
// The handlers are invoked in the given order; the caller receives an empty Ok response.
func RegisterAction(r *Registry, name string, handlers ...func(ctx context.Context)) error {
	if len(handlers) == 0 {
		return fmt.Errorf("no handler given for method %s", name)
	}

	return r.add(&inboundMethod{
		name:  name,
		shape: shapeAction,
		invoke: func(ctx context.Context, _ serializer.IRPCSerializer, _ []byte) ([]byte, error) {
			for _, h := range handlers {
				h(ctx)
			}
			return nil, nil
		},
	})
}

// RegisterConsumer registers handlers taking a parameter of type P without result.
// The handlers are invoked in the given order; the caller receives an empty Ok response.
func RegisterConsumer[P any](r *Registry, name string, handlers ...func(ctx context.Context, param P)) error {
	if len(handlers) == 0 {
		return fmt.Errorf("no handler given for method %s", name)
	}

	return r.add(&inboundMethod{
		name:  name,
		shape: shapeConsumer,
		invoke: func(ctx context.Context, s serializer.IRPCSerializer, raw []byte) ([]byte, error) {
			var param P
			if err := s.Convert(raw, &param); err != nil {
				return nil, fmt.Errorf("invalid parameter: %w", err)
			}
			for _, h := range handlers {
				h(ctx, param)
			}
			return nil, nil
		},
	})
}

// RegisterFunc registers a handler taking a parameter of type P and returning a result of type R.
// Exactly one handler can be registered per name.
func RegisterFunc[P, R any](r *Registry, name string, handler func(ctx context.Context, param P) R) error {
	if handler == nil {
		return fmt.Errorf("no handler given for method %s", name)
	}

	return r.add(&inboundMethod{
		name:  name,
		shape: shapeFunc,
		invoke: func(ctx context.Context, s serializer.IRPCSerializer, raw []byte) ([]byte, error) {
			var param P
			if err := s.Convert(raw, &param); err != nil {
				return nil, fmt.Errorf("invalid parameter: %w", err)
			}
			result, err := s.Serialize(handler(ctx, param))
			if err != nil {
				return nil, fmt.Errorf("failed to encode result: %w", err)
			}
			return result, nil
		},
	})
}

// --------------------------------------------------------------------------
// Handler context
// --------------------------------------------------------------------------

type connectionKey struct{}

// withConnection returns a context carrying the connection a request arrived on
func withConnection(ctx context.Context, conn *Connection) context.Context {
	return context.WithValue(ctx, connectionKey{}, conn)
}

// ConnectionFromContext returns the connection the handled request arrived on
func ConnectionFromContext(ctx context.Context) (*Connection, bool) {
	conn, ok := ctx.Value(connectionKey{}).(*Connection)
	return conn, ok
}
