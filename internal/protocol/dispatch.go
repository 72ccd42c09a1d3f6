package protocol

import (
	"github.com/G-Research/loadforge/internal/common/forgecontext"
	"github.com/G-Research/loadforge/internal/common/logging"
)

// OperationHandler executes one decoded operation. The returned error is turned into the result kind sent back.
type OperationHandler func(ctx *forgecontext.Context, msg *Message, op Operation) error

// Dispatcher maps operation kinds onto handlers. Handlers are registered up front; a message whose kind has no
// handler is answered with UnsupportedOperation.
type Dispatcher struct {
	component string
	handlers  map[OperationKind]OperationHandler
}

func NewDispatcher(component string) *Dispatcher {
	return &Dispatcher{component: component, handlers: map[OperationKind]OperationHandler{}}
}

// Handle registers handler for kind, replacing any previous handler.
func (d *Dispatcher) Handle(kind OperationKind, handler OperationHandler) *Dispatcher {
	d.handlers[kind] = handler
	return d
}

func (d *Dispatcher) Handles(kind OperationKind) bool {
	_, ok := d.handlers[kind]
	return ok
}

// Dispatch runs the handler for msg and returns a single-part response for msg's destination.
func (d *Dispatcher) Dispatch(ctx *forgecontext.Context, msg *Message) *Response {
	return NewResponseWithPart(msg.MessageID(), msg.Destination(), d.Execute(ctx, msg))
}

// Execute runs the handler for msg and returns its result kind.
func (d *Dispatcher) Execute(ctx *forgecontext.Context, msg *Message) ResultKind {
	handler, ok := d.handlers[msg.OperationKind()]
	if !ok {
		ctx.Log.Warnf("%s has no handler for %s", d.component, msg.OperationKind())
		return UnsupportedOperation
	}
	op, err := msg.Operation()
	if err == nil {
		err = handler(ctx, msg, op)
	}
	if err != nil {
		result := ResultKindFromError(err)
		switch result {
		case ExceptionDuringOperation:
			logging.WithStacktrace(ctx.Log, err).Errorf("%s failed to execute %s", d.component, msg)
		case UnsupportedOperation:
			ctx.Log.Warnf("%s does not support %s", d.component, msg)
		default:
			ctx.Log.WithError(err).Warnf("%s could not route %s", d.component, msg)
		}
		return result
	}
	return Success
}

func (d *Dispatcher) HandleMessage(ctx *forgecontext.Context, _ *Conn, msg *Message) *Response {
	return d.Dispatch(ctx, msg)
}
