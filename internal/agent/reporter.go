package agent

import (
	"context"

	"github.com/pkg/errors"

	"github.com/G-Research/loadforge/internal/protocol"
)

// ReportFailure sends failure to the connected coordinator and waits for it to be acknowledged.
func (a *Agent) ReportFailure(failure *protocol.FailureOperation) error {
	coordinator := a.coordinatorConn()
	if coordinator == nil {
		return errors.New("no coordinator connected")
	}
	msg, err := protocol.NewMessage(protocol.CoordinatorAddress(), a.address, a.ids.Next(), failure)
	if err != nil {
		return err
	}
	ctx, cancel := protocol.WithRequestTimeout(context.Background(), a.config.Protocol.RequestTimeout)
	defer cancel()
	response, err := coordinator.Request(ctx, msg)
	if err != nil {
		return err
	}
	if address, result, failed := response.FirstFailure(); failed {
		return errors.Errorf("coordinator answered %s for %s", result, address)
	}
	return nil
}
