package executor

import (
	"context"
)

// confirmRequest carries one pending human confirmation.
type confirmRequest struct {
	TaskID     string
	Prompt     string
	responseCh chan confirmResponse
}

type confirmResponse struct {
	Approved bool
	Note     string
	Err      error
}

// ConfirmFunc answers a confirmation request out of band: an operator
// prompt, an approval API call, or a test stub.
type ConfirmFunc func(ctx context.Context, taskID, prompt string) (approved bool, note string, err error)

// ConfirmationGate serializes human-required confirmations between the
// dispatcher and whatever answers them. A wave holding a human-required
// task suspends on Confirm until the answer arrives or the run is
// cancelled.
type ConfirmationGate struct {
	requestCh chan confirmRequest
	fn        ConfirmFunc
	done      chan struct{}
}

// NewConfirmationGate creates a gate with the given buffer size and
// answer function. Buffer of 2x the dispatcher's parallelism keeps
// requesters from blocking each other on submit.
func NewConfirmationGate(bufferSize int, fn ConfirmFunc) *ConfirmationGate {
	if bufferSize <= 0 {
		bufferSize = 8
	}
	return &ConfirmationGate{
		requestCh: make(chan confirmRequest, bufferSize),
		fn:        fn,
		done:      make(chan struct{}),
	}
}

// Start launches the handler goroutine. It answers requests until the
// context is cancelled.
func (g *ConfirmationGate) Start(ctx context.Context) {
	go g.handle(ctx)
}

func (g *ConfirmationGate) handle(ctx context.Context) {
	defer close(g.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-g.requestCh:
			approved, note, err := g.fn(ctx, req.TaskID, req.Prompt)
			select {
			case <-ctx.Done():
				req.responseCh <- confirmResponse{Err: ctx.Err()}
				return
			default:
				req.responseCh <- confirmResponse{Approved: approved, Note: note, Err: err}
			}
		}
	}
}

// Confirm submits a confirmation request and blocks until it is answered
// or ctx is cancelled.
func (g *ConfirmationGate) Confirm(ctx context.Context, taskID, prompt string) (bool, string, error) {
	responseCh := make(chan confirmResponse, 1)
	req := confirmRequest{TaskID: taskID, Prompt: prompt, responseCh: responseCh}

	select {
	case g.requestCh <- req:
	case <-ctx.Done():
		return false, "", ctx.Err()
	}

	select {
	case resp := <-responseCh:
		return resp.Approved, resp.Note, resp.Err
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

// Stop blocks until the handler goroutine has exited.
func (g *ConfirmationGate) Stop() {
	<-g.done
}
