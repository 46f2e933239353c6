package sip

import (
	"context"
	"errors"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// errNoFinalResponse is returned when a client transaction ends without a
// final response.
var errNoFinalResponse = errors.New("transaction ended without final response")

// sender sends requests on behalf of the phone. clientSender is the sipgo
// implementation; tests substitute a recorder.
type sender interface {
	// send runs a client transaction and returns its final response.
	// Provisional responses are passed to provisional when it is non-nil.
	send(ctx context.Context, req *sip.Request, provisional func(*sip.Response)) (*sip.Response, error)

	// write sends a request outside any transaction, e.g. ACK for 2xx.
	write(req *sip.Request) error
}

type clientSender struct {
	client *sipgo.Client
}

func (s clientSender) send(ctx context.Context, req *sip.Request, provisional func(*sip.Response)) (*sip.Response, error) {
	tx, err := s.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if txErr := tx.Err(); txErr != nil {
				return nil, fmt.Errorf("%s transaction: %w", req.Method, txErr)
			}
			return nil, errNoFinalResponse
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, errNoFinalResponse
			}
			if res.StatusCode < 200 {
				if provisional != nil {
					provisional(res)
				}
				continue
			}
			return res, nil
		}
	}
}

func (s clientSender) write(req *sip.Request) error {
	return s.client.WriteRequest(req)
}
