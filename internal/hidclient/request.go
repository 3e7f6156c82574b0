package hidclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bluetooth-hid/internal/errs"
	"bluetooth-hid/internal/hidmsg"
	"bluetooth-hid/internal/transport"
)

// roundTrip sends req and waits for its response. A response that fails
// validation is a protocol error; a well-formed response with a non-success
// status is returned together with a server error.
func (c *Client) roundTrip(ctx context.Context, op string, req hidmsg.Request) (hidmsg.Response, error) {
	fn := req.Function()
	msg, err := hidmsg.NewMessage(hidmsg.GroupHID, fn, c.tr.NextMessageID(), req)
	if err != nil {
		return nil, errs.Invalid(op, errs.CodeInvalidParameter, err)
	}

	start := time.Now()
	c.log.Debug("request", "header", msg.Header.String())
	raw, err := c.tr.SendAndWait(ctx, msg, c.timeout)
	if err != nil {
		err = transportError(op, err)
		c.metrics.RecordRequest(fn.String(), resultLabel(err), time.Since(start))
		return nil, err
	}

	rsp, err := c.decodeResponse(op, fn, raw)
	if err == nil && rsp.StatusCode() != hidmsg.StatusSuccess {
		err = errs.Server(op, rsp.StatusCode())
	}
	c.metrics.RecordRequest(fn.String(), resultLabel(err), time.Since(start))
	return rsp, err
}

// decodeResponse checks raw is the response paired with fn and decodes it.
// Failures are logged from raw's own header only.
func (c *Client) decodeResponse(op string, fn hidmsg.Function, raw hidmsg.Message) (hidmsg.Response, error) {
	if raw.Header.Group != hidmsg.GroupHID || raw.Header.Function != fn.Response() {
		c.log.Warn("unexpected response", "want", fn.Response().String(), "header", raw.Header.String())
		return nil, errs.Protocol(op, fmt.Errorf("got %s, want %s", raw.Header.Function, fn.Response()))
	}
	p, err := hidmsg.Decode(raw)
	if err != nil {
		c.log.Warn("malformed response", "header", raw.Header.String(), "error", err)
		return nil, errs.Protocol(op, err)
	}
	rsp, ok := p.(hidmsg.Response)
	if !ok {
		return nil, errs.Protocol(op, fmt.Errorf("%s has no status", raw.Header.Function))
	}
	return rsp, nil
}

// send hands a fire-and-forget request to the transport.
func (c *Client) send(ctx context.Context, op string, req hidmsg.Request) error {
	fn := req.Function()
	msg, err := hidmsg.NewMessage(hidmsg.GroupHID, fn, c.tr.NextMessageID(), req)
	if err != nil {
		return errs.Invalid(op, errs.CodeInvalidParameter, err)
	}
	start := time.Now()
	c.log.Debug("send", "header", msg.Header.String())
	if err := c.tr.Send(ctx, msg); err != nil {
		err = transportError(op, err)
		c.metrics.RecordRequest(fn.String(), resultLabel(err), time.Since(start))
		return err
	}
	c.metrics.RecordRequest(fn.String(), resultLabel(nil), time.Since(start))
	return nil
}

func transportError(op string, err error) error {
	switch {
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errs.Transport(op, errs.CodeTimeout, err)
	case errors.Is(err, context.Canceled):
		return errs.Transport(op, errs.CodeCanceled, err)
	default:
		return errs.Transport(op, errs.CodeSendFailed, err)
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch errs.Code(err) {
	case errs.CodeTimeout:
		return "timeout"
	case errs.CodeCanceled:
		return "canceled"
	case errs.CodeMalformedResponse:
		return "malformed"
	case errs.CodeSendFailed:
		return "send_failed"
	}
	if class, ok := errs.ClassOf(err); ok {
		return class.String()
	}
	return "error"
}
