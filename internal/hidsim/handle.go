package hidsim

import (
	"context"

	"bluetooth-hid/internal/hidmsg"
)

// handle answers one request on the session's delivery goroutine. The
// response is written before any event the request causes.
func (s *Sim) handle(sess *session, msg hidmsg.Message) {
	ctx := context.Background()
	log := s.log.With("header", msg.Header.String())

	p, err := hidmsg.Decode(msg)
	if err != nil {
		log.Warn("malformed request", "error", err)
		if !msg.Header.Function.FireAndForget() {
			s.reply(ctx, sess, msg, &hidmsg.StatusResponse{Status: StatusMalformed})
		}
		return
	}
	req, ok := p.(hidmsg.Request)
	if !ok {
		log.Debug("ignoring non-request message")
		return
	}

	rsp, after := s.apply(sess, req)
	if rsp != nil {
		s.reply(ctx, sess, msg, rsp)
	}
	if after != nil {
		after(ctx)
	}
}

func (s *Sim) reply(ctx context.Context, sess *session, req hidmsg.Message, p hidmsg.Payload) {
	rsp, err := req.Reply(p)
	if err == nil {
		err = sess.conn.Send(ctx, rsp)
	}
	if err != nil {
		s.log.Warn("reply failed", "header", req.Header.String(), "error", err)
	}
}

func status(code int32) *hidmsg.StatusResponse { return &hidmsg.StatusResponse{Status: code} }

// apply updates the simulator state for req. It returns the response
// payload (nil for fire-and-forget requests) and an optional follow-up that
// emits events once the response is on the wire.
func (s *Sim) apply(sess *session, req hidmsg.Request) (hidmsg.Payload, func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r := req.(type) {
	case *hidmsg.RegisterEventsRequest:
		s.nextSub++
		sess.subscriptionID = s.nextSub
		return &hidmsg.RegisterEventsResponse{SubscriptionID: sess.subscriptionID}, nil

	case *hidmsg.UnregisterEventsRequest:
		if r.SubscriptionID == sess.subscriptionID {
			sess.subscriptionID = 0
		}
		return nil, nil

	case *hidmsg.RegisterDataEventsRequest:
		if sess.dataID != 0 {
			return &hidmsg.RegisterDataEventsResponse{Status: StatusBusy}, nil
		}
		s.nextData++
		sess.dataID = s.nextData
		return &hidmsg.RegisterDataEventsResponse{DataID: sess.dataID}, nil

	case *hidmsg.UnregisterDataEventsRequest:
		if r.DataID == 0 || r.DataID != sess.dataID {
			return status(StatusBadDataID), nil
		}
		sess.dataID = 0
		return status(hidmsg.StatusSuccess), nil

	case *hidmsg.ConnectRequest:
		if !s.powered {
			return status(StatusNotPowered), nil
		}
		if s.connected[r.Device] {
			return status(StatusBusy), nil
		}
		dev := r.Device
		return status(hidmsg.StatusSuccess), func(ctx context.Context) { s.finishConnect(ctx, sess, dev) }

	case *hidmsg.DisconnectRequest:
		if !s.connected[r.Device] {
			return status(StatusNotConnected), nil
		}
		delete(s.connected, r.Device)
		dev := r.Device
		return status(hidmsg.StatusSuccess), func(ctx context.Context) {
			s.Broadcast(ctx, &hidmsg.DisconnectedEvent{Device: dev})
		}

	case *hidmsg.ConnectionRequestResponseRequest:
		if !s.powered {
			return status(StatusNotPowered), nil
		}
		if !r.Accept {
			return status(hidmsg.StatusSuccess), nil
		}
		s.connected[r.Device] = true
		dev := r.Device
		return status(hidmsg.StatusSuccess), func(ctx context.Context) {
			s.Broadcast(ctx, &hidmsg.ConnectedEvent{Device: dev})
		}

	case *hidmsg.QueryConnectedDevicesRequest:
		all := s.connectedLocked()
		n := min(len(all), int(r.MaxDevices))
		return &hidmsg.QueryConnectedDevicesResponse{TotalDevices: uint32(len(all)), Devices: all[:n]}, nil

	case *hidmsg.ChangeIncomingConnectionFlagsRequest:
		s.incoming = r.Flags
		return status(hidmsg.StatusSuccess), nil

	case *hidmsg.SetKeyboardRepeatRateRequest:
		s.repeat = *r
		return status(hidmsg.StatusSuccess), nil
	}

	return s.applyData(sess, req)
}

// applyData handles the data-path requests. Caller holds s.mu.
func (s *Sim) applyData(sess *session, req hidmsg.Request) (hidmsg.Payload, func(context.Context)) {
	var (
		dataID uint32
		dev    hidmsg.BDAddr
	)
	switch r := req.(type) {
	case *hidmsg.SendReportDataRequest:
		dataID, dev = r.DataID, r.Device
	case *hidmsg.SendGetReportRequest:
		dataID, dev = r.DataID, r.Device
	case *hidmsg.SendSetReportRequest:
		dataID, dev = r.DataID, r.Device
	case *hidmsg.SendGetProtocolRequest:
		dataID, dev = r.DataID, r.Device
	case *hidmsg.SendSetProtocolRequest:
		dataID, dev = r.DataID, r.Device
	case *hidmsg.SendGetIdleRequest:
		dataID, dev = r.DataID, r.Device
	case *hidmsg.SendSetIdleRequest:
		dataID, dev = r.DataID, r.Device
	default:
		s.log.Warn("unhandled request", "function", req.Function().String())
		return status(StatusMalformed), nil
	}
	if dataID == 0 || dataID != sess.dataID {
		return status(StatusBadDataID), nil
	}
	if !s.connected[dev] {
		return status(StatusNotConnected), nil
	}

	var confirm hidmsg.Event
	switch r := req.(type) {
	case *hidmsg.SendReportDataRequest:
		s.reports[reportKey{dev: dev, typ: hidmsg.ReportTypeOutput}] = r.Data
		return status(hidmsg.StatusSuccess), nil

	case *hidmsg.SendGetReportRequest:
		c := &hidmsg.GetReportConfirmationEvent{DataID: dataID, Device: dev, ReportType: r.Type}
		data, ok := s.reports[reportKey{dev: dev, typ: r.Type, id: r.ReportID}]
		switch {
		case !ok:
			c.Status = hidmsg.ResultErrInvalidReportID
		default:
			if r.Size == hidmsg.ReportSizeUseBufferSize && len(data) > int(r.BufferSize) {
				data = data[:r.BufferSize]
			}
			c.Status = hidmsg.ResultData
			c.Data = append([]byte(nil), data...)
		}
		confirm = c

	case *hidmsg.SendSetReportRequest:
		id := uint8(0)
		if len(r.Data) > 0 {
			id = r.Data[0]
		}
		s.reports[reportKey{dev: dev, typ: r.Type, id: id}] = append([]byte(nil), r.Data...)
		confirm = &hidmsg.SetReportConfirmationEvent{DataID: dataID, Device: dev, Status: hidmsg.ResultSuccessful}

	case *hidmsg.SendGetProtocolRequest:
		p, ok := s.protocol[dev]
		if !ok {
			p = hidmsg.ProtocolReport
		}
		confirm = &hidmsg.GetProtocolConfirmationEvent{DataID: dataID, Device: dev, Status: hidmsg.ResultData, Protocol: p}

	case *hidmsg.SendSetProtocolRequest:
		s.protocol[dev] = r.Protocol
		confirm = &hidmsg.SetProtocolConfirmationEvent{DataID: dataID, Device: dev, Status: hidmsg.ResultSuccessful}

	case *hidmsg.SendGetIdleRequest:
		confirm = &hidmsg.GetIdleConfirmationEvent{DataID: dataID, Device: dev, Status: hidmsg.ResultData, IdleRate: s.idle[dev]}

	case *hidmsg.SendSetIdleRequest:
		s.idle[dev] = r.IdleRate
		confirm = &hidmsg.SetIdleConfirmationEvent{DataID: dataID, Device: dev, Status: hidmsg.ResultSuccessful}
	}
	return status(hidmsg.StatusSuccess), func(ctx context.Context) { s.emitTo(ctx, sess, confirm) }
}

// finishConnect reports the outcome of a connect to the requesting client
// and, on success, announces the link to every event listener.
func (s *Sim) finishConnect(ctx context.Context, sess *session, dev hidmsg.BDAddr) {
	st := s.outcome(dev)
	if st == hidmsg.ConnectionStatusSuccess {
		s.mu.Lock()
		s.connected[dev] = true
		s.mu.Unlock()
	}
	s.emitTo(ctx, sess, &hidmsg.ConnectionStatusEvent{Device: dev, Status: st})
	if st == hidmsg.ConnectionStatusSuccess {
		s.Broadcast(ctx, &hidmsg.ConnectedEvent{Device: dev})
	}
}
