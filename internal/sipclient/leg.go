package sipclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

const inDialogWait = 10 * time.Second

// legEvents buffers events emitted before the owner registers its sink, so
// no signaling event is lost between Invite returning and OnEvent being set.
// Events are delivered in emission order; nothing is emitted after a terminal
// event.
type legEvents struct {
	mu       sync.Mutex
	sink     func(LegEvent)
	pending  []LegEvent
	terminal bool
}

func (e *legEvents) emit(ev LegEvent) {
	e.mu.Lock()
	if e.terminal {
		e.mu.Unlock()
		return
	}
	if ev.Kind == LegEnded || ev.Kind == LegFailed {
		e.terminal = true
	}
	if e.sink == nil {
		e.pending = append(e.pending, ev)
		e.mu.Unlock()
		return
	}
	sink := e.sink
	e.mu.Unlock()
	sink(ev)
}

func (e *legEvents) OnEvent(fn func(LegEvent)) {
	e.mu.Lock()
	e.sink = fn
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, ev := range pending {
		fn(ev)
	}
}

func (e *legEvents) isTerminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

// =============================================================================
// Outbound leg
// =============================================================================

// Invite places an outbound call and returns its leg. The INVITE transaction
// runs asynchronously; progress arrives on the leg's event sink.
func (t *sipgoTransport) Invite(ctx context.Context, target string, opts InviteOptions) (Leg, error) {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return nil, ErrTransportDisconnected
	}

	callID := uuid.New().String()
	recipient := sip.Uri{Scheme: "sip", User: target, Host: t.domain}

	req := t.newRequest(sip.INVITE, recipient, callID, 1)
	for name, value := range opts.Headers {
		req.AppendHeader(sip.NewHeader(name, value))
	}
	sdp := opts.SDP
	if opts.RecvOnly {
		sdp = sdpWithDirection(sdp, "recvonly")
	}
	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody([]byte(sdp))

	dialCtx, cancel := context.WithCancel(ctx)

	leg := &outboundLeg{
		t:          t,
		id:         callID,
		remote:     target,
		invite:     req,
		localSDP:   sdp,
		cancelDial: cancel,
		cseq:       1,
	}
	go leg.dial(dialCtx, req)

	t.logger.Info().Str("call_id", callID).Str("target", target).Msg("INVITE sent")
	return leg, nil
}

type outboundLeg struct {
	legEvents
	t        *sipgoTransport
	id       string
	remote   string
	invite   *sip.Request
	localSDP string

	state        sync.Mutex
	cancelDial   context.CancelFunc
	hungup       bool
	answered     bool
	remoteTarget *sip.Uri
	finalResp    *sip.Response
	cseq         uint32
}

func (l *outboundLeg) ID() string          { return l.id }
func (l *outboundLeg) Remote() string      { return l.remote }
func (l *outboundLeg) RemoteOffer() string { return "" }

func (l *outboundLeg) Accept(ctx context.Context, answerSDP string) error {
	return fmt.Errorf("cannot accept an outgoing call")
}

func (l *outboundLeg) Reject(code int, reason string) error {
	return fmt.Errorf("cannot reject an outgoing call")
}

// dial drives the INVITE transaction to a final response.
func (l *outboundLeg) dial(ctx context.Context, invite *sip.Request) {
	tx, err := l.t.client.TransactionRequest(ctx, invite)
	if err != nil {
		l.emit(LegEvent{Kind: LegFailed, Cause: fmt.Errorf("transaction failed: %w", err)})
		return
	}

	for {
		select {
		case <-ctx.Done():
			l.sendCANCEL(invite)
			l.state.Lock()
			hungup := l.hungup
			l.state.Unlock()
			if hungup {
				l.emit(LegEvent{Kind: LegEnded})
				return
			}
			cause := ctx.Err()
			if errors.Is(cause, context.DeadlineExceeded) {
				cause = ErrTimeout
			}
			l.emit(LegEvent{Kind: LegFailed, Cause: cause})
			return

		case resp := <-tx.Responses():
			if resp == nil {
				l.emit(LegEvent{Kind: LegFailed, Cause: fmt.Errorf("no response received")})
				return
			}
			if l.handleDialResponse(resp, invite) {
				return
			}

		case <-tx.Done():
			if l.isTerminal() {
				return
			}
			l.emit(LegEvent{Kind: LegFailed, Cause: fmt.Errorf("transaction terminated unexpectedly")})
			return
		}
	}
}

// handleDialResponse returns true once a final response has been processed.
func (l *outboundLeg) handleDialResponse(resp *sip.Response, invite *sip.Request) bool {
	code := int(resp.StatusCode)
	switch {
	case code < 180:
		return false

	case code < 200:
		l.emit(LegEvent{Kind: LegRinging})
		return false

	case code < 300:
		l.state.Lock()
		l.answered = true
		l.finalResp = resp
		if c := resp.Contact(); c != nil {
			addr := c.Address
			l.remoteTarget = &addr
		}
		l.state.Unlock()
		l.sendACK(resp, invite)
		l.emit(LegEvent{Kind: LegAnswered, SDP: string(resp.Body())})
		return true

	default:
		l.emit(LegEvent{Kind: LegFailed, Cause: fmt.Errorf("call rejected: %d %s", code, resp.Reason)})
		return true
	}
}

// sendACK acknowledges a 2xx final response (RFC 3261 Section 13.2.2.4).
func (l *outboundLeg) sendACK(resp *sip.Response, invite *sip.Request) {
	recipient := invite.Recipient
	if c := resp.Contact(); c != nil {
		recipient = c.Address
	}

	ack := sip.NewRequest(sip.ACK, recipient)
	sip.CopyHeaders("Via", invite, ack)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("To", resp, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if err := l.t.client.WriteRequest(ack); err != nil {
		l.t.logger.Warn().Str("call_id", l.id).Err(err).Msg("failed to send ACK")
	}
}

// sendCANCEL cancels the pending INVITE (RFC 3261 Section 9.1).
func (l *outboundLeg) sendCANCEL(invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), inDialogWait)
	defer cancel()
	if _, err := l.t.client.TransactionRequest(ctx, cancelReq); err != nil {
		l.t.logger.Warn().Str("call_id", l.id).Err(err).Msg("failed to send CANCEL")
	}
}

// Hangup cancels a ringing call or sends BYE on an answered one.
func (l *outboundLeg) Hangup(ctx context.Context) error {
	if l.isTerminal() {
		return nil
	}

	l.state.Lock()
	l.hungup = true
	answered := l.answered
	cancel := l.cancelDial
	l.state.Unlock()

	if !answered {
		// Cancels the in-flight negotiation; the dial loop sends CANCEL.
		cancel()
		return nil
	}
	return l.bye(ctx)
}

func (l *outboundLeg) bye(ctx context.Context) error {
	bye := l.inDialogRequest(sip.BYE)

	byeCtx, cancel := context.WithTimeout(ctx, inDialogWait)
	defer cancel()
	_, err := l.t.roundTrip(byeCtx, bye)
	l.emit(LegEvent{Kind: LegEnded})
	if err != nil {
		return fmt.Errorf("BYE failed: %w", err)
	}
	return nil
}

// SetHold re-INVITEs with the direction attribute flipped.
func (l *outboundLeg) SetHold(ctx context.Context, held bool) error {
	l.state.Lock()
	answered := l.answered
	l.state.Unlock()
	if !answered || l.isTerminal() {
		return fmt.Errorf("no established dialog")
	}

	direction := "sendrecv"
	if held {
		direction = "sendonly"
	}
	body := sdpWithDirection(l.localSDP, direction)

	reinvite := l.inDialogRequest(sip.INVITE)
	contentType := sip.ContentTypeHeader("application/sdp")
	reinvite.AppendHeader(&contentType)
	reinvite.SetBody([]byte(body))

	holdCtx, cancel := context.WithTimeout(ctx, inDialogWait)
	defer cancel()
	resp, err := l.t.roundTrip(holdCtx, reinvite)
	if err != nil {
		return fmt.Errorf("re-INVITE failed: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("re-INVITE rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	l.sendACK(resp, reinvite)
	return nil
}

// Refer hands the call off to target (blind transfer). The outcome is
// reported on the event sink, not as a call-state transition.
func (l *outboundLeg) Refer(ctx context.Context, target string) error {
	l.state.Lock()
	answered := l.answered
	l.state.Unlock()
	if !answered || l.isTerminal() {
		return fmt.Errorf("no established dialog")
	}

	refer := l.inDialogRequest(sip.REFER)
	refer.AppendHeader(sip.NewHeader("Refer-To", fmt.Sprintf("sip:%s@%s", target, l.t.domain)))
	refer.AppendHeader(sip.NewHeader("Referred-By", fmt.Sprintf("sip:%s@%s", l.t.user, l.t.domain)))

	referCtx, cancel := context.WithTimeout(ctx, inDialogWait)
	defer cancel()
	resp, err := l.t.roundTrip(referCtx, refer)
	if err != nil {
		l.emit(LegEvent{Kind: LegReferFailed, Cause: err})
		return err
	}
	if resp.StatusCode/100 != 2 {
		err := fmt.Errorf("transfer rejected: %d %s", resp.StatusCode, resp.Reason)
		l.emit(LegEvent{Kind: LegReferFailed, Cause: err})
		return err
	}
	l.emit(LegEvent{Kind: LegReferAccepted})
	return nil
}

// inDialogRequest builds a request inside the established dialog.
func (l *outboundLeg) inDialogRequest(method sip.RequestMethod) *sip.Request {
	l.state.Lock()
	recipient := l.invite.Recipient
	if l.remoteTarget != nil {
		recipient = *l.remoteTarget
	}
	resp := l.finalResp
	l.cseq++
	seq := l.cseq
	l.state.Unlock()

	req := sip.NewRequest(method, recipient)
	sip.CopyHeaders("From", l.invite, req)
	sip.CopyHeaders("Call-ID", l.invite, req)
	if resp != nil {
		sip.CopyHeaders("To", resp, req)
	} else {
		sip.CopyHeaders("To", l.invite, req)
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: l.t.user, Host: l.t.domain},
	})
	return req
}

// =============================================================================
// Inbound leg
// =============================================================================

type inboundLeg struct {
	legEvents
	t      *sipgoTransport
	id     string
	remote string
	req    *sip.Request
	tx     sip.ServerTransaction

	state    sync.Mutex
	answered bool
	rejected bool
	localSDP string
	cseq     uint32
}

func (l *inboundLeg) ID() string     { return l.id }
func (l *inboundLeg) Remote() string { return l.remote }

func (l *inboundLeg) RemoteOffer() string {
	return string(l.req.Body())
}

// Accept answers the INVITE with the negotiated SDP.
func (l *inboundLeg) Accept(ctx context.Context, answerSDP string) error {
	l.state.Lock()
	if l.answered || l.rejected {
		l.state.Unlock()
		return fmt.Errorf("leg already finalized")
	}
	l.answered = true
	l.localSDP = answerSDP
	l.cseq = 1
	l.state.Unlock()

	ok := sip.NewResponseFromRequest(l.req, 200, "OK", []byte(answerSDP))
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := l.tx.Respond(ok); err != nil {
		return fmt.Errorf("failed to send 200 OK: %w", err)
	}
	return nil
}

// Reject declines the INVITE with the given signaling code (486 busy,
// 603 decline).
func (l *inboundLeg) Reject(code int, reason string) error {
	l.state.Lock()
	if l.answered || l.rejected {
		l.state.Unlock()
		return fmt.Errorf("leg already finalized")
	}
	l.rejected = true
	l.state.Unlock()

	l.t.dropInbound(l.id)
	resp := sip.NewResponseFromRequest(l.req, sip.StatusCode(code), reason, nil)
	if err := l.tx.Respond(resp); err != nil {
		return fmt.Errorf("failed to send %d: %w", code, err)
	}
	l.emit(LegEvent{Kind: LegEnded})
	return nil
}

// Hangup sends BYE on an answered call; an unanswered incoming call must be
// declined through Reject instead.
func (l *inboundLeg) Hangup(ctx context.Context) error {
	l.state.Lock()
	answered := l.answered
	l.state.Unlock()
	if !answered {
		return l.Reject(603, "Decline")
	}
	if l.isTerminal() {
		return nil
	}

	bye := l.inDialogRequest(sip.BYE)
	l.t.dropInbound(l.id)

	byeCtx, cancel := context.WithTimeout(ctx, inDialogWait)
	defer cancel()
	_, err := l.t.roundTrip(byeCtx, bye)
	l.emit(LegEvent{Kind: LegEnded})
	if err != nil {
		return fmt.Errorf("BYE failed: %w", err)
	}
	return nil
}

func (l *inboundLeg) SetHold(ctx context.Context, held bool) error {
	l.state.Lock()
	answered := l.answered
	localSDP := l.localSDP
	l.state.Unlock()
	if !answered || l.isTerminal() {
		return fmt.Errorf("no established dialog")
	}

	direction := "sendrecv"
	if held {
		direction = "sendonly"
	}
	reinvite := l.inDialogRequest(sip.INVITE)
	contentType := sip.ContentTypeHeader("application/sdp")
	reinvite.AppendHeader(&contentType)
	reinvite.SetBody([]byte(sdpWithDirection(localSDP, direction)))

	holdCtx, cancel := context.WithTimeout(ctx, inDialogWait)
	defer cancel()
	resp, err := l.t.roundTrip(holdCtx, reinvite)
	if err != nil {
		return fmt.Errorf("re-INVITE failed: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("re-INVITE rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	return nil
}

func (l *inboundLeg) Refer(ctx context.Context, target string) error {
	l.state.Lock()
	answered := l.answered
	l.state.Unlock()
	if !answered || l.isTerminal() {
		return fmt.Errorf("no established dialog")
	}

	refer := l.inDialogRequest(sip.REFER)
	refer.AppendHeader(sip.NewHeader("Refer-To", fmt.Sprintf("sip:%s@%s", target, l.t.domain)))
	refer.AppendHeader(sip.NewHeader("Referred-By", fmt.Sprintf("sip:%s@%s", l.t.user, l.t.domain)))

	referCtx, cancel := context.WithTimeout(ctx, inDialogWait)
	defer cancel()
	resp, err := l.t.roundTrip(referCtx, refer)
	if err != nil {
		l.emit(LegEvent{Kind: LegReferFailed, Cause: err})
		return err
	}
	if resp.StatusCode/100 != 2 {
		err := fmt.Errorf("transfer rejected: %d %s", resp.StatusCode, resp.Reason)
		l.emit(LegEvent{Kind: LegReferFailed, Cause: err})
		return err
	}
	l.emit(LegEvent{Kind: LegReferAccepted})
	return nil
}

// inDialogRequest builds a request inside the dialog established by the
// incoming INVITE. From/To are reversed relative to the original request.
func (l *inboundLeg) inDialogRequest(method sip.RequestMethod) *sip.Request {
	recipient := l.req.From().Address
	if c := l.req.Contact(); c != nil {
		recipient = c.Address
	}

	l.state.Lock()
	l.cseq++
	seq := l.cseq
	l.state.Unlock()

	req := sip.NewRequest(method, recipient)
	req.AppendHeader(&sip.FromHeader{
		Address: l.req.To().Address,
		Params:  l.req.To().Params,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: l.req.From().Address,
		Params:  l.req.From().Params,
	})
	cid := sip.CallIDHeader(l.id)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: l.t.user, Host: l.t.domain},
	})
	return req
}
