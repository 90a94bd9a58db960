package sipclient

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	registerExpires   = 300
	keepaliveInterval = 25 * time.Second
	keepaliveWait     = 10 * time.Second
)

// SipgoFactory returns a TransportFactory producing sipgo-backed transports
// that signal over the websocket endpoint in the credentials.
func SipgoFactory(userAgent string, logger zerolog.Logger) TransportFactory {
	return func(creds Credentials) (Transport, error) {
		return newSipgoTransport(creds, userAgent, logger)
	}
}

// sipgoTransport signals through a sipgo user agent. One instance per
// Registration; the registration manager replaces it wholesale on reconnect.
type sipgoTransport struct {
	creds     Credentials
	userAgent string
	logger    zerolog.Logger

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	user   string
	domain string

	mu       sync.Mutex
	incoming func(Leg)
	closed   func(error)
	inbound  map[string]*inboundLeg // keyed by Call-ID
	stop     context.CancelFunc
	stopped  bool
}

func newSipgoTransport(creds Credentials, userAgent string, logger zerolog.Logger) (*sipgoTransport, error) {
	user, domain := splitIdentity(creds.Identity)
	if user == "" || domain == "" {
		return nil, fmt.Errorf("%w: malformed identity %q", ErrInvalidCredentials, creds.Identity)
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(userAgent))
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("failed to create SIP client: %w", err)
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("failed to create SIP server: %w", err)
	}

	t := &sipgoTransport{
		creds:     creds,
		userAgent: userAgent,
		logger:    logger.With().Str("component", "sip").Logger(),
		ua:        ua,
		client:    client,
		server:    server,
		user:      user,
		domain:    domain,
		inbound:   make(map[string]*inboundLeg),
	}

	server.OnInvite(t.handleInvite)
	server.OnAck(t.handleAck)
	server.OnBye(t.handleBye)
	server.OnCancel(t.handleCancel)
	server.OnOptions(t.handleOptions)

	return t, nil
}

// splitIdentity splits "1003@pbx.example.com" into user and domain.
func splitIdentity(identity string) (string, string) {
	at := strings.IndexByte(identity, '@')
	if at <= 0 || at == len(identity)-1 {
		return "", ""
	}
	return identity[:at], identity[at+1:]
}

// Connect validates the endpoint and probes the signaling server with an
// OPTIONS keep-alive, then starts the keep-alive loop that detects transport
// loss.
func (t *sipgoTransport) Connect(ctx context.Context) error {
	u, err := url.Parse(t.creds.Endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("invalid signaling endpoint %q", t.creds.Endpoint)
	}

	if err := t.keepalive(ctx); err != nil {
		return fmt.Errorf("signaling server unreachable: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.stop = cancel
	t.mu.Unlock()
	go t.keepaliveLoop(loopCtx)

	t.logger.Info().Str("endpoint", t.creds.Endpoint).Msg("transport connected")
	return nil
}

// Disconnect tears down the user agent and all inbound legs.
func (t *sipgoTransport) Disconnect() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	if t.stop != nil {
		t.stop()
	}
	legs := make([]*inboundLeg, 0, len(t.inbound))
	for _, l := range t.inbound {
		legs = append(legs, l)
	}
	t.inbound = make(map[string]*inboundLeg)
	t.mu.Unlock()

	for _, l := range legs {
		l.emit(LegEvent{Kind: LegEnded})
	}

	if err := t.ua.Close(); err != nil {
		return fmt.Errorf("failed to close user agent: %w", err)
	}
	return nil
}

func (t *sipgoTransport) OnIncoming(fn func(Leg)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.incoming = fn
}

func (t *sipgoTransport) OnClosed(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = fn
}

func (t *sipgoTransport) Capabilities() Capability {
	return CapHold | CapTransfer
}

// keepaliveLoop sends OPTIONS at a fixed interval and reports transport loss
// on the first failure.
func (t *sipgoTransport) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.keepalive(ctx); err != nil {
				t.logger.Warn().Err(err).Msg("keep-alive failed")
				t.notifyClosed(fmt.Errorf("%w: %v", ErrTransportDisconnected, err))
				return
			}
		}
	}
}

func (t *sipgoTransport) keepalive(ctx context.Context) error {
	opts := t.newRequest(sip.OPTIONS, sip.Uri{Scheme: "sip", Host: t.domain}, uuid.New().String(), 1)
	kaCtx, cancel := context.WithTimeout(ctx, keepaliveWait)
	defer cancel()
	_, err := t.roundTrip(kaCtx, opts)
	return err
}

func (t *sipgoTransport) notifyClosed(err error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	fn := t.closed
	t.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// =============================================================================
// Registration
// =============================================================================

func (t *sipgoTransport) Register(ctx context.Context) error {
	return t.register(ctx, registerExpires)
}

func (t *sipgoTransport) Unregister(ctx context.Context) error {
	return t.register(ctx, 0)
}

func (t *sipgoTransport) register(ctx context.Context, expires int) error {
	callID := uuid.New().String()

	req := t.newRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: t.domain}, callID, 1)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))

	resp, err := t.roundTrip(ctx, req)
	if err != nil {
		return err
	}

	// Answer a digest challenge once.
	if resp.StatusCode == 401 || resp.StatusCode == 407 {
		auth, err := t.authorize(resp, sip.REGISTER, "sip:"+t.domain)
		if err != nil {
			return err
		}
		req = t.newRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: t.domain}, callID, 2)
		req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
		req.AppendHeader(sip.NewHeader("Authorization", auth))
		resp, err = t.roundTrip(ctx, req)
		if err != nil {
			return err
		}
	}

	if resp.StatusCode/100 != 2 {
		if resp.StatusCode == 401 || resp.StatusCode == 407 {
			return fmt.Errorf("%w: registration rejected (%d %s)", ErrInvalidCredentials, resp.StatusCode, resp.Reason)
		}
		return fmt.Errorf("registration rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	return nil
}

// authorize builds a Digest Authorization header answering the challenge in
// resp (RFC 2617, MD5).
func (t *sipgoTransport) authorize(resp *sip.Response, method sip.RequestMethod, uri string) (string, error) {
	challenge := ""
	if h := resp.GetHeader("WWW-Authenticate"); h != nil {
		challenge = h.Value()
	} else if h := resp.GetHeader("Proxy-Authenticate"); h != nil {
		challenge = h.Value()
	}
	if challenge == "" {
		return "", fmt.Errorf("challenge response without authenticate header")
	}

	params := parseAuthParams(challenge)
	realm, nonce := params["realm"], params["nonce"]
	if realm == "" || nonce == "" {
		return "", fmt.Errorf("malformed digest challenge: %q", challenge)
	}

	ha1 := md5hex(t.user + ":" + realm + ":" + t.creds.Secret)
	ha2 := md5hex(string(method) + ":" + uri)
	response := md5hex(ha1 + ":" + nonce + ":" + ha2)

	return fmt.Sprintf(
		`Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q, algorithm=MD5`,
		t.user, realm, nonce, uri, response,
	), nil
}

func parseAuthParams(challenge string) map[string]string {
	params := make(map[string]string)
	challenge = strings.TrimPrefix(strings.TrimSpace(challenge), "Digest ")
	for _, part := range strings.Split(challenge, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		params[strings.ToLower(kv[0])] = strings.Trim(kv[1], `"`)
	}
	return params
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Request plumbing
// =============================================================================

// newRequest builds a request with the dialog-forming headers shared by all
// methods this transport sends.
func (t *sipgoTransport) newRequest(method sip.RequestMethod, recipient sip.Uri, callID string, seq uint32) *sip.Request {
	req := sip.NewRequest(method, recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", newTag())
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: t.user, Host: t.domain},
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: recipient,
		Params:  sip.NewParams(),
	})

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: t.user, Host: t.domain},
	})

	return req
}

// roundTrip sends a request and waits for its final response.
func (t *sipgoTransport) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("transaction failed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("transaction closed without response")
			}
			if resp.StatusCode >= 200 {
				return resp, nil
			}
			// provisional, keep waiting
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated without final response")
		}
	}
}

func newTag() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// sdpWithDirection rewrites the direction attribute of an SDP body. Used for
// hold (sendonly) and one-way supervisor audio (recvonly).
func sdpWithDirection(sdp, direction string) string {
	directions := []string{"a=sendrecv", "a=sendonly", "a=recvonly", "a=inactive"}
	for _, d := range directions {
		if strings.Contains(sdp, d) {
			return strings.ReplaceAll(sdp, d, "a="+direction)
		}
	}
	if !strings.HasSuffix(sdp, "\n") && sdp != "" {
		sdp += "\r\n"
	}
	return sdp + "a=" + direction + "\r\n"
}

// =============================================================================
// Server handlers (incoming legs)
// =============================================================================

func (t *sipgoTransport) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	from := req.From().Address.User

	t.logger.Info().Str("call_id", callID).Str("from", from).Msg("INVITE received")

	t.mu.Lock()
	sink := t.incoming
	if sink == nil || t.stopped {
		t.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, 480, "Temporarily Unavailable", nil)
		if err := tx.Respond(resp); err != nil {
			t.logger.Warn().Err(err).Msg("failed to send 480")
		}
		return
	}
	leg := &inboundLeg{
		t:      t,
		id:     callID,
		remote: from,
		req:    req,
		tx:     tx,
	}
	t.inbound[callID] = leg
	t.mu.Unlock()

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		t.logger.Warn().Err(err).Msg("failed to send 180 Ringing")
	}

	sink(leg)
}

func (t *sipgoTransport) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	// Call setup complete; nothing to do, media already negotiated.
}

func (t *sipgoTransport) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()

	t.mu.Lock()
	leg := t.inbound[callID]
	delete(t.inbound, callID)
	t.mu.Unlock()

	ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(ok); err != nil {
		t.logger.Warn().Err(err).Msg("failed to send 200 OK for BYE")
	}

	if leg != nil {
		leg.emit(LegEvent{Kind: LegEnded})
	}
}

func (t *sipgoTransport) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()

	t.mu.Lock()
	leg := t.inbound[callID]
	delete(t.inbound, callID)
	t.mu.Unlock()

	ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(ok); err != nil {
		t.logger.Warn().Err(err).Msg("failed to send 200 OK for CANCEL")
	}

	if leg != nil {
		leg.emit(LegEvent{Kind: LegEnded})
	}
}

func (t *sipgoTransport) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
	ok.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, CANCEL, OPTIONS, REFER"))
	ok.AppendHeader(sip.NewHeader("Accept", "application/sdp"))

	if err := tx.Respond(ok); err != nil {
		t.logger.Warn().Err(err).Msg("failed to send OPTIONS response")
	}
}

func (t *sipgoTransport) dropInbound(callID string) {
	t.mu.Lock()
	delete(t.inbound, callID)
	t.mu.Unlock()
}
