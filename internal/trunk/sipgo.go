package trunk

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"voicebridge/internal/events"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// SIPTrunk terminates SIP signaling directly: it answers as a UAS, translates
// INVITE/ACK/BYE into events and executes Answer/Reject/Hangup as SIP
// responses and requests. Media is not handled here; the SDP answer points
// the caller's RTP at the configured media address.
type SIPTrunk struct {
	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client
	sink   Sink
	log    *slog.Logger

	listenAddr string
	mediaHost  string
	mediaPort  int

	mu    sync.Mutex
	calls map[string]*sipCall
}

// sipCall keeps the dialog state needed to answer or terminate later.
type sipCall struct {
	invite   *sip.Request
	tx       sip.ServerTransaction
	answered *sip.Response
	byeSeq   uint32
}

func NewSIPTrunk(listenAddr, mediaHost string, mediaPort int, sink Sink, log *slog.Logger) (*SIPTrunk, error) {
	if listenAddr == "" {
		return nil, fmt.Errorf("trunk: sip listen address is required")
	}
	if log == nil {
		log = slog.Default()
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("trunk: create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("trunk: create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("trunk: create client: %w", err)
	}

	t := &SIPTrunk{
		ua:         ua,
		server:     srv,
		client:     client,
		sink:       sink,
		log:        log,
		listenAddr: listenAddr,
		mediaHost:  mediaHost,
		mediaPort:  mediaPort,
		calls:      make(map[string]*sipCall),
	}

	srv.OnInvite(t.onInvite)
	srv.OnAck(t.onAck)
	srv.OnBye(t.onBye)

	return t, nil
}

// Serve listens for SIP traffic until ctx is canceled.
func (t *SIPTrunk) Serve(ctx context.Context) error {
	t.log.Info("sip trunk listening", "addr", t.listenAddr)
	if err := t.server.ListenAndServe(ctx, "udp", t.listenAddr); err != nil {
		return fmt.Errorf("trunk: sip listen on %s: %w", t.listenAddr, err)
	}
	return nil
}

func (t *SIPTrunk) Close() {
	t.server.Close()
	t.ua.Close()
}

func (t *SIPTrunk) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	callerID := req.From().Address.User
	calleeID := req.To().Address.User
	// The trunk a call entered through is the host part of the request URI.
	trunkID := req.Recipient.Host

	t.mu.Lock()
	if _, exists := t.calls[callID]; exists {
		t.mu.Unlock()
		// INVITE retransmission; the transaction layer answers it.
		t.log.Debug("invite retransmission ignored", "call_id", callID)
		return
	}
	t.calls[callID] = &sipCall{invite: req, tx: tx, byeSeq: req.CSeq().SeqNo}
	t.mu.Unlock()

	trying := sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		t.log.Error("send 100 Trying failed", "call_id", callID, "err", err)
	}
	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		t.log.Error("send 180 Ringing failed", "call_id", callID, "err", err)
	}

	t.sink.Deliver(context.Background(), events.Invite(callID, trunkID, callerID, calleeID))
}

func (t *SIPTrunk) onAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	t.mu.Lock()
	_, known := t.calls[callID]
	t.mu.Unlock()
	if !known {
		return
	}

	e := events.New(events.KindCallAnswered)
	e.CallID = callID
	t.sink.Deliver(context.Background(), e)
}

func (t *SIPTrunk) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		t.log.Error("send BYE response failed", "call_id", callID, "err", err)
	}

	t.mu.Lock()
	_, known := t.calls[callID]
	delete(t.calls, callID)
	t.mu.Unlock()
	if !known {
		t.log.Debug("bye for unknown call", "call_id", callID)
		return
	}

	t.sink.Deliver(context.Background(), events.Hangup(callID, "caller hangup"))
}

// Answer sends 200 OK with an SDP answer pointing media at the configured
// address. The body advertises G.711 only; media handling lives elsewhere.
func (t *SIPTrunk) Answer(ctx context.Context, callID string) error {
	t.mu.Lock()
	call, ok := t.calls[callID]
	t.mu.Unlock()
	if !ok {
		return ErrCallUnknown
	}

	body := t.answerSDP()
	resp := sip.NewResponseFromRequest(call.invite, sip.StatusOK, "OK", body)
	contentType := sip.ContentTypeHeader("application/sdp")
	resp.AppendHeader(&contentType)
	if contact := call.invite.Contact(); contact != nil {
		resp.AppendHeader(contact)
	}

	if err := call.tx.Respond(resp); err != nil {
		return fmt.Errorf("trunk: answer %s: %w", callID, err)
	}

	t.mu.Lock()
	call.answered = resp
	t.mu.Unlock()
	return nil
}

// Reject declines an unanswered call with 486 Busy Here.
func (t *SIPTrunk) Reject(ctx context.Context, callID, reason string) error {
	t.mu.Lock()
	call, ok := t.calls[callID]
	delete(t.calls, callID)
	t.mu.Unlock()
	if !ok {
		return ErrCallUnknown
	}

	resp := sip.NewResponseFromRequest(call.invite, sip.StatusBusyHere, "Busy Here", nil)
	if err := call.tx.Respond(resp); err != nil {
		return fmt.Errorf("trunk: reject %s: %w", callID, err)
	}
	t.log.Info("call rejected", "call_id", callID, "reason", reason)
	return nil
}

// Hangup terminates an answered dialog by sending BYE toward the caller.
func (t *SIPTrunk) Hangup(ctx context.Context, callID string) error {
	t.mu.Lock()
	call, ok := t.calls[callID]
	delete(t.calls, callID)
	t.mu.Unlock()
	if !ok {
		return ErrCallUnknown
	}
	if call.answered == nil {
		// Never answered: a final failure response ends it, no BYE needed.
		resp := sip.NewResponseFromRequest(call.invite, sip.StatusBusyHere, "Busy Here", nil)
		if err := call.tx.Respond(resp); err != nil {
			return fmt.Errorf("trunk: decline %s: %w", callID, err)
		}
		return nil
	}

	bye := t.buildBye(callID, call)
	if err := t.client.WriteRequest(bye); err != nil {
		return fmt.Errorf("trunk: send BYE for %s: %w", callID, err)
	}
	return nil
}

// buildBye constructs an in-dialog BYE. As the answering side our identity
// is the INVITE's To (tagged in the 200 OK) and the remote party is the
// INVITE's From.
func (t *SIPTrunk) buildBye(callID string, call *sipCall) *sip.Request {
	invite := call.invite
	remote := invite.From()
	target := remote.Address
	if contact := invite.Contact(); contact != nil {
		target = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, target)

	from := &sip.FromHeader{
		Address: invite.To().Address,
		Params:  sip.NewParams(),
	}
	if respTo := call.answered.To(); respTo != nil && respTo.Params != nil {
		if tag, ok := respTo.Params.Get("tag"); ok {
			from.Params.Add("tag", tag)
		}
	}
	bye.AppendHeader(from)

	to := &sip.ToHeader{
		Address: remote.Address,
		Params:  sip.NewParams(),
	}
	if remote.Params != nil {
		if tag, ok := remote.Params.Get("tag"); ok {
			to.Params.Add("tag", tag)
		}
	}
	bye.AppendHeader(to)

	callIDHeader := sip.CallIDHeader(callID)
	bye.AppendHeader(&callIDHeader)

	cseq := &sip.CSeqHeader{
		SeqNo:      call.byeSeq + 1,
		MethodName: sip.BYE,
	}
	bye.AppendHeader(cseq)

	cl := sip.ContentLengthHeader(0)
	bye.AppendHeader(&cl)

	return bye
}

// answerSDP builds a minimal static G.711 answer. The media address is the
// ingest the platform's media plane listens on.
func (t *SIPTrunk) answerSDP() []byte {
	sessionID := time.Now().Unix()
	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=- " + strconv.FormatInt(sessionID, 10) + " " + strconv.FormatInt(sessionID, 10) + " IN IP4 " + t.mediaHost + "\r\n")
	b.WriteString("s=" + uuid.NewString() + "\r\n")
	b.WriteString("c=IN IP4 " + t.mediaHost + "\r\n")
	b.WriteString("t=0 0\r\n")
	b.WriteString("m=audio " + strconv.Itoa(t.mediaPort) + " RTP/AVP 0 8\r\n")
	b.WriteString("a=rtpmap:0 PCMU/8000\r\n")
	b.WriteString("a=rtpmap:8 PCMA/8000\r\n")
	b.WriteString("a=sendrecv\r\n")
	return []byte(b.String())
}
