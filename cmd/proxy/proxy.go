package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/models"
	"github.com/mailganti/opsconductor/common/sessions"
)

const (
	clientReadTimeout  = 30 * time.Second
	handshakeTimeout   = 10 * time.Second
	backendDialTimeout = 10 * time.Second
)

// Proxy is the TLS front door: it terminates client connections,
// authenticates them, and relays requests to routed backends.
type Proxy struct {
	cfg      *Config
	router   *Router
	sessions sessions.Store
	log      *logger.Logger
}

// NewProxy wires the proxy from config
func NewProxy(cfg *Config, store sessions.Store, log *logger.Logger) *Proxy {
	return &Proxy{
		cfg:      cfg,
		router:   NewRouter(cfg),
		sessions: store,
		log:      log,
	}
}

// Serve accepts connections until the context is cancelled
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		go p.handleConn(ctx, conn)
	}
}

// connState carries per-connection auth state. Certificate identity is
// fixed at handshake time; native auth binds an identity to the
// connection after the challenge exchange completes.
type connState struct {
	certIdentity   *identity
	nativeIdentity *identity
	challenge      [8]byte
	challengeSent  bool
	// setCookie is injected into the next relayed response exactly once
	setCookie string
}

func (p *Proxy) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	clientIP := remote
	if host, _, err := net.SplitHostPort(remote); err == nil {
		clientIP = host
	}
	log := p.log.WithFields(map[string]any{"client": clientIP})

	defer func() {
		if r := recover(); r != nil {
			log.Error("connection handler panicked", "panic", r)
			writeSimpleResponse(conn, http.StatusInternalServerError, nil,
				detailBody("Internal server error"))
		}
	}()

	state := &connState{}
	if tc, ok := conn.(*tls.Conn); ok {
		hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		err := tc.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			log.Debug("tls handshake failed", "error", err)
			return
		}
		state.certIdentity = identityFromCert(tc.ConnectionState())
	}

	br := bufio.NewReaderSize(conn, p.cfg.Advanced.ReadBuffer)

	for {
		conn.SetReadDeadline(time.Now().Add(clientReadTimeout))
		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) {
				log.Debug("read request", "error", err)
			}
			return
		}

		keepAlive := p.handleRequest(ctx, conn, br, req, state, clientIP, log)
		if !keepAlive {
			return
		}
	}
}

// handleRequest serves one request on the connection and reports
// whether the connection can carry another.
func (p *Proxy) handleRequest(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request, state *connState, clientIP string, log *logger.Logger) bool {
	backend, ok := p.router.Route(req.URL.Path)
	if !ok {
		drainBody(req)
		writeSimpleResponse(conn, http.StatusNotFound, nil, detailBody("Not found"))
		return true
	}
	log = log.WithFields(map[string]any{"backend": backend.ID, "path": req.URL.Path})

	id := state.certIdentity
	if id == nil {
		id = state.nativeIdentity
	}
	if id == nil {
		if sid := sessionIDFromRequest(req); sid != "" {
			if s, err := p.sessions.Touch(ctx, sid); err == nil {
				id = identityFromSession(s)
			}
		}
	}

	if id == nil && backend.AuthRequired {
		handled, authed := p.nativeAuth(ctx, conn, req, state, clientIP, log)
		if handled {
			return true
		}
		if !authed {
			drainBody(req)
			headers := map[string]string{}
			if p.cfg.Auth.Native.Enabled {
				headers["WWW-Authenticate"] = "NTLM"
			}
			writeSimpleResponse(conn, http.StatusUnauthorized, headers,
				detailBody("Authentication required"))
			return true
		}
		id = state.nativeIdentity
	}

	return p.forward(ctx, conn, br, req, backend, id, state, clientIP, log)
}

// nativeAuth drives the three-message challenge exchange. The first
// return value is true when a challenge response was written and the
// request is finished; the second is true once the connection holds an
// authenticated native identity.
func (p *Proxy) nativeAuth(ctx context.Context, conn net.Conn, req *http.Request, state *connState, clientIP string, log *logger.Logger) (handled, authed bool) {
	if !p.cfg.Auth.Native.Enabled {
		return false, false
	}

	authz := req.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "NTLM ") {
		return false, false
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authz, "NTLM "))
	if err != nil {
		log.Debug("bad native auth payload", "error", err)
		return false, false
	}

	msgType, err := ntlmMessageType(payload)
	if err != nil {
		log.Debug("bad native auth message", "error", err)
		return false, false
	}

	switch msgType {
	case ntlmTypeNegotiate:
		challenge, err := newServerChallenge()
		if err != nil {
			log.Error("generate challenge", "error", err)
			return false, false
		}
		state.challenge = challenge
		state.challengeSent = true

		msg := buildChallengeMessage(challenge, p.cfg.Auth.Native.Domain)
		drainBody(req)
		writeSimpleResponse(conn, http.StatusUnauthorized, map[string]string{
			"WWW-Authenticate": "NTLM " + base64.StdEncoding.EncodeToString(msg),
		}, detailBody("Authentication continue"))
		return true, false

	case ntlmTypeAuthenticate:
		if !state.challengeSent {
			log.Debug("authenticate without prior challenge")
			return false, false
		}
		user, domain, err := parseAuthenticateMessage(payload)
		if err != nil {
			log.Debug("parse authenticate message", "error", err)
			return false, false
		}
		state.challengeSent = false
		state.nativeIdentity = identityFromNative(user, domain)

		sid, err := newSessionID()
		if err != nil {
			log.Error("create session", "error", err)
			return false, true
		}
		s := &models.Session{
			SessionID:  sid,
			Username:   user,
			Domain:     domain,
			AuthMethod: models.AuthNative,
			IP:         clientIP,
			UserAgent:  req.Header.Get("User-Agent"),
		}
		if err := p.sessions.Create(ctx, s); err != nil {
			log.Error("store session", "error", err)
			return false, true
		}
		state.setCookie = sessionCookie(sid)
		log.Info("native auth succeeded", "user", user, "domain", domain)
		return false, true
	}
	return false, false
}

// forward relays the request to the backend and the response back,
// tunnelling raw bytes after a websocket upgrade. Returns whether the
// client connection is still usable.
func (p *Proxy) forward(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request, backend *Backend, id *identity, state *connState, clientIP string, log *logger.Logger) bool {
	upgrade := backend.Websocket && isWebsocketUpgrade(req)

	bc, err := net.DialTimeout("tcp", backend.Addr(), backendDialTimeout)
	if err != nil {
		log.Warn("backend dial failed", "error", err)
		drainBody(req)
		writeSimpleResponse(conn, http.StatusBadGateway, nil,
			detailBody(fmt.Sprintf("Backend '%s' is unavailable", backend.Name)))
		return true
	}
	defer bc.Close()

	prepareForwardRequest(req, backend, id, p.cfg.Auth, clientIP)

	deadline := time.Now().Add(backend.Timeout())
	bc.SetDeadline(deadline)
	conn.SetReadDeadline(deadline)

	if err := req.Write(bc); err != nil {
		log.Warn("forward request failed", "error", err)
		writeSimpleResponse(conn, http.StatusBadGateway, nil,
			detailBody(fmt.Sprintf("Backend '%s' is unavailable", backend.Name)))
		return true
	}

	backendReader := bufio.NewReader(bc)
	resp, err := http.ReadResponse(backendReader, req)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			log.Warn("backend response timed out")
			writeSimpleResponse(conn, http.StatusGatewayTimeout, nil,
				detailBody(fmt.Sprintf("Backend '%s' timed out", backend.Name)))
			return false
		}
		log.Warn("read backend response", "error", err)
		writeSimpleResponse(conn, http.StatusBadGateway, nil,
			detailBody(fmt.Sprintf("Backend '%s' returned an invalid response", backend.Name)))
		return false
	}

	if state.setCookie != "" {
		resp.Header.Add("Set-Cookie", state.setCookie)
		state.setCookie = ""
	}

	if upgrade && resp.StatusCode == http.StatusSwitchingProtocols {
		conn.SetDeadline(time.Time{})
		bc.SetDeadline(time.Time{})
		if err := resp.Write(conn); err != nil {
			log.Debug("relay upgrade response", "error", err)
			return false
		}
		p.tunnel(conn, br, bc, backendReader, log)
		return false
	}

	// Whether the client connection survives depends on response
	// framing: an EOF-terminated body forces a close.
	framed := resp.ContentLength >= 0 || len(resp.TransferEncoding) > 0 ||
		resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified
	resp.Close = !framed
	resp.Header.Del("Connection")

	if err := resp.Write(conn); err != nil {
		log.Debug("relay response", "error", err)
		return false
	}
	resp.Body.Close()
	return framed
}

// tunnel copies bytes both ways until either side closes. Both copies
// read from the buffered readers so frames already buffered during the
// upgrade are not lost.
func (p *Proxy) tunnel(client net.Conn, clientReader *bufio.Reader, backend net.Conn, backendReader *bufio.Reader, log *logger.Logger) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(backend, clientReader)
		backend.Close()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, backendReader)
		client.Close()
		done <- struct{}{}
	}()

	<-done
	<-done
	log.Debug("websocket tunnel closed")
}

// drainBody discards any unread request body so the next request on
// the connection starts at a message boundary.
func drainBody(req *http.Request) {
	if req.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(req.Body, 1<<20))
	req.Body.Close()
}
