package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Hop-by-hop headers never forwarded to a backend. The inbound
// Authorization header is stripped too: it carries proxy credentials,
// not backend ones.
var hopByHopHeaders = []string{
	"Keep-Alive",
	"Upgrade",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
}

// Headers preserved on websocket upgrades despite being hop-by-hop
var websocketHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Protocol",
	"Sec-Websocket-Extensions",
}

// isWebsocketUpgrade reports whether the request asks for a WS upgrade
func isWebsocketUpgrade(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}

// prepareForwardRequest rewrites an inbound request in place for the
// chosen backend: path rewrite, Host, hop-by-hop stripping, identity
// and forwarding headers.
func prepareForwardRequest(req *http.Request, backend *Backend, id *identity, headerNames AuthConfig, clientIP string) {
	req.URL.Path = RewritePath(backend, req.URL.Path)
	req.URL.Scheme = ""
	req.URL.Host = ""
	req.Host = backend.Addr()
	req.RequestURI = ""

	upgrade := backend.Websocket && isWebsocketUpgrade(req)
	preserved := http.Header{}
	if upgrade {
		for _, h := range websocketHeaders {
			if v := req.Header.Values(h); len(v) > 0 {
				preserved[http.CanonicalHeaderKey(h)] = v
			}
		}
	}

	for _, h := range hopByHopHeaders {
		req.Header.Del(h)
	}
	req.Header.Del("Connection")

	if upgrade {
		for k, v := range preserved {
			req.Header[k] = v
		}
		req.Header.Set("Connection", "Upgrade")
	} else {
		req.Header.Set("Connection", "close")
	}

	// Identity headers: always set, never pass through from the client.
	req.Header.Del(headerNames.HeaderCertCN)
	req.Header.Del(headerNames.HeaderCertDN)
	req.Header.Del(headerNames.HeaderAuthMethod)
	if id != nil {
		req.Header.Set(headerNames.HeaderCertCN, id.CN)
		if id.CertDN != "" {
			req.Header.Set(headerNames.HeaderCertDN, id.CertDN)
		}
		req.Header.Set(headerNames.HeaderAuthMethod, id.AuthMethod)
	}
	req.Header.Set("X-Forwarded-For", clientIP)
	req.Header.Set("X-Forwarded-Proto", "https")
}

// writeSimpleResponse writes a minimal HTTP/1.1 response to the client
// connection, used for proxy-originated errors and auth challenges.
func writeSimpleResponse(w io.Writer, status int, headers map[string]string, body string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	b.WriteString("Content-Type: application/json\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	b.WriteString(body)

	_, err := io.WriteString(w, b.String())
	return err
}

// detailBody builds the JSON error body every surface uses
func detailBody(detail string) string {
	payload, err := json.Marshal(map[string]string{"detail": detail})
	if err != nil {
		return `{"detail": "internal error"}`
	}
	return string(payload)
}
