// cmd/wsprobe/main.go
//
// End-to-end liveness probe: dials the gateway's WebSocket endpoint with a
// freshly minted token, registers, and expects the registration ack.
//
// Intended for Docker HEALTHCHECK:
//   HEALTHCHECK CMD ["/wsprobe"]
//
// Requires IMGW__JWT__SECRET in the environment (the same one the gateway
// loaded); probes localhost unless IMGW_PROBE_ADDR overrides it.

package main

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"im-gateway/internal/wire"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

const (
	defaultPort    = 19000
	defaultPath    = "/ws"
	requestTimeout = 3 * time.Second

	probeUserID = "wsprobe"

	// exit codes
	codeConfigError   = 2
	codeDialFailed    = 3
	codeProtocolError = 4

	msgHealthy = "gateway healthy on %s"
)

func main() {
	secret := os.Getenv("IMGW__JWT__SECRET")
	if secret == "" {
		fail(codeConfigError, "IMGW__JWT__SECRET not set")
	}

	addr := detectAddr()
	token, err := mintToken(secret)
	if err != nil {
		fail(codeConfigError, "mint token: %v", err)
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     detectPath(),
		RawQuery: "token=" + url.QueryEscape(token),
	}

	dialer := websocket.Dialer{HandshakeTimeout: requestTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		fail(codeDialFailed, "dial failed: %v", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("failed to close connection: %v", err)
		}
	}()

	register, err := wire.NewControl(wire.CodeRegister, "").Marshal()
	if err != nil {
		fail(codeProtocolError, "encode register: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, register); err != nil {
		fail(codeProtocolError, "write register: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(requestTimeout)); err != nil {
		fail(codeProtocolError, "set read deadline: %v", err)
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		fail(codeProtocolError, "read ack: %v", err)
	}
	frame, err := wire.Unmarshal(payload)
	if err != nil {
		fail(codeProtocolError, "decode ack: %v", err)
	}
	if frame.Code != wire.CodeRegisterSuccess {
		fail(codeProtocolError, "unexpected ack code %d", frame.Code)
	}

	log.Printf(msgHealthy, addr)
}

// detectAddr parses IMGW_PROBE_ADDR ("host:port") and falls back to
// localhost on the first default websocket port.
func detectAddr() string {
	if v := os.Getenv("IMGW_PROBE_ADDR"); v != "" {
		return v
	}
	port := defaultPort
	if v := os.Getenv("IMGW__WEBSOCKET__PORTS"); v != "" {
		// Only the first port matters for the probe.
		first := v
		for i := range v {
			if v[i] == ',' {
				first = v[:i]
				break
			}
		}
		if p, err := strconv.Atoi(first); err == nil && p > 0 && p <= 65535 {
			port = p
		}
	}
	return fmt.Sprintf("localhost:%d", port)
}

func detectPath() string {
	if v := os.Getenv("IMGW__WEBSOCKET__PATH"); v != "" {
		return v
	}
	return defaultPath
}

// mintToken signs a short-lived probe token the way the account service does.
func mintToken(secret string) (string, error) {
	claims := jwt.MapClaims{
		"user_id": probeUserID,
		"exp":     time.Now().Add(time.Minute).Unix(),
		"iat":     time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// fail logs a message and exits with the given code.
func fail(code int, format string, args ...any) {
	log.Printf(format, args...)
	os.Exit(code)
}
