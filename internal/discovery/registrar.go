// Package discovery announces this gateway's listening ports to a
// Nacos-style registry over its HTTP open API. Registration is an
// optimization for dispatchers picking a gateway node; every failure here
// is logged and swallowed, the gateway serves traffic regardless.
package discovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"im-gateway/internal/config"
)

const (
	instancePath = "/nacos/v1/ns/instance"
	beatPath     = "/nacos/v1/ns/instance/beat"

	beatInterval   = 5 * time.Second
	requestTimeout = 5 * time.Second
)

// Registrar registers one instance per bound websocket port and keeps them
// alive with heartbeats until Run's context is cancelled.
type Registrar struct {
	cfg      config.DiscoveryConfig
	brokerID string
	ports    []int
	ip       string
	client   *http.Client
	log      *slog.Logger
}

// New builds a registrar. The announced IP is auto-detected from the route
// towards the registry unless detection fails, in which case 127.0.0.1 is
// announced and a warning logged.
func New(cfg config.DiscoveryConfig, brokerID string, ports []int, log *slog.Logger) *Registrar {
	r := &Registrar{
		cfg:      cfg,
		brokerID: brokerID,
		ports:    ports,
		client:   &http.Client{Timeout: requestTimeout},
		log:      log,
	}
	r.ip = localIP(cfg.Endpoint)
	if r.ip == "" {
		r.ip = "127.0.0.1"
		log.Warn("could not detect local address, announcing loopback")
	}
	return r
}

// Run registers every port, heartbeats until ctx is cancelled, then
// deregisters. It never returns a non-nil error; discovery is best-effort.
func (r *Registrar) Run(ctx context.Context) error {
	for _, port := range r.ports {
		if err := r.register(ctx, port); err != nil {
			r.log.Warn("discovery register failed", "port", port, "err", err)
		} else {
			r.log.Info("registered with discovery", "service", r.cfg.ServiceName, "ip", r.ip, "port", port)
		}
	}

	ticker := time.NewTicker(beatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.deregisterAll()
			return nil
		case <-ticker.C:
			for _, port := range r.ports {
				if err := r.beat(ctx, port); err != nil {
					r.log.Warn("discovery heartbeat failed", "port", port, "err", err)
				}
			}
		}
	}
}

func (r *Registrar) instanceParams(port int) url.Values {
	q := url.Values{}
	q.Set("serviceName", r.cfg.ServiceName)
	q.Set("groupName", r.cfg.Group)
	q.Set("ip", r.ip)
	q.Set("port", strconv.Itoa(port))
	q.Set("ephemeral", "true")
	return q
}

func (r *Registrar) register(ctx context.Context, port int) error {
	q := r.instanceParams(port)
	q.Set("metadata", fmt.Sprintf(`{"broker_id":%q}`, r.brokerID))
	return r.call(ctx, http.MethodPost, instancePath, q)
}

func (r *Registrar) beat(ctx context.Context, port int) error {
	q := url.Values{}
	q.Set("serviceName", r.cfg.ServiceName)
	q.Set("groupName", r.cfg.Group)
	q.Set("beat", fmt.Sprintf(`{"ip":%q,"port":%d,"serviceName":%q}`, r.ip, port, r.cfg.ServiceName))
	return r.call(ctx, http.MethodPut, beatPath, q)
}

// deregisterAll runs on a fresh short-lived context because the caller's
// context is already cancelled by the time shutdown reaches us.
func (r *Registrar) deregisterAll() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	for _, port := range r.ports {
		if err := r.call(ctx, http.MethodDelete, instancePath, r.instanceParams(port)); err != nil {
			r.log.Warn("discovery deregister failed", "port", port, "err", err)
		}
	}
}

func (r *Registrar) call(ctx context.Context, method, path string, q url.Values) error {
	endpoint := strings.TrimSuffix(r.cfg.Endpoint, "/") + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("discovery: build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("discovery: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discovery: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// localIP reports the interface address the OS would route to the registry
// from. No packets are sent; UDP dial only resolves the route.
func localIP(endpoint string) string {
	host := "8.8.8.8:80"
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		h := u.Host
		if u.Port() == "" {
			h = net.JoinHostPort(u.Hostname(), "80")
		}
		host = h
	}
	conn, err := net.Dial("udp", host)
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
