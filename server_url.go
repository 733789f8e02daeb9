package main

import (
	"net"
	"net/url"
	"strings"

	configpkg "raycastlab/tuner/internal/config"
	"raycastlab/tuner/internal/logging"
)

// panelSocketPath is where Handler mounts the panel hub.
const panelSocketPath = "/ws"

// endpoints are the addresses a tuner panel or remote tool should dial.
type endpoints struct {
	Panel  string
	Socket string
	GRPC   string
}

// advertisedEndpoints derives dialable URLs from the listen settings. Wildcard
// hosts become localhost and TLS switches both the page and socket schemes.
func advertisedEndpoints(cfg *configpkg.Config) endpoints {
	secure := cfg.TLSCertPath != ""
	host := dialableHost(cfg.Address)
	panel := url.URL{Scheme: "http", Host: host, Path: "/"}
	socket := url.URL{Scheme: "ws", Host: host, Path: panelSocketPath}
	if secure {
		panel.Scheme = "https"
		socket.Scheme = "wss"
	}
	out := endpoints{Panel: panel.String(), Socket: socket.String()}
	if strings.TrimSpace(cfg.GRPCAddress) != "" {
		out.GRPC = dialableHost(cfg.GRPCAddress)
	}
	return out
}

// Fields renders the endpoints for the startup log line.
func (e endpoints) Fields() []logging.Field {
	fields := []logging.Field{logging.String("panel_url", e.Panel), logging.String("socket_url", e.Socket)}
	if e.GRPC != "" {
		fields = append(fields, logging.String("grpc_target", e.GRPC))
	}
	return fields
}

func dialableHost(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		//1.- Without a port there is nothing to rewrite, so advertise it as configured.
		return trimmed
	}
	switch strings.Trim(strings.TrimSpace(host), "[]") {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
