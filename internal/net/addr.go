package net

import (
	"fmt"
	"net"
)

// BaseURL returns an http URL that reaches a server listening on listenAddr.
// Unspecified hosts such as 0.0.0.0 or "" are replaced with loopback.
func BaseURL(listenAddr string) (string, error) {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "", fmt.Errorf("parsing listen address %q: %w", listenAddr, err)
	}
	ip := net.ParseIP(host)
	switch {
	case host == "":
		host = "localhost"
	case ip != nil && ip.IsUnspecified():
		if ip.To4() != nil {
			host = "127.0.0.1"
		} else {
			host = "::1"
		}
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// EphemeralListenAddr returns a loopback address with a port that was free when checked.
func EphemeralListenAddr() (string, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return "", fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}
