package main

import (
	"context"
	"fmt"
	"net"
	"time"
)

// detectHostIP returns the first non-loopback IPv4 address of the host.
func detectHostIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	return firstIPv4(addrs)
}

func firstIPv4(addrs []net.Addr) (string, error) {
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			// Ensure we never return an address from the 127.0.0.0/8
			// loopback range.
			if ip4.IsLoopback() || ip4[0] == 127 {
				continue
			}
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}

// watchNetwork polls the host address and reports it as the active network
// id whenever it changes, until ctx is done. An empty id means no usable
// network.
func watchNetwork(ctx context.Context, interval time.Duration, detect func() (string, error), report func(id string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	first := true
	last := ""
	for {
		id, err := detect()
		if err != nil {
			id = ""
		}
		if first || id != last {
			report(id)
			first, last = false, id
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
