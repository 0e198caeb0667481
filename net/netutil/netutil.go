// Package netutil holds listener helpers shared by the peer and control servers.
package netutil

import (
	"context"
	"errors"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// Serve accepts connections on ln until ctx is cancelled and hands each one to
// handle on its own goroutine. Temporary accept failures are retried with
// exponential backoff.
func Serve(ctx context.Context, ln net.Listener, name string, handle func(context.Context, net.Conn)) error {
	// Closing the listener unblocks Accept
	stop := context.AfterFunc(ctx, func() {
		log.Infof("%s: context cancelled, closing listener %s", name, ln.Addr())
		if err := ln.Close(); err != nil {
			log.Warnf("%s: error closing listener %s: %v", name, ln.Addr(), err)
		}
	})
	defer stop()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				tempDelay = min(tempDelay, time.Second)
				log.Warnf("%s: accept error on %s: %v; retrying in %v", name, ln.Addr(), err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.Errorf("%s: accept error on %s: %v, stopping", name, ln.Addr(), err)
			return err
		}

		tempDelay = 0
		log.Debugf("%s: accepted connection from %s", name, conn.RemoteAddr())
		go handle(ctx, conn)
	}
}

// AdvertisedAddrs lists the host:port pairs under which ln can be reached by
// other machines. A listener bound to a wildcard address is expanded to the
// addresses of every interface that is up. Loopback addresses are skipped.
func AdvertisedAddrs(ln net.Listener) []string {
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return []string{ln.Addr().String()}
	}

	if tcpAddr.IP != nil && !tcpAddr.IP.IsUnspecified() {
		if tcpAddr.IP.IsLoopback() {
			return nil
		}
		return []string{tcpAddr.String()}
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		log.Errorf("netutil: failed to list network interfaces: %v", err)
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			log.Warnf("netutil: could not get addresses for interface %s: %v", iface.Name, err)
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsUnspecified() || ipNet.IP.IsLinkLocalUnicast() {
				continue
			}
			s := (&net.TCPAddr{IP: ipNet.IP, Port: tcpAddr.Port}).String()
			if _, dup := seen[s]; !dup {
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}
	return out
}
