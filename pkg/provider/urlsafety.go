// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"syscall"
	"time"
)

// maxRedirects is the redirect limit of a guarded client.
const maxRedirects = 10

// ErrPrivateAddress is returned when a connection would reach a loopback,
// private or link-local address.
var ErrPrivateAddress = errors.New("address is in a private network")

// dangerousCharsPattern matches control characters, whitespace, backslashes
// and backticks, none of which belong in a URL we forward to a server.
var dangerousCharsPattern = regexp.MustCompile(`[\x00-\x20\x7f\\` + "`]")

// ValidateRemoteURL checks that rawURL is an http(s) URL that is safe to
// request on behalf of a caller. Unless allowPrivate is set, literal
// loopback, private and link-local addresses and localhost are rejected.
// Host names are not resolved here.
func ValidateRemoteURL(rawURL string, allowPrivate bool) error {
	if rawURL == "" {
		return fmt.Errorf("URL is empty")
	}
	if dangerousCharsPattern.MatchString(rawURL) {
		return fmt.Errorf("URL contains invalid characters")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q: must be http or https", parsed.Scheme)
	}
	if parsed.Host == "" || parsed.Hostname() == "" {
		return fmt.Errorf("URL missing host")
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			return fmt.Errorf("URL should not contain embedded password")
		}
	}

	if allowPrivate {
		return nil
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("URL points to a local host")
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return fmt.Errorf("URL points to a private network address")
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified()
}

// GuardedClient returns a copy of base (a new client when nil) that checks
// every redirect target with ValidateRemoteURL. Unless allowPrivate is set
// it also checks the address each connection is made to, after DNS
// resolution, and connects directly rather than through an environment
// proxy. A base transport that is not an *http.Transport is kept as is and
// only redirects are checked.
func GuardedClient(base *http.Client, allowPrivate bool) *http.Client {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}

	next := c.CheckRedirect
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if err := ValidateRemoteURL(req.URL.String(), allowPrivate); err != nil {
			return fmt.Errorf("redirect to %s rejected: %w", SanitizeURL(req.URL.String()), err)
		}
		if next != nil {
			return next(req, via)
		}
		return nil
	}

	if allowPrivate {
		return c
	}

	var tr *http.Transport
	switch rt := c.Transport.(type) {
	case nil:
		tr = http.DefaultTransport.(*http.Transport).Clone()
		tr.DialContext = publicDialer().DialContext
	case *http.Transport:
		tr = rt.Clone()
		if tr.DialContext == nil {
			tr.DialContext = publicDialer().DialContext
		} else {
			tr.DialContext = checkDialed(tr.DialContext)
		}
		if tr.DialTLSContext != nil {
			tr.DialTLSContext = checkDialed(tr.DialTLSContext)
		}
	default:
		return c
	}
	tr.Proxy = nil
	c.Transport = tr
	return c
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// publicDialer refuses private addresses once the host name is resolved and
// before the connection is attempted.
func publicDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   refusePrivate,
	}
}

func refusePrivate(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("dial %s: not an IP address", address)
	}
	if isPrivateIP(ip) {
		return fmt.Errorf("dial %s: %w", address, ErrPrivateAddress)
	}
	return nil
}

// checkDialed wraps a custom dial function, whose resolution we cannot
// observe, by checking the peer address of the established connection.
func checkDialed(dial dialFunc) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := refusePrivate(network, conn.RemoteAddr().String(), nil); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// SanitizeURL strips the query and hides user info so a URL can be logged.
func SanitizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	if parsed.User != nil {
		parsed.User = url.User("***")
	}
	return parsed.String()
}
