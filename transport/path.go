package transport

import (
	"strings"
)

// AddressToPath maps an ILP address to the HTTP path packets for it are
// posted to: "g.bob.wallet" becomes "/g/bob/wallet".
func AddressToPath(addr string) string {
	return "/" + strings.ReplaceAll(strings.Trim(addr, "."), ".", "/")
}

// pathMatches reports whether a request path addresses destination. The
// bare root is accepted from senders that post every packet to one URL, and
// any leading segments are the mount point of the peer's endpoint.
func pathMatches(path, destination string) bool {
	if path == "" || path == "/" {
		return true
	}
	return strings.HasSuffix(strings.TrimRight(path, "/"), AddressToPath(destination))
}
