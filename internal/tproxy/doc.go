// Package tproxy supports transparent proxy listeners on Linux.
//
// Control enables IP_TRANSPARENT on a listening socket before it is bound,
// for use with iptables/nftables TPROXY rules. OriginalDst recovers the
// destination a redirected connection was headed for: SO_ORIGINAL_DST when
// the connection was NATed (REDIRECT), otherwise the socket's local address,
// which TPROXY preserves.
//
// On other platforms both are stubbed out and return errors.
package tproxy
