// Package icmpresponder synthesizes local ICMP Echo Reply packets on the Connector (§4.11): Echo
// Requests addressed to a service's virtual IP never reach a backend process, they are answered
// directly, preserving identifier/sequence/data the way the teacher's packet.Router answers TTL
// exceeded messages locally (packet/router.go's sendTTLExceedMsg).
package icmpresponder

import (
	"github.com/hfyeomans/ztna-core/internal/ippkt"
)

// Reply builds the IPv4 packet carrying an Echo Reply for an inbound Echo Request, swapping
// source/destination and preserving identifier, sequence and payload data (§8 scenario 3). It
// returns nil, false for anything other than an Echo Request.
func Reply(ip *ippkt.IPv4) ([]byte, bool) {
	if ip.Protocol != ippkt.ProtoICMP {
		return nil, false
	}
	req, err := ippkt.ParseICMPEcho(ip.Payload)
	if err != nil || req.Type != ippkt.ICMPTypeEchoRequest {
		return nil, false
	}
	reply := ippkt.EchoReplyFor(*req)
	icmpBytes := ippkt.BuildICMPEcho(reply)
	return ippkt.BuildIPv4(ip.Dst, ip.Src, ippkt.ProtoICMP, ippkt.DefaultTTL, ip.ID, icmpBytes), true
}
