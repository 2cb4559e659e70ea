package router

import "net"

// blacklistCIDR is the fixed drop range from spec §4.5: any packet with
// either endpoint inside it is dropped and logged, matching
// original_source/prj4's hardcoded filter.
var blacklistCIDR = mustParseCIDR("10.0.2.0/24")

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// blacklisted reports whether src or dst falls inside blacklistCIDR.
func blacklisted(src, dst net.IP) bool {
	return blacklistCIDR.Contains(src) || blacklistCIDR.Contains(dst)
}
