package configstore

// DefaultDocument is written when the engine is started without any
// configuration. It listens on the usual mixed port, keeps the control API on
// loopback and routes everything direct until proxies are added.
func DefaultDocument() Document {
	return Document{
		"port":                      7890,
		"socks-port":                7891,
		"mixed-port":                7890,
		"allow-lan":                 false,
		"mode":                      "rule",
		"log-level":                 "info",
		"external-controller":       "127.0.0.1:9090",
		"unified-delay":             true,
		"tcp-concurrent":            true,
		"keep-alive-interval":       30,
		"find-process-mode":         "strict",
		"global-client-fingerprint": "chrome",
		"dns": map[string]any{
			"enable":        true,
			"ipv6":          false,
			"listen":        "0.0.0.0:53",
			"enhanced-mode": "fake-ip",
			"fake-ip-range": "198.18.0.1/16",
			"fake-ip-filter": []any{
				"*.lan",
				"*.local",
			},
			"default-nameserver": []any{"223.5.5.5", "119.29.29.29"},
			"nameserver": []any{
				"https://doh.pub/dns-query",
				"https://dns.alidns.com/dns-query",
			},
			"fallback": []any{
				"https://1.1.1.1/dns-query",
				"https://dns.google/dns-query",
			},
		},
		"tun": map[string]any{
			"enable":                false,
			"stack":                 "system",
			"auto-route":            true,
			"auto-detect-interface": true,
			"dns-hijack":            []any{"any:53"},
			"mtu":                   1500,
		},
		"proxies":      []any{},
		"proxy-groups": []any{},
		"rules": []any{
			"DOMAIN-SUFFIX,local,DIRECT",
			"IP-CIDR,127.0.0.0/8,DIRECT",
			"IP-CIDR,172.16.0.0/12,DIRECT",
			"IP-CIDR,192.168.0.0/16,DIRECT",
			"IP-CIDR,10.0.0.0/8,DIRECT",
			"GEOIP,LAN,DIRECT,no-resolve",
			"MATCH,DIRECT",
		},
	}
}

// ControllerAddr returns the engine control API address configured in doc,
// falling back to the loopback default.
func (d Document) ControllerAddr() string {
	if v, ok := d["external-controller"].(string); ok && v != "" {
		return v
	}
	return "127.0.0.1:9090"
}

// ControllerSecret returns the bearer secret for the control API, if any.
func (d Document) ControllerSecret() string {
	v, _ := d["secret"].(string)
	return v
}
