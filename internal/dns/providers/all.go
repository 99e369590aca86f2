// Package providers imports all DNS provider packages to trigger their init() registration.
package providers

import (
	_ "github.com/yuriy-kovalchuk/auto-dns/internal/dns/aliyun"
	_ "github.com/yuriy-kovalchuk/auto-dns/internal/dns/cloudflare"
	_ "github.com/yuriy-kovalchuk/auto-dns/internal/dns/dryrun"
	_ "github.com/yuriy-kovalchuk/auto-dns/internal/dns/opnsense"
	_ "github.com/yuriy-kovalchuk/auto-dns/internal/dns/route53"
	_ "github.com/yuriy-kovalchuk/auto-dns/internal/dns/tencent"
)
