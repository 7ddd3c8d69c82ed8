package proxy

import (
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/hangar/internal/logging"
)

// renderConfig emits a complete server block for the given routes. The file
// is included at nginx's conf.d level, so the per-app locations must live
// inside a server directive listening on the proxy port. Per route: a
// canonical redirect for the bare prefix, then a proxied location that
// strips the prefix and forwards to the app's loopback port with WebSocket
// and streaming passthrough intact.
func renderConfig(listenPort int, ids []string, routes map[string]Route) string {
	var b strings.Builder
	b.WriteString("# Generated by hangar. Do not edit; changes are overwritten.\n\n")
	b.WriteString("server {\n")
	fmt.Fprintf(&b, "    listen %d;\n\n", listenPort)
	for _, id := range ids {
		route := routes[id]
		writeRouteBlock(&b, id, route)
	}
	b.WriteString("}\n")
	return b.String()
}

func writeRouteBlock(b *strings.Builder, id string, route Route) {
	fmt.Fprintf(b, "    location = /apps/%s {\n", id)
	fmt.Fprintf(b, "        return 301 /apps/%s/;\n", id)
	b.WriteString("    }\n\n")

	fmt.Fprintf(b, "    location /apps/%s/ {\n", id)

	if route.AuthHeader != "" {
		b.WriteString("        if ($http_x_app_token = \"\") {\n")
		b.WriteString("            return 403;\n")
		b.WriteString("        }\n")
	}
	for _, ip := range route.AllowIPs {
		fmt.Fprintf(b, "        allow %s;\n", ip)
	}
	if len(route.AllowIPs) > 0 {
		b.WriteString("        deny all;\n")
	}

	fmt.Fprintf(b, "        proxy_pass http://127.0.0.1:%d/;\n", route.Port)
	b.WriteString("        proxy_http_version 1.1;\n")
	b.WriteString("        proxy_set_header Upgrade $http_upgrade;\n")
	b.WriteString("        proxy_set_header Connection $http_connection;\n")
	b.WriteString("        proxy_set_header Host $host;\n")
	b.WriteString("        proxy_set_header X-Real-IP $remote_addr;\n")
	b.WriteString("        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;\n")
	b.WriteString("        proxy_set_header X-Forwarded-Proto $scheme;\n")
	b.WriteString("        proxy_set_header Range $http_range;\n")
	b.WriteString("        proxy_set_header If-Range $http_if_range;\n")
	b.WriteString("        proxy_buffering off;\n")
	b.WriteString("        proxy_read_timeout 3600s;\n")
	b.WriteString("    }\n\n")
}

// signalReload asks the proxy daemon to pick up the new config. A missing
// daemon is normal in development; log and continue.
func signalReload() {
	if err := exec.Command("nginx", "-s", "reload").Run(); err != nil {
		logging.Warn("proxy reload signal failed", zap.Error(err))
	}
}
