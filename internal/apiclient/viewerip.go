package apiclient

import "context"

type viewerIPKey struct{}

// WithViewerIP stores the inbound viewer's IP on the context so outbound calls
// for that request forward it to geo-sensitive upstreams.
func WithViewerIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, viewerIPKey{}, ip)
}

// ViewerIP returns the viewer IP stored on the context, or "".
func ViewerIP(ctx context.Context) string {
	ip, _ := ctx.Value(viewerIPKey{}).(string)
	return ip
}

// ipForwardHeaders returns the forwarding headers upstreams/CDNs commonly
// honor. Upstreams may or may not trust them; we always send them.
func ipForwardHeaders(ip string) map[string]string {
	if ip == "" {
		return nil
	}
	return map[string]string{
		"X-Forwarded-For":  ip,
		"X-Real-IP":        ip,
		"CF-Connecting-IP": ip,
		"True-Client-IP":   ip,
	}
}
